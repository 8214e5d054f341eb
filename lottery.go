package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Seednode/chatladder/ladder"
	"github.com/Seednode/chatladder/store"
)

// Claim rejection reasons sent in claim_rejected.
const (
	reasonAlreadyClaimed   = "already_claimed"
	reasonAlreadyHasColumn = "already_has_column"
	reasonGameStarted      = "game_started"
	reasonOutOfRange       = "out_of_range"
	reasonNotFound         = "not_found"
	reasonUnavailable      = "unavailable"
)

type ColumnView struct {
	Claimed  bool   `json:"claimed"`
	Nickname string `json:"nickname,omitempty"`
	Mine     bool   `json:"mine,omitempty"`
}

// LadderView is one game as seen by a single player. The board and paths
// are withheld until the game is started.
type LadderView struct {
	ID               string        `json:"id"`
	CreatorNickname  string        `json:"creator_nickname"`
	ParticipantCount int           `json:"participant_count"`
	Results          []string      `json:"results"`
	CreatedAt        time.Time     `json:"created_at"`
	Columns          []ColumnView  `json:"columns"`
	MyColumn         *int          `json:"my_column,omitempty"`
	Ready            bool          `json:"ready"`
	Started          bool          `json:"started"`
	Bridges          ladder.Board  `json:"bridges,omitempty"`
	Paths            []ladder.Path `json:"paths,omitempty"`
	MyResult         string        `json:"my_result,omitempty"`
}

type LadderGamesMessage struct {
	Type  string       `json:"type"` // "ladder_games"
	Games []LadderView `json:"games"`
}

type ClaimRejectedMessage struct {
	Type    string `json:"type"` // "claim_rejected"
	GameID  string `json:"game_id"`
	Column  int    `json:"column"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func newLadderView(g *ladder.Game, playerID string) LadderView {
	v := LadderView{
		ID:               g.ID,
		CreatorNickname:  g.CreatorNickname,
		ParticipantCount: g.ParticipantCount,
		Results:          g.Results,
		CreatedAt:        g.CreatedAt,
		Columns:          make([]ColumnView, g.ParticipantCount),
		Ready:            g.Ready(),
		Started:          g.Started,
	}

	for col, claimant := range g.Selections {
		if col < 0 || col >= len(v.Columns) {
			continue
		}
		v.Columns[col] = ColumnView{
			Claimed:  true,
			Nickname: g.Nicknames[col],
			Mine:     claimant == playerID,
		}
	}

	if col, ok := g.ColumnOf(playerID); ok {
		v.MyColumn = &col
	}

	if g.Started {
		v.Bridges = g.Board
		v.Paths = g.Paths
		if result, ok := g.ResultFor(playerID); ok {
			v.MyResult = result
		}
	}

	return v
}

func (h *Hub) gamesMessageLocked(playerID string) LadderGamesMessage {
	views := make([]LadderView, 0, len(h.games))
	for _, g := range h.games {
		views = append(views, newLadderView(g, playerID))
	}
	return LadderGamesMessage{Type: "ladder_games", Games: views}
}

func (h *Hub) broadcastGamesLocked() {
	for c := range h.clients {
		h.sendLocked(c, h.gamesMessageLocked(c.playerID))
	}
}

// snapshotLocked returns the latest delivered copy of a game, or nil if it
// is not in the current window.
func (h *Hub) snapshotLocked(gameID string) *ladder.Game {
	for _, g := range h.games {
		if g.ID == gameID {
			return g
		}
	}
	return nil
}

// handleLadder processes "create_ladder", "claim" and "start_ladder".
func (h *Hub) handleLadder(cfg *Config, req request) {
	c := req.client

	nickname, ok := h.nicknameOf(c.playerID)
	if !ok {
		h.replyError(c, "먼저 닉네임을 입력해주세요.")
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, timeout)
	defer cancel()

	switch req.msg.Type {
	case "create_ladder":
		h.createLadder(ctx, cfg, c, nickname, req.msg)
	case "claim":
		h.claimColumn(ctx, cfg, c, nickname, req.msg)
	case "start_ladder":
		h.startLadder(ctx, cfg, c, nickname, req.msg)
	}
}

func (h *Hub) createLadder(ctx context.Context, cfg *Config, c *Client, nickname string, msg ClientMessage) {
	g, err := ladder.NewGame(ladder.Options{
		RoomID:           h.id,
		CreatedBy:        c.playerID,
		CreatorNickname:  nickname,
		ParticipantCount: msg.ParticipantCount,
		Results:          msg.Results,
	})
	if err != nil {
		h.replyError(c, validationText(err))
		return
	}

	if err := h.store.Create(ctx, g); err != nil {
		errorf("create game in %s: %v", h.id, err)
		h.replyError(c, "사다리를 만들지 못했습니다. 다시 시도해주세요.")
		return
	}

	logf(cfg, "LADDER: %q created %d-player game %s in %s", nickname, g.ParticipantCount, g.ID, h.id)
}

func (h *Hub) claimColumn(ctx context.Context, cfg *Config, c *Client, nickname string, msg ClientMessage) {
	if msg.GameID == "" || msg.Column == nil {
		return
	}
	column := *msg.Column

	// Check the latest snapshot first so obvious conflicts skip the write.
	h.mu.RLock()
	snapshot := h.snapshotLocked(msg.GameID)
	var err error
	if snapshot != nil {
		err = snapshot.Clone().Claim(column, c.playerID, nickname)
	}
	h.mu.RUnlock()

	if err == nil {
		_, err = h.store.Update(ctx, msg.GameID, func(g *ladder.Game) error {
			return g.Claim(column, c.playerID, nickname)
		})
	}

	if err != nil {
		reason, text := claimRejection(err)
		if reason == reasonUnavailable {
			errorf("claim in %s: %v", h.id, err)
		}
		logf(cfg, "LADDER: %q lost column %d of %s: %s", nickname, column, msg.GameID, reason)

		h.reply(c, ClaimRejectedMessage{
			Type:    "claim_rejected",
			GameID:  msg.GameID,
			Column:  column,
			Reason:  reason,
			Message: text,
		})
		return
	}

	logf(cfg, "LADDER: %q claimed column %d of %s", nickname, column, msg.GameID)
}

func (h *Hub) startLadder(ctx context.Context, cfg *Config, c *Client, nickname string, msg ClientMessage) {
	if msg.GameID == "" {
		return
	}

	_, err := h.store.Update(ctx, msg.GameID, func(g *ladder.Game) error {
		return g.Start()
	})
	switch {
	case err == nil:
		logf(cfg, "LADDER: %q started %s", nickname, msg.GameID)
	case errors.Is(err, ladder.ErrGameStarted):
		// someone else got there first
	case errors.Is(err, ladder.ErrNotReady):
		h.replyError(c, "모든 위치가 선택되면 시작할 수 있습니다.")
	case errors.Is(err, store.ErrNotFound):
		h.replyError(c, "게임을 찾을 수 없습니다.")
	default:
		errorf("start game in %s: %v", h.id, err)
		h.replyError(c, "잠시 후 다시 시도해주세요.")
	}
}

// claimRejection maps a failed claim to its reason code and display text.
func claimRejection(err error) (string, string) {
	switch {
	case errors.Is(err, ladder.ErrAlreadyClaimed):
		return reasonAlreadyClaimed, "이미 선택된 위치입니다!"
	case errors.Is(err, ladder.ErrClaimantHasColumn):
		return reasonAlreadyHasColumn, "이미 선택하셨습니다!"
	case errors.Is(err, ladder.ErrGameStarted):
		return reasonGameStarted, "이미 시작된 게임입니다."
	case errors.Is(err, ladder.ErrColumnOutOfRange):
		return reasonOutOfRange, "잘못된 위치입니다."
	case errors.Is(err, store.ErrNotFound):
		return reasonNotFound, "게임을 찾을 수 없습니다."
	default:
		return reasonUnavailable, "잠시 후 다시 시도해주세요."
	}
}

func validationText(err error) string {
	switch {
	case errors.Is(err, ladder.ErrTooFewParticipants), errors.Is(err, ladder.ErrTooManyParticipants):
		return fmt.Sprintf("참여자 수는 %d~%d명이어야 합니다.", ladder.MinParticipants, ladder.MaxParticipants)
	case errors.Is(err, ladder.ErrResultCount):
		return "결과 수가 참여자 수와 맞지 않습니다."
	case errors.Is(err, ladder.ErrEmptyResult):
		return "모든 결과를 입력해주세요!"
	case errors.Is(err, ladder.ErrResultTooLong):
		return fmt.Sprintf("결과는 %d자 이하로 입력해주세요.", ladder.MaxResultLength)
	default:
		return "잘못된 요청입니다."
	}
}
