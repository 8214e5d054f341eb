package ladder

import (
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// RecordVersion is the schema version written by NewGame.
	//
	// Version 1 records predate selections and nicknames being written at
	// creation time; Normalize fills both in.
	RecordVersion = 2

	MaxResultLength = 20
)

// Game is the persisted record of one ladder lottery.
type Game struct {
	Version          int            `json:"version"`
	ID               string         `json:"id"`
	RoomID           string         `json:"room_id"`
	CreatedBy        string         `json:"created_by"`
	CreatorNickname  string         `json:"creator_nickname"`
	ParticipantCount int            `json:"participant_count"`
	Results          []string       `json:"results"`
	CreatedAt        time.Time      `json:"created_at"`
	Board            Board          `json:"bridges"`
	Paths            []Path         `json:"paths"`
	Selections       map[int]string `json:"selections,omitempty"`
	Nicknames        map[int]string `json:"nicknames,omitempty"`
	Started          bool           `json:"started,omitempty"`
}

// Options describes a game creation request.
type Options struct {
	RoomID           string
	CreatedBy        string
	CreatorNickname  string
	ParticipantCount int
	Results          []string

	// RNG defaults to DefaultRNG when nil.
	RNG RandomSource
}

// ValidateResults checks a creation request and returns the trimmed results.
func ValidateResults(participants int, results []string) ([]string, error) {
	switch {
	case participants < MinParticipants:
		return nil, ErrTooFewParticipants
	case participants > MaxParticipants:
		return nil, ErrTooManyParticipants
	case len(results) != participants:
		return nil, ErrResultCount
	}

	out := make([]string, len(results))
	for i, r := range results {
		r = strings.TrimSpace(r)
		if r == "" {
			return nil, ErrEmptyResult
		}
		if utf8.RuneCountInString(r) > MaxResultLength {
			return nil, ErrResultTooLong
		}
		out[i] = r
	}

	return out, nil
}

// NewGame validates o, draws a board and precomputes every path.
func NewGame(o Options) (*Game, error) {
	results, err := ValidateResults(o.ParticipantCount, o.Results)
	if err != nil {
		return nil, err
	}

	board, err := Generate(o.ParticipantCount, o.RNG)
	if err != nil {
		return nil, err
	}

	return &Game{
		Version:          RecordVersion,
		ID:               uuid.NewString(),
		RoomID:           o.RoomID,
		CreatedBy:        o.CreatedBy,
		CreatorNickname:  o.CreatorNickname,
		ParticipantCount: o.ParticipantCount,
		Results:          results,
		CreatedAt:        time.Now().UTC(),
		Board:            board,
		Paths:            ResolvePaths(board, o.ParticipantCount),
		Selections:       make(map[int]string),
		Nicknames:        make(map[int]string),
	}, nil
}

// Normalize applies the defaulting rules for records written by older
// versions. It is the only place absent fields are filled in.
func (g *Game) Normalize() {
	if g.Selections == nil {
		g.Selections = make(map[int]string)
	}
	if g.Nicknames == nil {
		g.Nicknames = make(map[int]string)
	}
	if g.Version < RecordVersion {
		g.Version = RecordVersion
	}
}

// Validate checks a decoded record for internal consistency.
func (g *Game) Validate() error {
	if _, err := ValidateResults(g.ParticipantCount, g.Results); err != nil {
		return err
	}
	if err := g.Board.Validate(g.ParticipantCount); err != nil {
		return err
	}
	if len(g.Paths) != g.ParticipantCount {
		return ErrMalformedBoard
	}
	for start, p := range g.Paths {
		if len(p) != Rows+1 || p.Start() != start {
			return ErrMalformedBoard
		}
		if f := p.Final(); f < 0 || f >= g.ParticipantCount {
			return ErrMalformedBoard
		}
	}
	return nil
}

// ColumnOf returns the column claimed by claimant, if any.
func (g *Game) ColumnOf(claimant string) (int, bool) {
	for col, id := range g.Selections {
		if id == claimant {
			return col, true
		}
	}
	return -1, false
}

// Claim assigns column to claimant. Claims are permanent.
func (g *Game) Claim(column int, claimant, nickname string) error {
	if claimant == "" {
		return ErrEmptyClaimant
	}
	if column < 0 || column >= g.ParticipantCount {
		return ErrColumnOutOfRange
	}
	if g.Started {
		return ErrGameStarted
	}
	if _, taken := g.Selections[column]; taken {
		return ErrAlreadyClaimed
	}
	if _, has := g.ColumnOf(claimant); has {
		return ErrClaimantHasColumn
	}

	g.Normalize()
	g.Selections[column] = claimant
	g.Nicknames[column] = nickname

	return nil
}

// Ready reports whether every column has been claimed.
func (g *Game) Ready() bool {
	return len(g.Selections) == g.ParticipantCount
}

// Start opens the reveal. It is allowed once every column is claimed.
func (g *Game) Start() error {
	if g.Started {
		return ErrGameStarted
	}
	if !g.Ready() {
		return ErrNotReady
	}
	g.Started = true
	return nil
}

// ResultFor returns the result reached by claimant's column.
func (g *Game) ResultFor(claimant string) (string, bool) {
	col, ok := g.ColumnOf(claimant)
	if !ok || col >= len(g.Paths) {
		return "", false
	}

	final := g.Paths[col].Final()
	if final < 0 || final >= len(g.Results) {
		return "", false
	}

	return g.Results[final], true
}

// Clone returns a deep copy, so stored records are never shared with callers.
func (g *Game) Clone() *Game {
	out := *g
	out.Results = append([]string(nil), g.Results...)
	out.Board = g.Board.Clone()
	out.Paths = make([]Path, len(g.Paths))
	for i, p := range g.Paths {
		out.Paths[i] = append(Path(nil), p...)
	}
	out.Selections = maps.Clone(g.Selections)
	out.Nicknames = maps.Clone(g.Nicknames)
	return &out
}
