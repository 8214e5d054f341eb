// chatladder rooms
//
// Each room is one chat channel plus its ladder lottery games. Everything a
// room shows is derived from the store: chat history is replayed from it and
// the game list is a live subscription to it.
//
// Features:
// - WebSockets per room ID: /room/:roomid and /room/:roomid/ws
// - Players identified by cookie (playerID), nickname chosen on join
// - Chat history replayed on connect, system messages on join and rename
// - Participant list with presence derived from open connections
// - Disconnected participants linger for a grace period before leaving the list
// - Ladder games: create, claim a starting column, start the reveal
// - Claims are written through the store's atomic update, so racing claims
//   for one column have a single winner and losers are told, not retried
// - Empty idle rooms are reaped after a configurable timeout
// - Random 8-char room IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the room, backed by go-qrcode

package main

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"html/template"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Seednode/chatladder/ladder"
	"github.com/Seednode/chatladder/store"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	systemNickname    = "시스템"
	maxNicknameLength = 20
	maxChatLength     = 500
	maxRoomIDLength   = 32

	maxMessageSize = 8 << 10
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

// Participant is a player who has chosen a nickname in this room.
type Participant struct {
	PlayerID string
	Nickname string
	JoinedAt time.Time
	LastSeen time.Time
}

// Messages coming from clients
type ClientMessage struct {
	Type             string   `json:"type"`                        // "join", "chat", "create_ladder", "claim", "start_ladder"
	Nickname         string   `json:"nickname,omitempty"`          // join
	Text             string   `json:"text,omitempty"`              // chat
	ParticipantCount int      `json:"participant_count,omitempty"` // create_ladder
	Results          []string `json:"results,omitempty"`           // create_ladder
	GameID           string   `json:"game_id,omitempty"`           // claim / start_ladder
	Column           *int     `json:"column,omitempty"`            // claim
}

// SessionInfoMessage is sent immediately on connect so the client knows
// whether this cookie already has a nickname and what the limits are.
type SessionInfoMessage struct {
	Type              string       `json:"type"` // "session_info"
	RoomID            string       `json:"room_id"`
	IsExisting        bool         `json:"is_existing"`
	Nickname          string       `json:"nickname,omitempty"`
	Presets           []presetView `json:"presets"`
	MinParticipants   int          `json:"min_participants"`
	MaxParticipants   int          `json:"max_participants"`
	MaxResultLength   int          `json:"max_result_length"`
	MaxNicknameLength int          `json:"max_nickname_length"`
}

// JoinedMessage confirms a nickname to every connection of that player.
type JoinedMessage struct {
	Type     string `json:"type"` // "joined"
	Nickname string `json:"nickname"`
}

type ParticipantView struct {
	Nickname string    `json:"nickname"`
	Online   bool      `json:"online"`
	Me       bool      `json:"me,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

type ParticipantsMessage struct {
	Type         string            `json:"type"` // "participants"
	Participants []ParticipantView `json:"participants"`
}

type ChatHistoryMessage struct {
	Type     string          `json:"type"` // "chat_history"
	Messages []store.Message `json:"messages"`
}

type ChatMessage struct {
	Type    string        `json:"type"` // "chat_message"
	Message store.Message `json:"message"`
}

// SimpleMessage is for notifications meant for a single client ("error").
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
}

type request struct {
	client *Client
	msg    ClientMessage
}

type Hub struct {
	id      string
	store   store.Store
	presets Presets

	clients      map[*Client]bool
	participants map[string]*Participant
	games        []*ladder.Game // latest window delivered by the store

	register chan *Client
	unreg    chan *Client
	joins    chan request
	chats    chan request
	ladders  chan request

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time
}

func newHub(ctx context.Context, roomID string, st store.Store, presets Presets) *Hub {
	now := time.Now()
	ctx, cancel := context.WithCancel(ctx)

	return &Hub{
		id:           roomID,
		store:        st,
		presets:      presets,
		clients:      make(map[*Client]bool),
		participants: make(map[string]*Participant),
		register:     make(chan *Client),
		unreg:        make(chan *Client),
		joins:        make(chan request),
		chats:        make(chan request),
		ladders:      make(chan request),
		ctx:          ctx,
		cancel:       cancel,
		createdAt:    now,
		lastActive:   now,
	}
}

// dispatch hands v to the hub, giving up once the hub has shut down.
func dispatch[T any](h *Hub, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) run(cfg *Config) {
	updates, err := h.store.Subscribe(h.ctx, h.id, store.DefaultWindow)
	if err != nil {
		errorf("subscribe to room %s: %v", h.id, err)
	}

	for {
		select {
		case <-h.ctx.Done():
			return

		case c := <-h.register:
			h.handleRegister(cfg, c)

		case c := <-h.unreg:
			h.handleUnregister(cfg, c)

		case req := <-h.joins:
			h.handleJoin(cfg, req)

		case req := <-h.chats:
			h.handleChat(cfg, req)

		case req := <-h.ladders:
			h.handleLadder(cfg, req)

		case games, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}

			h.mu.Lock()
			h.games = games
			h.broadcastGamesLocked()
			h.mu.Unlock()
		}
	}
}

// sendLocked queues msg for c, dropping clients that cannot keep up.
func (h *Hub) sendLocked(c *Client, msg any) {
	if !h.clients[c] {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) reply(c *Client, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sendLocked(c, msg)
}

func (h *Hub) replyError(c *Client, text string) {
	h.reply(c, SimpleMessage{Type: "error", Message: text})
}

func (h *Hub) handleRegister(cfg *Config, c *Client) {
	history, err := h.store.Messages(h.ctx, h.id, cfg.history)
	if err != nil {
		errorf("load chat history for %s: %v", h.id, err)
	}
	if history == nil {
		history = []store.Message{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()
	h.clients[c] = true

	info := SessionInfoMessage{
		Type:              "session_info",
		RoomID:            h.id,
		Presets:           h.presets.list(),
		MinParticipants:   ladder.MinParticipants,
		MaxParticipants:   ladder.MaxParticipants,
		MaxResultLength:   ladder.MaxResultLength,
		MaxNicknameLength: maxNicknameLength,
	}
	if p, ok := h.participants[c.playerID]; ok {
		p.LastSeen = h.lastActive
		info.IsExisting = true
		info.Nickname = p.Nickname
	}

	// session_info first, so the client decides whether to prompt for a nickname.
	h.sendLocked(c, info)
	h.sendLocked(c, ChatHistoryMessage{Type: "chat_history", Messages: history})
	h.sendLocked(c, h.gamesMessageLocked(c.playerID))

	h.broadcastParticipantsLocked()
}

func (h *Hub) handleUnregister(cfg *Config, c *Client) {
	h.mu.Lock()

	h.lastActive = time.Now()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	joined := false
	if p, ok := h.participants[c.playerID]; ok {
		p.LastSeen = h.lastActive
		joined = true
	}
	online := h.onlineLocked(c.playerID)

	h.broadcastParticipantsLocked()
	h.mu.Unlock()

	if joined && !online {
		go h.scheduleRemoval(cfg, c.playerID, cfg.presenceTimeout)
	}
}

// onlineLocked reports whether playerID has at least one open connection.
func (h *Hub) onlineLocked(playerID string) bool {
	for c := range h.clients {
		if c.playerID == playerID {
			return true
		}
	}
	return false
}

// scheduleRemoval waits for d, and if the player has neither reconnected nor
// been seen since, removes them from the participant list.
func (h *Hub) scheduleRemoval(cfg *Config, playerID string, d time.Duration) {
	select {
	case <-time.After(d):
	case <-h.ctx.Done():
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.onlineLocked(playerID) {
		return
	}

	p, ok := h.participants[playerID]
	if !ok || time.Since(p.LastSeen) < d {
		return
	}

	delete(h.participants, playerID)
	logf(cfg, "ROOMS: Player %q left %s", p.Nickname, h.id)

	h.broadcastParticipantsLocked()
}

func (h *Hub) participantsMessageLocked(playerID string) ParticipantsMessage {
	views := make([]ParticipantView, 0, len(h.participants))

	ordered := make([]*Participant, 0, len(h.participants))
	for _, p := range h.participants {
		ordered = append(ordered, p)
	}
	slices.SortFunc(ordered, func(a, b *Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Nickname, b.Nickname)
	})

	for _, p := range ordered {
		views = append(views, ParticipantView{
			Nickname: p.Nickname,
			Online:   h.onlineLocked(p.PlayerID),
			Me:       p.PlayerID == playerID,
			JoinedAt: p.JoinedAt,
		})
	}

	return ParticipantsMessage{Type: "participants", Participants: views}
}

func (h *Hub) broadcastParticipantsLocked() {
	for c := range h.clients {
		h.sendLocked(c, h.participantsMessageLocked(c.playerID))
	}
}

func validNickname(nickname string) bool {
	n := utf8.RuneCountInString(nickname)
	return n >= 1 && n <= maxNicknameLength
}

// handleJoin processes "join" messages, which set or change a nickname.
func (h *Hub) handleJoin(cfg *Config, req request) {
	c := req.client
	nickname := strings.TrimSpace(req.msg.Nickname)

	if c.playerID == "" {
		return
	}
	if !validNickname(nickname) {
		h.replyError(c, fmt.Sprintf("닉네임은 1~%d자로 입력해주세요.", maxNicknameLength))
		return
	}

	h.mu.Lock()

	now := time.Now()
	h.lastActive = now

	var announce string

	p, existing := h.participants[c.playerID]
	switch {
	case !existing:
		p = &Participant{
			PlayerID: c.playerID,
			Nickname: nickname,
			JoinedAt: now,
		}
		h.participants[c.playerID] = p
		announce = nickname + "님이 입장하셨습니다."
		logf(cfg, "ROOMS: Player %q joined %s", nickname, h.id)
	case p.Nickname != nickname:
		announce = fmt.Sprintf("%s님이 %s(으)로 닉네임을 변경하셨습니다.", p.Nickname, nickname)
		logf(cfg, "ROOMS: Player %q renamed to %q in %s", p.Nickname, nickname, h.id)
		p.Nickname = nickname
	}
	p.LastSeen = now

	for client := range h.clients {
		if client.playerID == c.playerID {
			h.sendLocked(client, JoinedMessage{Type: "joined", Nickname: nickname})
		}
	}
	h.broadcastParticipantsLocked()

	h.mu.Unlock()

	if announce != "" {
		h.postMessage(cfg, store.Message{
			Nickname: systemNickname,
			Text:     announce,
			Type:     store.MessageSystem,
		})
	}
}

// nicknameOf returns the player's nickname, or false if they have not joined.
func (h *Hub) nicknameOf(playerID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	p, ok := h.participants[playerID]
	if !ok {
		return "", false
	}
	return p.Nickname, true
}

func (h *Hub) handleChat(cfg *Config, req request) {
	c := req.client
	text := strings.TrimSpace(req.msg.Text)

	if text == "" {
		return
	}
	if utf8.RuneCountInString(text) > maxChatLength {
		h.replyError(c, fmt.Sprintf("메시지는 %d자 이하로 입력해주세요.", maxChatLength))
		return
	}

	nickname, ok := h.nicknameOf(c.playerID)
	if !ok {
		h.replyError(c, "먼저 닉네임을 입력해주세요.")
		return
	}

	if err := h.postMessage(cfg, store.Message{
		Nickname: nickname,
		Text:     text,
		Type:     store.MessageChat,
	}); err != nil {
		h.replyError(c, "메시지를 보내지 못했습니다. 다시 시도해주세요.")
	}
}

// postMessage stores a chat line and broadcasts it to the room.
func (h *Hub) postMessage(cfg *Config, msg store.Message) error {
	msg.RoomID = h.id

	ctx, cancel := context.WithTimeout(h.ctx, timeout)
	defer cancel()

	stored, err := h.store.AppendMessage(ctx, msg)
	if err != nil {
		errorf("store message in %s: %v", h.id, err)
		return err
	}

	logf(cfg, "CHAT: [%s] %s: %s", h.id, stored.Nickname, stored.Text)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()
	for c := range h.clients {
		h.sendLocked(c, ChatMessage{Type: "chat_message", Message: stored})
	}

	return nil
}

// idle reports whether the room has no connections and no activity since cutoff.
func (h *Hub) idle(cutoff time.Time) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients) == 0 && h.lastActive.Before(cutoff)
}

// closeAll disconnects all clients of this hub and stops it (used by reaper).
func (h *Hub) closeAll() {
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "chatladder_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		errorf("rand.Read: %v", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

func validRoomID(id string) bool {
	if id == "" || len(id) > maxRoomIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// RoomManager holds a set of hubs keyed by room ID, so each /room/:roomid
// is its own isolated session.
type RoomManager struct {
	ctx context.Context

	mu          sync.Mutex
	hubs        map[string]*Hub
	store       store.Store
	presets     Presets
	idleTimeout time.Duration
}

func newRoomManager(ctx context.Context, cfg *Config, st store.Store, presets Presets) *RoomManager {
	rm := &RoomManager{
		ctx:         ctx,
		hubs:        make(map[string]*Hub),
		store:       st,
		presets:     presets,
		idleTimeout: cfg.sessionTimeout,
	}
	if rm.idleTimeout > 0 {
		go rm.reaperLoop(cfg)
	}
	return rm
}

func (rm *RoomManager) getHub(cfg *Config, roomID string) *Hub {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if hub, ok := rm.hubs[roomID]; ok {
		return hub
	}

	hub := newHub(rm.ctx, roomID, rm.store, rm.presets)
	rm.hubs[roomID] = hub
	go hub.run(cfg)

	logf(cfg, "ROOMS: Opened room %s", roomID)

	return hub
}

// newRoomID generates a crypto-random room ID and ensures it doesn't
// collide with open rooms.
func (rm *RoomManager) newRoomID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		rm.mu.Lock()
		_, exists := rm.hubs[id]
		rm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically closes rooms that have been empty and idle longer
// than idleTimeout. Their games and history stay in the store.
func (rm *RoomManager) reaperLoop(cfg *Config) {
	ticker := time.NewTicker(rm.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-rm.idleTimeout)

		rm.mu.Lock()
		for id, hub := range rm.hubs {
			if hub.idle(cutoff) {
				delete(rm.hubs, id)
				go hub.closeAll()
				logf(cfg, "ROOMS: Closed idle room %s", id)
			}
		}
		rm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :roomid
func serveWS(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if !validRoomID(roomID) {
			http.Error(w, "invalid room id", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		hub := rm.getHub(cfg, roomID)

		// Carries the Set-Cookie header for first-time players.
		conn, err := upgrader.Upgrade(w, r, w.Header())
		if err != nil {
			logf(cfg, "SERVE: Upgrade failed for %s: %v", realIP(r), err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 32),
			playerID: playerID,
		}

		if !dispatch(hub, hub.register, client) {
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		dispatch(h, h.unreg, c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		ok := true
		switch msg.Type {
		case "join":
			ok = dispatch(h, h.joins, request{client: c, msg: msg})
		case "chat":
			ok = dispatch(h, h.chats, request{client: c, msg: msg})
		case "create_ladder", "claim", "start_ladder":
			ok = dispatch(h, h.ladders, request{client: c, msg: msg})
		default:
			// ignore unknown types
		}
		if !ok {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !validRoomID(ps.ByName("roomid")) {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Room page ----

var roomPage = template.Must(template.ParseFS(assets, "assets/room/index.html"))

func serveRoomPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if !validRoomID(roomID) {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		if err := roomPage.Execute(w, struct {
			Prefix  string
			RoomID  string
			Version string
			Favicon template.HTML
		}{
			Prefix:  cfg.prefix,
			RoomID:  roomID,
			Version: releaseVersion,
			Favicon: template.HTML(getFavicon()),
		}); err != nil {
			errorf("render room page: %v", err)
		}
	}
}

// redirectNewRoom handles GET / by generating a new random room ID
// (with server-side collision detection) and redirecting to /room/:roomid.
func redirectNewRoom(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := rm.newRoomID()
		logf(cfg, "ROOMS: Created room %s for %s", roomID, realIP(r))
		http.Redirect(w, r, cfg.prefix+"/room/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerRooms sets up routes so that:
//   - $path/:roomid          → HTML client
//   - $path/:roomid/ws       → WebSocket for that room
//   - $path/:roomid/qr       → PNG QR code for that room URL
func registerRooms(cfg *Config, path string, mux *httprouter.Router, rm *RoomManager) {
	mux.GET(cfg.prefix+path+"/:roomid", serveRoomPage(cfg))
	mux.GET(cfg.prefix+path+"/:roomid/ws", serveWS(cfg, rm))
	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler)
}
