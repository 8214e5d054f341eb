package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Seednode/chatladder/store"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, presence time.Duration) *httptest.Server {
	t.Helper()

	cfg := &Config{
		history:         100,
		presenceTimeout: presence,
		sessionTimeout:  time.Minute,
	}

	ctx, cancel := context.WithCancel(context.Background())
	presets := Presets{"점심": {"꽝", "당첨"}}

	srv := httptest.NewServer(newRouter(ctx, cfg, store.NewMemory(), presets))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return srv
}

func dial(t *testing.T, srv *httptest.Server, roomID, playerID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/room/" + roomID + "/ws"
	header := http.Header{}
	header.Set("Cookie", playerCookieName+"="+playerID)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()

	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msg.Type, err)
	}
}

// await reads messages until one of type typ satisfies match.
func await[T any](t *testing.T, conn *websocket.Conn, typ string, match func(T) bool) T {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)

		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if head.Type != typ {
			continue
		}

		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			t.Fatalf("decode %s: %v", typ, err)
		}
		if match == nil || match(v) {
			return v
		}
	}
}

func join(t *testing.T, conn *websocket.Conn, nickname string) {
	t.Helper()

	send(t, conn, ClientMessage{Type: "join", Nickname: nickname})
	await(t, conn, "joined", func(m JoinedMessage) bool { return m.Nickname == nickname })
}

func intp(i int) *int { return &i }

func TestLadderFlow(t *testing.T) {
	srv := newTestServer(t, time.Minute)

	alice := dial(t, srv, "flow", "alice-id")
	info := await[SessionInfoMessage](t, alice, "session_info", nil)
	if info.IsExisting || info.RoomID != "flow" {
		t.Fatalf("unexpected session info: %+v", info)
	}
	if len(info.Presets) != 1 || info.Presets[0].Name != "점심" {
		t.Fatalf("presets not advertised: %+v", info.Presets)
	}
	if info.MinParticipants != 2 || info.MaxParticipants != 6 {
		t.Fatalf("limits: %+v", info)
	}
	join(t, alice, "앨리스")

	bob := dial(t, srv, "flow", "bob-id")
	join(t, bob, "밥")

	await(t, alice, "chat_message", func(m ChatMessage) bool {
		return m.Message.Type == store.MessageSystem && m.Message.Text == "밥님이 입장하셨습니다."
	})

	send(t, alice, ClientMessage{Type: "create_ladder", ParticipantCount: 2, Results: []string{" 꽝 ", "당첨"}})
	games := await(t, alice, "ladder_games", func(m LadderGamesMessage) bool { return len(m.Games) == 1 })
	game := games.Games[0]
	if game.CreatorNickname != "앨리스" || !slices.Equal(game.Results, []string{"꽝", "당첨"}) {
		t.Fatalf("unexpected game: %+v", game)
	}
	if game.Bridges != nil || game.Paths != nil {
		t.Fatal("board revealed before start")
	}

	send(t, alice, ClientMessage{Type: "claim", GameID: game.ID, Column: intp(0)})
	await(t, alice, "ladder_games", func(m LadderGamesMessage) bool {
		g := m.Games[0]
		return g.Columns[0].Mine && g.MyColumn != nil && *g.MyColumn == 0
	})
	await(t, bob, "ladder_games", func(m LadderGamesMessage) bool {
		c := m.Games[0].Columns[0]
		return c.Claimed && !c.Mine && c.Nickname == "앨리스"
	})

	send(t, bob, ClientMessage{Type: "claim", GameID: game.ID, Column: intp(0)})
	rejected := await[ClaimRejectedMessage](t, bob, "claim_rejected", nil)
	if rejected.Reason != reasonAlreadyClaimed || rejected.Message != "이미 선택된 위치입니다!" {
		t.Fatalf("duplicate claim: %+v", rejected)
	}

	send(t, alice, ClientMessage{Type: "claim", GameID: game.ID, Column: intp(1)})
	rejected = await[ClaimRejectedMessage](t, alice, "claim_rejected", nil)
	if rejected.Reason != reasonAlreadyHasColumn {
		t.Fatalf("second claim: %+v", rejected)
	}

	send(t, bob, ClientMessage{Type: "claim", GameID: "missing", Column: intp(1)})
	if r := await[ClaimRejectedMessage](t, bob, "claim_rejected", nil); r.Reason != reasonNotFound {
		t.Fatalf("missing game: %+v", r)
	}

	send(t, bob, ClientMessage{Type: "start_ladder", GameID: game.ID})
	await[SimpleMessage](t, bob, "error", nil)

	send(t, bob, ClientMessage{Type: "claim", GameID: game.ID, Column: intp(1)})
	await(t, bob, "ladder_games", func(m LadderGamesMessage) bool { return m.Games[0].Ready })

	send(t, bob, ClientMessage{Type: "start_ladder", GameID: game.ID})

	started := func(m LadderGamesMessage) bool { return m.Games[0].Started }
	aliceView := await(t, alice, "ladder_games", started).Games[0]
	bobView := await(t, bob, "ladder_games", started).Games[0]

	if len(aliceView.Bridges) != 8 || len(aliceView.Paths) != 2 {
		t.Fatalf("started view missing board: %+v", aliceView)
	}
	got := []string{aliceView.MyResult, bobView.MyResult}
	slices.Sort(got)
	if !slices.Equal(got, []string{"꽝", "당첨"}) {
		t.Fatalf("results %v should be a permutation of the game results", got)
	}
}

func TestChatHistoryAndRename(t *testing.T) {
	srv := newTestServer(t, time.Minute)

	alice := dial(t, srv, "chat", "alice-id")

	send(t, alice, ClientMessage{Type: "chat", Text: "too early"})
	await[SimpleMessage](t, alice, "error", nil)

	join(t, alice, "앨리스")
	send(t, alice, ClientMessage{Type: "chat", Text: "  안녕하세요  "})
	await(t, alice, "chat_message", func(m ChatMessage) bool { return m.Message.Text == "안녕하세요" })

	send(t, alice, ClientMessage{Type: "chat", Text: strings.Repeat("가", maxChatLength+1)})
	await[SimpleMessage](t, alice, "error", nil)

	send(t, alice, ClientMessage{Type: "join", Nickname: "Alice"})
	await(t, alice, "chat_message", func(m ChatMessage) bool {
		return m.Message.Text == "앨리스님이 Alice(으)로 닉네임을 변경하셨습니다."
	})

	bob := dial(t, srv, "chat", "bob-id")
	history := await[ChatHistoryMessage](t, bob, "chat_history", nil)

	var texts []string
	for _, m := range history.Messages {
		texts = append(texts, m.Text)
	}
	want := []string{
		"앨리스님이 입장하셨습니다.",
		"안녕하세요",
		"앨리스님이 Alice(으)로 닉네임을 변경하셨습니다.",
	}
	if !slices.Equal(texts, want) {
		t.Fatalf("history %q, want %q", texts, want)
	}
	if history.Messages[1].Nickname != "앨리스" || history.Messages[0].Nickname != systemNickname {
		t.Fatalf("unexpected nicknames: %+v", history.Messages)
	}

	// Rooms do not share history.
	other := dial(t, srv, "elsewhere", "bob-id")
	if h := await[ChatHistoryMessage](t, other, "chat_history", nil); len(h.Messages) != 0 {
		t.Fatalf("history leaked across rooms: %+v", h.Messages)
	}
}

func TestReconnectKeepsNickname(t *testing.T) {
	srv := newTestServer(t, time.Minute)

	first := dial(t, srv, "again", "alice-id")
	join(t, first, "앨리스")
	first.Close()

	second := dial(t, srv, "again", "alice-id")
	info := await[SessionInfoMessage](t, second, "session_info", nil)
	if !info.IsExisting || info.Nickname != "앨리스" {
		t.Fatalf("reconnect lost nickname: %+v", info)
	}
}

func TestPresenceTimeout(t *testing.T) {
	srv := newTestServer(t, 50*time.Millisecond)

	alice := dial(t, srv, "presence", "alice-id")
	join(t, alice, "앨리스")

	bob := dial(t, srv, "presence", "bob-id")
	join(t, bob, "밥")

	await(t, bob, "participants", func(m ParticipantsMessage) bool { return len(m.Participants) == 2 })

	alice.Close()

	await(t, bob, "participants", func(m ParticipantsMessage) bool {
		return len(m.Participants) == 2 && !m.Participants[0].Online && m.Participants[1].Me
	})
	await(t, bob, "participants", func(m ParticipantsMessage) bool {
		return len(m.Participants) == 1 && m.Participants[0].Nickname == "밥"
	})
}

func TestInvalidNickname(t *testing.T) {
	srv := newTestServer(t, time.Minute)

	conn := dial(t, srv, "names", "alice-id")
	send(t, conn, ClientMessage{Type: "join", Nickname: "   "})
	await[SimpleMessage](t, conn, "error", nil)

	send(t, conn, ClientMessage{Type: "join", Nickname: strings.Repeat("가", maxNicknameLength+1)})
	await[SimpleMessage](t, conn, "error", nil)
}

func TestValidRoomID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"abcDEF12", true},
		{"team_a-1", true},
		{"", false},
		{"has space", false},
		{"dot.dot", false},
		{"방", false},
		{strings.Repeat("a", 33), false},
	}

	for _, tt := range tests {
		if got := validRoomID(tt.id); got != tt.want {
			t.Errorf("validRoomID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestRoomManagerReapsIdleRooms(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &Config{history: 10, sessionTimeout: 20 * time.Millisecond}
	rm := newRoomManager(ctx, cfg, store.NewMemory(), nil)

	id := rm.newRoomID()
	if len(id) != 8 || !validRoomID(id) {
		t.Fatalf("bad room id %q", id)
	}

	hub := rm.getHub(cfg, id)
	if rm.getHub(cfg, id) != hub {
		t.Fatal("getHub should return the open hub")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rm.mu.Lock()
		_, open := rm.hubs[id]
		rm.mu.Unlock()

		if !open {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle room was not reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-hub.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reaped hub was not stopped")
	}
}
