package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Seednode/chatladder/ladder"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	db, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "chatladder.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": db,
	}
}

func newGame(t *testing.T, roomID string, createdAt time.Time, results ...string) *ladder.Game {
	t.Helper()

	g, err := ladder.NewGame(ladder.Options{
		RoomID:           roomID,
		CreatedBy:        "creator",
		CreatorNickname:  "방장",
		ParticipantCount: len(results),
		Results:          results,
		RNG:              ladder.NewSeededRNG(uint64(createdAt.UnixNano())),
	})
	if err != nil {
		t.Fatalf("NewGame: %v", err)
	}
	g.CreatedAt = createdAt

	return g
}

func claim(column int, who string) func(*ladder.Game) error {
	return func(g *ladder.Game) error {
		return g.Claim(column, who, who)
	}
}

func recv(t *testing.T, ch <-chan []*ladder.Game) []*ladder.Game {
	t.Helper()

	select {
	case games, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return games
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription delivery")
	}
	return nil
}

func TestCreateAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := newGame(t, "room", time.Now().UTC(), "꽝", "당첨", "꽝")

			if err := s.Create(ctx, g); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := s.Create(ctx, g); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate Create: got %v, want ErrExists", err)
			}

			got, err := s.Get(ctx, g.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.ID != g.ID || got.ParticipantCount != 3 || len(got.Paths) != 3 {
				t.Fatalf("unexpected record: %+v", got)
			}
			if got.Selections == nil {
				t.Fatal("selections should decode as an empty map")
			}
			if !got.CreatedAt.Equal(g.CreatedAt) {
				t.Fatalf("created_at %v, want %v", got.CreatedAt, g.CreatedAt)
			}

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCreateRejectsMalformedRecord(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := newGame(t, "room", time.Now().UTC(), "a", "b")
			g.Board = g.Board[:3]

			if err := s.Create(context.Background(), g); !errors.Is(err, ladder.ErrValidation) {
				t.Fatalf("got %v, want a validation error", err)
			}
		})
	}
}

func TestListNewestFirstWindow(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

			var ids []string
			for i := 0; i < 7; i++ {
				g := newGame(t, "room", base.Add(time.Duration(i)*time.Minute), "a", "b")
				if err := s.Create(ctx, g); err != nil {
					t.Fatal(err)
				}
				ids = append(ids, g.ID)
			}
			if err := s.Create(ctx, newGame(t, "other", base.Add(time.Hour), "a", "b")); err != nil {
				t.Fatal(err)
			}

			games, err := s.List(ctx, "room", DefaultWindow)
			if err != nil {
				t.Fatal(err)
			}
			if len(games) != DefaultWindow {
				t.Fatalf("got %d games, want %d", len(games), DefaultWindow)
			}
			for i, g := range games {
				if want := ids[len(ids)-1-i]; g.ID != want {
					t.Fatalf("position %d: got %s, want %s", i, g.ID, want)
				}
			}

			all, err := s.List(ctx, "room", 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 7 {
				t.Fatalf("unlimited list returned %d games", len(all))
			}
		})
	}
}

func TestUpdateClaims(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := newGame(t, "room", time.Now().UTC(), "꽝", "당첨", "꽝")
			if err := s.Create(ctx, g); err != nil {
				t.Fatal(err)
			}

			if _, err := s.Update(ctx, g.ID, claim(0, "alice")); err != nil {
				t.Fatalf("claim 0: %v", err)
			}
			updated, err := s.Update(ctx, g.ID, claim(1, "bob"))
			if err != nil {
				t.Fatalf("claim 1: %v", err)
			}
			if _, taken := updated.Selections[2]; taken {
				t.Fatal("column 2 should remain unclaimed")
			}
			if _, ok := updated.ResultFor("carol"); ok {
				t.Fatal("carol has no column and should have no result")
			}

			_, err = s.Update(ctx, g.ID, claim(1, "carol"))
			if !errors.Is(err, ladder.ErrAlreadyClaimed) {
				t.Fatalf("duplicate claim: got %v", err)
			}

			stored, err := s.Get(ctx, g.ID)
			if err != nil {
				t.Fatal(err)
			}
			if stored.Selections[1] != "bob" || len(stored.Selections) != 2 {
				t.Fatalf("rejected claim changed state: %v", stored.Selections)
			}

			if _, err := s.Update(ctx, "missing", claim(0, "x")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("update missing: got %v", err)
			}
		})
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := newGame(t, "room", time.Now().UTC(), "a", "b", "c", "d")
			if err := s.Create(ctx, g); err != nil {
				t.Fatal(err)
			}

			const contenders = 16
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.Update(ctx, g.ID, claim(2, fmt.Sprintf("player-%d", i)))
					switch {
					case err == nil:
						mu.Lock()
						wins++
						mu.Unlock()
					case !errors.Is(err, ladder.ErrAlreadyClaimed):
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			if wins != 1 {
				t.Fatalf("%d claims won the same column", wins)
			}
		})
	}
}

func TestSubscribe(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			ch, err := s.Subscribe(ctx, "room", DefaultWindow)
			if err != nil {
				t.Fatal(err)
			}
			if games := recv(t, ch); len(games) != 0 {
				t.Fatalf("empty room delivered %d games", len(games))
			}

			g := newGame(t, "room", time.Now().UTC(), "a", "b")
			if err := s.Create(ctx, g); err != nil {
				t.Fatal(err)
			}
			games := recv(t, ch)
			if len(games) != 1 || games[0].ID != g.ID {
				t.Fatalf("after create: %v", games)
			}

			if _, err := s.Update(ctx, g.ID, claim(0, "alice")); err != nil {
				t.Fatal(err)
			}
			games = recv(t, ch)
			if games[0].Selections[0] != "alice" {
				t.Fatalf("after claim: %v", games[0].Selections)
			}

			// Changes in another room are not delivered.
			if err := s.Create(ctx, newGame(t, "elsewhere", time.Now().UTC(), "a", "b")); err != nil {
				t.Fatal(err)
			}
			select {
			case games := <-ch:
				t.Fatalf("received window for another room: %v", games)
			case <-time.After(50 * time.Millisecond):
			}

			// A second subscription starts from the current window.
			again, err := s.Subscribe(ctx, "room", DefaultWindow)
			if err != nil {
				t.Fatal(err)
			}
			if games := recv(t, again); len(games) != 1 || games[0].Selections[0] != "alice" {
				t.Fatalf("resubscribe delivered %v", games)
			}

			cancel()
			select {
			case _, ok := <-ch:
				if ok {
					// drain a racing delivery, then expect close
					if _, ok := <-ch; ok {
						t.Fatal("channel still open after cancel")
					}
				}
			case <-time.After(2 * time.Second):
				t.Fatal("channel not closed after cancel")
			}
		})
	}
}

func TestSubscribeCoalesces(t *testing.T) {
	s := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, "room", DefaultWindow)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		if err := s.Create(ctx, newGame(t, "room", base.Add(time.Duration(i)*time.Second), "a", "b")); err != nil {
			t.Fatal(err)
		}
	}

	games := recv(t, ch)
	if len(games) != 4 {
		t.Fatalf("slow reader should see only the newest window, got %d games", len(games))
	}
	select {
	case extra := <-ch:
		t.Fatalf("stale window delivered after the newest: %d games", len(extra))
	default:
	}
}

func TestMessages(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

			for i := 0; i < 5; i++ {
				_, err := s.AppendMessage(ctx, Message{
					RoomID:    "room",
					Nickname:  "alice",
					Text:      fmt.Sprintf("hello %d", i),
					Type:      MessageChat,
					Timestamp: base.Add(time.Duration(i) * time.Second),
				})
				if err != nil {
					t.Fatal(err)
				}
			}
			sys, err := s.AppendMessage(ctx, Message{RoomID: "other", Nickname: "시스템", Text: "hi", Type: MessageSystem})
			if err != nil {
				t.Fatal(err)
			}
			if sys.ID == "" || sys.Timestamp.IsZero() {
				t.Fatalf("id/timestamp not assigned: %+v", sys)
			}

			msgs, err := s.Messages(ctx, "room", 3)
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != 3 {
				t.Fatalf("got %d messages, want 3", len(msgs))
			}
			for i, m := range msgs {
				if want := fmt.Sprintf("hello %d", i+2); m.Text != want {
					t.Fatalf("message %d: got %q, want %q", i, m.Text, want)
				}
				if m.Type != MessageChat {
					t.Fatalf("message %d: type %q", i, m.Type)
				}
			}
			if !msgs[0].Timestamp.Equal(base.Add(2 * time.Second)) {
				t.Fatalf("timestamp %v", msgs[0].Timestamp)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("empty path should open a memory store, got %T", s)
	}

	_, err = Open(ctx, filepath.Join(t.TempDir(), "missing", "dir", "db.sqlite"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("unreachable database: got %v, want ErrUnavailable", err)
	}
}
