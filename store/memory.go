package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Seednode/chatladder/ladder"
	"github.com/google/uuid"
)

// maxRoomMessages bounds the history kept per room by the memory store.
const maxRoomMessages = 1000

type memoryGame struct {
	game *ladder.Game
	seq  uint64
}

// Memory is a process-local Store, used when no database path is configured.
type Memory struct {
	broker

	mu       sync.RWMutex
	seq      uint64
	games    map[string]*memoryGame
	messages map[string][]Message
}

func NewMemory() *Memory {
	return &Memory{
		games:    make(map[string]*memoryGame),
		messages: make(map[string][]Message),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Create(ctx context.Context, g *ladder.Game) error {
	if err := g.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.games[g.ID]; exists {
		m.mu.Unlock()
		return ErrExists
	}
	m.seq++
	m.games[g.ID] = &memoryGame{game: g.Clone(), seq: m.seq}
	m.mu.Unlock()

	m.publish(g.RoomID, m.List)

	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*ladder.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.games[id]
	if !ok {
		return nil, ErrNotFound
	}

	return e.game.Clone(), nil
}

func (m *Memory) List(ctx context.Context, roomID string, limit int) ([]*ladder.Game, error) {
	m.mu.RLock()
	entries := make([]*memoryGame, 0, len(m.games))
	for _, e := range m.games {
		if e.game.RoomID == roomID {
			entries = append(entries, e)
		}
	}

	slices.SortFunc(entries, func(a, b *memoryGame) int {
		if c := b.game.CreatedAt.Compare(a.game.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]*ladder.Game, len(entries))
	for i, e := range entries {
		out[i] = e.game.Clone()
	}
	m.mu.RUnlock()

	return out, nil
}

func (m *Memory) Update(ctx context.Context, id string, fn func(*ladder.Game) error) (*ladder.Game, error) {
	m.mu.Lock()
	e, ok := m.games[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	next := e.game.Clone()
	next.Normalize()
	if err := fn(next); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	e.game = next
	out := next.Clone()
	m.mu.Unlock()

	m.publish(out.RoomID, m.List)

	return out, nil
}

func (m *Memory) Subscribe(ctx context.Context, roomID string, limit int) (<-chan []*ladder.Game, error) {
	return m.subscribe(ctx, roomID, limit, m.List)
}

func (m *Memory) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.messages[msg.RoomID], msg)
	if len(history) > maxRoomMessages {
		history = slices.Clone(history[len(history)-maxRoomMessages:])
	}
	m.messages[msg.RoomID] = history

	return msg, nil
}

func (m *Memory) Messages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.messages[roomID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	return slices.Clone(history), nil
}
