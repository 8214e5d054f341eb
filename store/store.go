// Package store keeps the shared room state: ladder game records and chat
// history. Every client of a room derives its view from the snapshots
// delivered by Subscribe; nothing outside the store holds its own copy of truth.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Seednode/chatladder/ladder"
)

// DefaultWindow is the number of most recent games shown per room.
const DefaultWindow = 5

var (
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrUnavailable = errors.New("store unavailable")
)

// GameStore holds ladder game records.
type GameStore interface {
	// Create writes a new, complete game record once.
	Create(ctx context.Context, g *ladder.Game) error

	Get(ctx context.Context, id string) (*ladder.Game, error)

	// List returns a room's games, most recently created first.
	List(ctx context.Context, roomID string, limit int) ([]*ladder.Game, error)

	// Update applies fn to the latest committed record and commits the result
	// atomically. If fn returns an error nothing is written.
	Update(ctx context.Context, id string, fn func(*ladder.Game) error) (*ladder.Game, error)

	// Subscribe delivers the room's current window of games immediately and
	// again after every change. Deliveries coalesce: a slow reader only ever
	// sees the newest window. The channel is closed when ctx is done.
	Subscribe(ctx context.Context, roomID string, limit int) (<-chan []*ladder.Game, error)
}

type MessageType string

const (
	MessageChat   MessageType = "chat"
	MessageSystem MessageType = "system"
)

// Message is one chat line.
type Message struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"-"`
	Nickname  string      `json:"nickname"`
	Text      string      `json:"text"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// MessageStore holds chat history.
type MessageStore interface {
	// AppendMessage stores m, assigning its ID and timestamp when unset.
	AppendMessage(ctx context.Context, m Message) (Message, error)

	// Messages returns up to limit of a room's latest messages, oldest first.
	Messages(ctx context.Context, roomID string, limit int) ([]Message, error)
}

type Store interface {
	GameStore
	MessageStore
	Close() error
}

// Open returns a SQLite-backed store at path, or an in-memory store when path
// is empty. Any failure is reported as ErrUnavailable.
func Open(ctx context.Context, path string) (Store, error) {
	if path == "" {
		return NewMemory(), nil
	}

	s, err := NewSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return s, nil
}

func windowLimit(limit int) int {
	if limit <= 0 {
		return DefaultWindow
	}
	return limit
}
