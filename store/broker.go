package store

import (
	"context"
	"sync"

	"github.com/Seednode/chatladder/ladder"
)

type subscriber struct {
	roomID string
	limit  int
	ch     chan []*ladder.Game
}

// deliver replaces any undelivered window with games. Only the broker sends,
// and always under its lock, so the final send cannot block.
func (s *subscriber) deliver(games []*ladder.Game) {
	select {
	case s.ch <- games:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}

	s.ch <- games
}

type lister func(ctx context.Context, roomID string, limit int) ([]*ladder.Game, error)

// broker fans out room windows to subscribers.
type broker struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func (b *broker) subscribe(ctx context.Context, roomID string, limit int, list lister) (<-chan []*ladder.Game, error) {
	sub := &subscriber{
		roomID: roomID,
		limit:  windowLimit(limit),
		ch:     make(chan []*ladder.Game, 1),
	}

	b.mu.Lock()
	games, err := list(ctx, roomID, sub.limit)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if b.subs == nil {
		b.subs = make(map[*subscriber]struct{})
	}
	b.subs[sub] = struct{}{}
	sub.deliver(games)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()

		b.mu.Lock()
		delete(b.subs, sub)
		close(sub.ch)
		b.mu.Unlock()
	}()

	return sub.ch, nil
}

// publish sends the current window to every subscriber of roomID.
func (b *broker) publish(roomID string, list lister) {
	b.mu.Lock()
	defer b.mu.Unlock()

	windows := make(map[int][]*ladder.Game)

	for sub := range b.subs {
		if sub.roomID != roomID {
			continue
		}

		games, ok := windows[sub.limit]
		if !ok {
			var err error
			games, err = list(context.Background(), roomID, sub.limit)
			if err != nil {
				continue
			}
			windows[sub.limit] = games
		}

		sub.deliver(cloneGames(games))
	}
}

func cloneGames(games []*ladder.Game) []*ladder.Game {
	out := make([]*ladder.Game, len(games))
	for i, g := range games {
		out[i] = g.Clone()
	}
	return out
}
