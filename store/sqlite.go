package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Seednode/chatladder/ladder"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLite persists rooms to a single database file.
type SQLite struct {
	broker

	db *sql.DB
}

// NewSQLite opens or creates the database at path and runs migrations.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers, which makes Update a compare-and-set.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ladder_games (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			record TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ladder_games_room_created ON ladder_games(room_id, created_at DESC);`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			room_id TEXT NOT NULL,
			nickname TEXT NOT NULL,
			text TEXT NOT NULL,
			kind TEXT NOT NULL,
			sent_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_room_seq ON chat_messages(room_id, seq DESC);`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// --------- Games ---------

func (s *SQLite) Create(ctx context.Context, g *ladder.Game) error {
	if err := g.Validate(); err != nil {
		return err
	}

	record, err := json.Marshal(g)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ladder_games(id, room_id, created_at, record) VALUES(?, ?, ?, ?)`,
		g.ID, g.RoomID, g.CreatedAt.UnixNano(), string(record))
	if err != nil {
		if isConstraintErr(err) {
			return ErrExists
		}
		return err
	}

	s.publish(g.RoomID, s.List)

	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*ladder.Game, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM ladder_games WHERE id=?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return decodeGame(record)
}

func (s *SQLite) List(ctx context.Context, roomID string, limit int) ([]*ladder.Game, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM ladder_games
		WHERE room_id=?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ladder.Game
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		g, err := decodeGame(record)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}

	return out, rows.Err()
}

func (s *SQLite) Update(ctx context.Context, id string, fn func(*ladder.Game) error) (*ladder.Game, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var record string
	err = tx.QueryRowContext(ctx, `SELECT record FROM ladder_games WHERE id=?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	g, err := decodeGame(record)
	if err != nil {
		return nil, err
	}

	if err := fn(g); err != nil {
		return nil, err
	}

	next, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE ladder_games SET record=? WHERE id=?`, string(next), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.publish(g.RoomID, s.List)

	return g.Clone(), nil
}

func (s *SQLite) Subscribe(ctx context.Context, roomID string, limit int) (<-chan []*ladder.Game, error) {
	return s.subscribe(ctx, roomID, limit, s.List)
}

// --------- Messages ---------

func (s *SQLite) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages(id, room_id, nickname, text, kind, sent_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, m.Nickname, m.Text, string(m.Type), m.Timestamp.UnixMilli())
	if err != nil {
		if isConstraintErr(err) {
			return Message{}, ErrExists
		}
		return Message{}, err
	}

	return m, nil
}

func (s *SQLite) Messages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, nickname, text, kind, sent_at FROM (
			SELECT seq, id, room_id, nickname, text, kind, sent_at
			FROM chat_messages WHERE room_id=?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m      Message
			kind   string
			sentAt int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Nickname, &m.Text, &kind, &sentAt); err != nil {
			return nil, err
		}
		m.Type = MessageType(kind)
		m.Timestamp = time.UnixMilli(sentAt).UTC()
		out = append(out, m)
	}

	return out, rows.Err()
}

// --------- helpers ---------

func decodeGame(record string) (*ladder.Game, error) {
	var g ladder.Game
	if err := json.Unmarshal([]byte(record), &g); err != nil {
		return nil, fmt.Errorf("decode game record: %w", err)
	}
	g.Normalize()

	return &g, nil
}

func isConstraintErr(err error) bool {
	// modernc sqlite reports constraint violations only through the message text.
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint failed") || strings.Contains(msg, "unique constraint")
}
