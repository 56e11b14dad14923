package player

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"gbx-controller/client"
)

const schema = `
CREATE TABLE IF NOT EXISTS players (
	login      TEXT PRIMARY KEY,
	nickname   TEXT NOT NULL,
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL,
	visits     INTEGER NOT NULL DEFAULT 1
)`

// SQLStore keeps players in a sqlite database.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// Open opens (creating if needed) the sqlite database at path. ":memory:"
// gives a private in-memory database.
func Open(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one connection: sqlite serializes writers anyway, and an in-memory
	// database exists per connection
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) UpsertPlayer(ctx context.Context, info client.PlayerInfo) error {
	if info.Login == "" {
		return errors.New("upsert player: empty login")
	}
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO players (login, nickname, first_seen, last_seen, visits) VALUES (?, ?, ?, ?, 1)
ON CONFLICT (login) DO UPDATE SET
	nickname = excluded.nickname,
	last_seen = excluded.last_seen,
	visits = players.visits + 1`,
		info.Login, info.NickName, now, now)
	if err != nil {
		return fmt.Errorf("upsert player %s: %w", info.Login, wrapBusy(err))
	}
	return nil
}

func (s *SQLStore) GetPlayer(ctx context.Context, login string) (*Record, error) {
	var (
		rec              = Record{Login: login}
		firstMs, lastMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT nickname, first_seen, last_seen, visits FROM players WHERE login = ?`, login).
		Scan(&rec.NickName, &firstMs, &lastMs, &rec.Visits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", login, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get player %s: %w", login, wrapBusy(err))
	}
	rec.FirstSeen = time.UnixMilli(firstMs)
	rec.LastSeen = time.UnixMilli(lastMs)
	return &rec, nil
}

func (s *SQLStore) MarkSeen(ctx context.Context, login string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE players SET last_seen = ? WHERE login = ?`, at.UnixMilli(), login)
	if err != nil {
		return fmt.Errorf("mark %s seen: %w", login, wrapBusy(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", login, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// ErrBusy matches sqlite's busy and locked errors, which callers may retry.
var ErrBusy = errors.New("player store busy")

func wrapBusy(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return err
}
