// Package player remembers the players a controller has seen.
package player

import (
	"context"
	"errors"
	"time"

	"gbx-controller/client"
)

var ErrNotFound = errors.New("player not found")

// Record is what the store keeps about one login.
type Record struct {
	Login     string
	NickName  string
	FirstSeen time.Time
	LastSeen  time.Time
	Visits    int
}

type Store interface {
	// UpsertPlayer records a visit: a new login is created, a known one gets
	// its nickname refreshed and its visit count bumped.
	UpsertPlayer(ctx context.Context, info client.PlayerInfo) error
	// GetPlayer returns ErrNotFound for a login never seen.
	GetPlayer(ctx context.Context, login string) (*Record, error)
	// MarkSeen sets the last-seen time, e.g. when the player leaves.
	MarkSeen(ctx context.Context, login string, at time.Time) error
	Close() error
}
