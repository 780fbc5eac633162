// Package storage persists the dispatch history: one row per collaborator
// invocation with its outcome and the delay draw that preceded it. Queue
// contents themselves are never persisted.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "promptpace/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// DispatchEntry records one collaborator invocation.
// Keep it compact and schema-stable.
type DispatchEntry struct {
	At      time.Time
	QueueID string
	Text    string
	Status  string
	Reason  string
	Error   string

	// Delay draw in effect for the wait that preceded this dispatch.
	BaseMS   int64
	OffsetMS int64
	TotalMS  int64
	Percent  float64
}

// Store is the minimal persistence API used by the engine wiring.
type Store interface {
	AppendDispatch(ctx context.Context, e DispatchEntry) error
	RecentDispatches(ctx context.Context, limit int) ([]DispatchEntry, error)
	Close() error
}

// Open initializes the sqlite store. It returns (nil, nil) when the path is
// empty (storage disabled).
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}

// Nop returns a store that accepts everything and remembers nothing.
func Nop() Store { return nopStore{} }

type nopStore struct{}

func (nopStore) AppendDispatch(context.Context, DispatchEntry) error { return nil }
func (nopStore) RecentDispatches(context.Context, int) ([]DispatchEntry, error) {
	return nil, nil
}
func (nopStore) Close() error { return nil }
