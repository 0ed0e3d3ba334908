package storage

import (
	"context"
	"time"
)

// StateStore is the shared state surface every component mutates through: TTL
// key/value, atomic counters, membership sets and the sliding-window primitive.
// Cross-instance safety comes from the store's atomic ops, not in-process locks.
type StateStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error

	// Incr atomically increments the counter at key and refreshes its TTL.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	SAdd(ctx context.Context, key, member string, ttl time.Duration) error
	SRem(ctx context.Context, key, member string) error
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// Window prunes entries older than now-window, reports how many remain,
	// and, when record is set and the count is under limit, appends an entry
	// for now. Prune+count+append happen atomically so two racing callers of
	// the last slot cannot both be admitted.
	Window(ctx context.Context, key string, now time.Time, window time.Duration, limit int, record bool) (WindowResult, error)
}

// WindowResult reports the state of one sliding window after pruning.
type WindowResult struct {
	Count       int64 // in-window entries, not counting a just-recorded one
	OldestMicro int64 // unix micros of the oldest in-window entry, 0 if empty
	Recorded    bool
}
