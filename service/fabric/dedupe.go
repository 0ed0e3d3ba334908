package fabric

import (
	"context"
	"sync"
	"time"

	"ChatRelay/tools/safe"
)

// SeenStore answers "have I processed this id within ttl" exactly once per id.
type SeenStore interface {
	SeenOnce(key string, ttl time.Duration) (bool, error)
}

// MemSeen is a process-local SeenStore with a periodic sweep. Close stops the
// sweeper; entries themselves stay valid until their ttl regardless.
type MemSeen struct {
	mu sync.Mutex
	m  map[string]int64 // key -> expire unix

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewMemSeen() *MemSeen {
	ms := &MemSeen{
		m:      make(map[string]int64),
		stopCh: make(chan struct{}),
	}
	safe.Go(ms.sweeper)
	return ms
}

func (ms *MemSeen) sweeper() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ms.stopCh:
			return
		case <-t.C:
			ms.sweepOnce(time.Now().Unix())
		}
	}
}

func (ms *MemSeen) sweepOnce(now int64) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	n := 0
	for k, exp := range ms.m {
		if exp <= now {
			delete(ms.m, k)
			n++
		}
	}
	return n
}

func (ms *MemSeen) Close() {
	ms.stopOnce.Do(func() { close(ms.stopCh) })
}

func (ms *MemSeen) SeenOnce(key string, ttl time.Duration) (bool, error) {
	now := time.Now().Unix()
	exp := now + int64(ttl/time.Second)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if prev, ok := ms.m[key]; ok && prev > now {
		return true, nil
	}
	ms.m[key] = exp
	return false, nil
}

// Dedupe drops fabric deliveries whose Msg-Id header was already handled.
// A publisher retry or an overlapping subscription then cannot double-push
// to local sockets. Messages without an id pass through.
func Dedupe(store SeenStore, ttl time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			id := msg.Header[HeaderMsgID]
			if id == "" {
				return next(ctx, msg)
			}
			seen, err := store.SeenOnce(msg.Subject+"|"+id, ttl)
			if err == nil && seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
