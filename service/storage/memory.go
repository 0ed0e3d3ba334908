package storage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"ChatRelay/tools/ids"
)

func microsMember(now time.Time) string {
	return strconv.FormatInt(now.UnixMicro(), 10) + "-" + ids.GenerateString()
}

// Memory is a process-local StateStore. It backs unit tests and single-node
// runs; the serving fleet uses RedisStore. Expiry is lazy (checked on read).
type Memory struct {
	mu      sync.Mutex
	kv      map[string]memVal
	sets    map[string]map[string]time.Time // member -> set expiry (whole set shares one)
	windows map[string][]int64              // unix micros, sorted by append order

	clock   func() time.Time
	failing bool
}

var errMemoryDown = errors.New("state store unavailable")

type memVal struct {
	value    string
	expireAt time.Time // zero = no expiry
}

func NewMemory() *Memory {
	return &Memory{
		kv:      make(map[string]memVal),
		sets:    make(map[string]map[string]time.Time),
		windows: make(map[string][]int64),
		clock:   time.Now,
	}
}

// SetClock injects a test clock.
func (m *Memory) SetClock(clock func() time.Time) { m.clock = clock }

// FailAll makes every operation return an error, simulating a store outage.
func (m *Memory) FailAll(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = fail
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return "", false, errMemoryDown
	}
	v, ok := m.kv[key]
	if !ok {
		return "", false, nil
	}
	if !v.expireAt.IsZero() && m.clock().After(v.expireAt) {
		delete(m.kv, key)
		return "", false, nil
	}
	return v.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errMemoryDown
	}
	var exp time.Time
	if ttl > 0 {
		exp = m.clock().Add(ttl)
	}
	m.kv[key] = memVal{value: value, expireAt: exp}
	return nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errMemoryDown
	}
	delete(m.kv, key)
	delete(m.sets, key)
	delete(m.windows, key)
	return nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, errMemoryDown
	}
	now := m.clock()
	cur := int64(0)
	if v, ok := m.kv[key]; ok && (v.expireAt.IsZero() || now.Before(v.expireAt)) {
		cur, _ = strconv.ParseInt(v.value, 10, 64)
	}
	cur++
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.kv[key] = memVal{value: strconv.FormatInt(cur, 10), expireAt: exp}
	return cur, nil
}

func (m *Memory) SAdd(_ context.Context, key, member string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errMemoryDown
	}
	set := m.sets[key]
	if set == nil {
		set = make(map[string]time.Time)
		m.sets[key] = set
	}
	set[member] = time.Time{}
	return nil
}

func (m *Memory) SRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errMemoryDown
	}
	if set := m.sets[key]; set != nil {
		delete(set, member)
		if len(set) == 0 {
			delete(m.sets, key)
		}
	}
	return nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, errMemoryDown
	}
	return int64(len(m.sets[key])), nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errMemoryDown
	}
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) Window(_ context.Context, key string, now time.Time, window time.Duration, limit int, record bool) (WindowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return WindowResult{}, errMemoryDown
	}

	cutoff := now.UnixMicro() - window.Microseconds()
	kept := m.windows[key][:0]
	for _, ts := range m.windows[key] {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	m.windows[key] = kept

	out := WindowResult{Count: int64(len(kept))}
	if len(kept) > 0 {
		oldest := kept[0]
		for _, ts := range kept {
			if ts < oldest {
				oldest = ts
			}
		}
		out.OldestMicro = oldest
	}
	if record && len(kept) < limit {
		m.windows[key] = append(m.windows[key], now.UnixMicro())
		out.Recorded = true
	}
	return out, nil
}
