package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ChatRelay/global/config"
	"ChatRelay/service/degrade"
	"ChatRelay/service/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestController(t *testing.T) (*Controller, *storage.Memory, *testClock) {
	t.Helper()
	mem := storage.NewMemory()
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	mem.SetClock(clk.Now)
	c := NewController(mem, degrade.NewPolicy(), config.Default().Admission)
	c.SetClock(clk.Now)
	return c, mem, clk
}

func TestAllowUntilLimitThenDeny(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		d := c.Allow(ctx, ScopeUser, "u1", ActionMessage)
		require.True(t, d.Allowed, "send %d", i)
		require.Equal(t, 30-i-1, d.Remaining)
	}

	d := c.Allow(ctx, ScopeUser, "u1", ActionMessage)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonRateLimited, d.Reason)
	require.Equal(t, ScopeUser, d.Scope)
	require.Equal(t, 30, d.Limit)
	require.Positive(t, d.RetryAfter)
	require.LessOrEqual(t, d.RetryAfter, 60)
}

func TestWindowSlides(t *testing.T) {
	c, _, clk := newTestController(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.True(t, c.Allow(ctx, ScopeUser, "u1", ActionMessage).Allowed)
	}
	require.False(t, c.Allow(ctx, ScopeUser, "u1", ActionMessage).Allowed)

	// after the window passes, the oldest entries age out
	clk.Advance(61 * time.Second)
	require.True(t, c.Allow(ctx, ScopeUser, "u1", ActionMessage).Allowed)
}

func TestConcurrentLastSlot(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	// fill the typing window to one below its limit
	for i := 0; i < 59; i++ {
		require.True(t, c.Allow(ctx, ScopeUser, "u1", ActionTyping).Allowed)
	}

	// two concurrent attempts for the 60th slot: exactly one admitted
	results := make(chan Decision, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.Allow(ctx, ScopeUser, "u1", ActionTyping)
		}()
	}
	wg.Wait()
	close(results)

	admitted, denied := 0, 0
	for d := range results {
		if d.Allowed {
			admitted++
		} else {
			denied++
			require.Equal(t, ReasonRateLimited, d.Reason)
		}
	}
	require.Equal(t, 1, admitted)
	require.Equal(t, 1, denied)
}

func TestCheckDoesNotConsume(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.True(t, c.Check(ctx, ScopeUser, "u1", ActionMessage).Allowed)
	}
	d := c.Allow(ctx, ScopeUser, "u1", ActionMessage)
	require.True(t, d.Allowed)
	require.Equal(t, 29, d.Remaining)
}

func TestScopeLimitsAreMultiples(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	require.Equal(t, 60, c.Check(ctx, ScopeRoom, "r1", ActionMessage).Limit)
	require.Equal(t, 30, c.Check(ctx, ScopeIP, "10.0.0.1", ActionConnection).Limit)
	require.Equal(t, 10, c.Check(ctx, ScopeUser, "u1", ActionConnection).Limit)
}

func TestAllowMessageRoomCeiling(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	// 60 distinct users fill the room window (room limit = 30*2)
	for i := 0; i < 60; i++ {
		d := c.AllowMessage(ctx, fmt.Sprintf("user-%d", i), "hot-room")
		require.True(t, d.Allowed, "send %d", i)
	}

	d := c.AllowMessage(ctx, "late-user", "hot-room")
	require.False(t, d.Allowed)
	require.Equal(t, ScopeRoom, d.Scope)
	require.Equal(t, ReasonRateLimited, d.Reason)

	// the denied sender's personal window was not charged
	require.Equal(t, 30, c.Check(ctx, ScopeUser, "late-user", ActionMessage).Remaining)
}

func TestAllowConnectionPerIP(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	// 30 users behind one NAT exhaust the ip window (10*3)
	for i := 0; i < 30; i++ {
		d := c.AllowConnection(ctx, fmt.Sprintf("user-%d", i), "203.0.113.7")
		require.True(t, d.Allowed, "attempt %d", i)
	}
	d := c.AllowConnection(ctx, "user-31", "203.0.113.7")
	require.False(t, d.Allowed)
	require.Equal(t, ScopeIP, d.Scope)

	// a different address is unaffected
	require.True(t, c.AllowConnection(ctx, "user-31", "203.0.113.8").Allowed)
}

func TestFailOpenOnStoreError(t *testing.T) {
	c, mem, _ := newTestController(t)
	ctx := context.Background()
	mem.FailAll(true)

	require.True(t, c.Allow(ctx, ScopeUser, "u1", ActionMessage).Allowed)
	require.True(t, c.AllowMessage(ctx, "u1", "r1").Allowed)
	require.True(t, c.AllowConnection(ctx, "u1", "10.0.0.1").Allowed)

	ok, info := c.CanCreateConnection(ctx, "u1")
	require.True(t, ok)
	require.True(t, info.Allowed)
}

func TestPoolPerUserCeiling(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		ok, _ := c.CanCreateConnection(ctx, "u1")
		require.True(t, ok, "conn %d", i)
		require.NoError(t, c.AddConnection(ctx, "u1", fmt.Sprintf("conn-%d", i)))
	}

	ok, info := c.CanCreateConnection(ctx, "u1")
	require.False(t, ok)
	require.Equal(t, ReasonUserPoolFull, info.Reason)
	require.Equal(t, int64(50), info.UserConnections)

	// releasing one frees a slot
	c.RemoveConnection(ctx, "u1", "conn-0")
	ok, _ = c.CanCreateConnection(ctx, "u1")
	require.True(t, ok)
}

func TestPoolGlobalCeiling(t *testing.T) {
	conf := config.Default().Admission
	conf.MaxTotalConnections = 5
	mem := storage.NewMemory()
	c := NewController(mem, degrade.NewPolicy(), conf)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.AddConnection(ctx, fmt.Sprintf("u%d", i), fmt.Sprintf("conn-%d", i)))
	}
	ok, info := c.CanCreateConnection(ctx, "u-new")
	require.False(t, ok)
	require.Equal(t, ReasonTotalPoolFull, info.Reason)
	require.Equal(t, int64(5), info.TotalConnections)
}

func TestRetryAfterTracksOldestEntry(t *testing.T) {
	c, _, clk := newTestController(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.True(t, c.Allow(ctx, ScopeUser, "u1", ActionConnection).Allowed)
	}
	clk.Advance(40 * time.Second)
	d := c.Allow(ctx, ScopeUser, "u1", ActionConnection)
	require.False(t, d.Allowed)
	// oldest entry is 40s old in a 60s window
	require.Equal(t, 20, d.RetryAfter)
}
