package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"ChatRelay/logger"
	errs "ChatRelay/tools/errs"
)

// State machine: CLOSED passes calls through, OPEN fails fast without invoking
// the wrapped operation, HALF_OPEN admits a single probe after the cooldown.
//
// State is process-local on purpose: the breaker protects this process's call
// path into a dependency, and promoting its counters into the shared store
// would make it depend on the very dependency it guards. Each process in the
// fleet opens and closes independently.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int              // consecutive failures before opening
	RecoveryTimeout  time.Duration    // cooldown before a probe is attempted
	Clock            func() time.Time // injectable for tests; nil => time.Now
}

func (c *Config) norm() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type Breaker struct {
	name string
	conf Config

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailureAt time.Time
	lastSuccessAt time.Time
	probing       bool // a half-open probe is in flight
}

func New(name string, conf Config) *Breaker {
	conf.norm()
	return &Breaker{name: name, conf: conf, state: Closed}
}

func (b *Breaker) Name() string { return b.name }

// Do runs op through the breaker. When the breaker is OPEN and the cooldown
// has not elapsed, op is not invoked and the distinguished breaker-open error
// is returned; callers match it with errors.Is(err, errs.ErrBreakerOpen).
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.allow() {
		return errs.ErrBreakerOpen.WithDetail(b.name)
	}
	// a panicking op must still release the half-open probe slot, otherwise
	// the breaker would deny every later call
	defer func() {
		if r := recover(); r != nil {
			b.onFailure()
			panic(r)
		}
	}()
	err := op(ctx)
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.conf.Clock().Sub(b.lastFailureAt) < b.conf.RecoveryTimeout {
			return false
		}
		b.state = HalfOpen
		b.probing = true
		logger.Infof("[breaker] %s entering half_open", b.name)
		return true
	case HalfOpen:
		// only one probe at a time
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Closed {
		logger.Infof("[breaker] %s recovered, closing", b.name)
	}
	b.state = Closed
	b.failureCount = 0
	b.probing = false
	b.lastSuccessAt = b.conf.Clock()
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureAt = b.conf.Clock()
	b.probing = false

	if b.state == HalfOpen {
		// failed probe: back to open with a fresh cooldown
		b.state = Open
		logger.Warnf("[breaker] %s probe failed, reopening", b.name)
		return
	}
	if b.failureCount >= b.conf.FailureThreshold && b.state != Open {
		b.state = Open
		logger.Errorf("[breaker] %s open after %d failures, failing fast for %s",
			b.name, b.failureCount, b.conf.RecoveryTimeout)
	}
}

// Reset force-closes the breaker (admin/ops path).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.probing = false
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a point-in-time snapshot for health endpoints.
type Status struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	FailureCount  int    `json:"failure_count"`
	LastFailureAt int64  `json:"last_failure_at,omitempty"`
	LastSuccessAt int64  `json:"last_success_at,omitempty"`
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
	}
	if !b.lastFailureAt.IsZero() {
		st.LastFailureAt = b.lastFailureAt.Unix()
	}
	if !b.lastSuccessAt.IsZero() {
		st.LastSuccessAt = b.lastSuccessAt.Unix()
	}
	return st
}

// IsOpenErr reports whether err is the fail-fast signal from an OPEN breaker.
func IsOpenErr(err error) bool {
	return errors.Is(err, errs.ErrBreakerOpen)
}
