// Package degrade centralizes the fail-open policy applied when a backing
// dependency is unavailable. Every component that would otherwise decide
// ad hoc what to do on a store or fabric error reports here instead, so the
// degraded behavior of the whole gateway is visible in one place.
package degrade

import (
	"sync"
	"sync/atomic"
	"time"

	"ChatRelay/logger"
	"ChatRelay/service/breaker"
)

// Component names a gateway concern that can run degraded.
type Component string

const (
	ComponentAdmission  Component = "admission"
	ComponentPresence   Component = "presence"
	ComponentSequencing Component = "sequencing"
	ComponentBroadcast  Component = "broadcast"
)

// Mode is what the caller should do once degraded.
type Mode int

const (
	// FailOpen: proceed as if the dependency had answered permissively.
	// Admission admits, presence skips bookkeeping, sequencing falls back
	// to process-local ordering.
	FailOpen Mode = iota
	// FailClosed: surface the error to the caller. Reserved for paths
	// where proceeding would be worse than refusing (none by default).
	FailClosed
)

type componentState struct {
	degradedSince time.Time
	lastErr       string
	events        int64
}

// Policy decides and records degraded-mode behavior. Availability is biased
// over strictness throughout: the default mode for every component is
// FailOpen, matching the admit-on-error stance of the admission layer and
// the local-fallback stance of the sequencer.
type Policy struct {
	mu       sync.Mutex
	modes    map[Component]Mode
	states   map[Component]*componentState
	suppress time.Duration // min interval between repeated degrade logs
	clock    func() time.Time

	totalEvents atomic.Int64
}

func NewPolicy() *Policy {
	return &Policy{
		modes:    map[Component]Mode{},
		states:   map[Component]*componentState{},
		suppress: 10 * time.Second,
		clock:    time.Now,
	}
}

// SetMode overrides the default FailOpen for a component.
func (p *Policy) SetMode(c Component, m Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modes[c] = m
}

// SetClock is for tests.
func (p *Policy) SetClock(fn func() time.Time) { p.clock = fn }

// Report records that a component hit a dependency error and returns the mode
// the caller should apply. Breaker-open errors are logged at a lower level
// than fresh failures since the breaker already shouted when it opened.
func (p *Policy) Report(c Component, err error) Mode {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalEvents.Add(1)
	st := p.states[c]
	now := p.clock()
	first := st == nil || st.degradedSince.IsZero()
	if st == nil {
		st = &componentState{}
		p.states[c] = st
	}
	st.events++
	st.lastErr = err.Error()

	if first || now.Sub(st.degradedSince) >= p.suppress {
		st.degradedSince = now
		if breaker.IsOpenErr(err) {
			logger.Infof("[degrade] %s running degraded, breaker open: %v", c, err)
		} else {
			logger.Warnf("[degrade] %s running degraded: %v", c, err)
		}
	}

	if m, ok := p.modes[c]; ok {
		return m
	}
	return FailOpen
}

// Recovered clears the degraded marker for a component.
func (p *Policy) Recovered(c Component) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[c]
	if st == nil || st.degradedSince.IsZero() {
		return
	}
	logger.Infof("[degrade] %s recovered after %d degraded events", c, st.events)
	st.degradedSince = time.Time{}
	st.events = 0
	st.lastErr = ""
}

// ComponentStatus is a snapshot for the status endpoint.
type ComponentStatus struct {
	Component     Component `json:"component"`
	Degraded      bool      `json:"degraded"`
	DegradedSince int64     `json:"degraded_since,omitempty"`
	Events        int64     `json:"events,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

func (p *Policy) Status() []ComponentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ComponentStatus, 0, len(p.states))
	for c, st := range p.states {
		cs := ComponentStatus{Component: c, Events: st.events, LastError: st.lastErr}
		if !st.degradedSince.IsZero() {
			cs.Degraded = true
			cs.DegradedSince = st.degradedSince.Unix()
		}
		out = append(out, cs)
	}
	return out
}
