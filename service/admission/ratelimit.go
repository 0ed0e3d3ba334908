// Package admission gates connection attempts and message sends: sliding
// window rate checks per (scope, id, action) and connection-pool ceilings.
// Every store failure fails open. Admission is an abuse guard, not an
// accounting system, and refusing all traffic because the limiter's backing
// store is sick would invert its purpose.
package admission

import (
	"context"
	"time"

	"ChatRelay/global/config"
	"ChatRelay/service/degrade"
	"ChatRelay/service/storage"
)

type Action string

const (
	ActionMessage    Action = "message"
	ActionConnection Action = "connection"
	ActionTyping     Action = "typing"
)

type Scope string

const (
	ScopeUser Scope = "user"
	ScopeRoom Scope = "room"
	ScopeIP   Scope = "ip"
)

// ReasonRateLimited is the wire-facing denial reason for every window
// rejection; Decision.Scope carries which ceiling tripped.
const ReasonRateLimited = "rate_limit_exceeded"

const (
	messageRatePrefix    = "ws_rate_msg:"
	connectionRatePrefix = "ws_rate_conn:"
	typingRatePrefix     = "ws_rate_typing:"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Reason     string // empty when allowed
	Scope      Scope  // which scope denied, or "" when allowed
	Limit      int
	Remaining  int
	RetryAfter int // seconds until the oldest in-window entry ages out
}

type Controller struct {
	store  storage.StateStore
	policy *degrade.Policy
	conf   config.AdmissionConfig
	clock  func() time.Time
}

func NewController(store storage.StateStore, policy *degrade.Policy, conf config.AdmissionConfig) *Controller {
	return &Controller{store: store, policy: policy, conf: conf, clock: time.Now}
}

// SetClock is for tests.
func (c *Controller) SetClock(fn func() time.Time) { c.clock = fn }

func rateKey(action Action, scope Scope, id string) string {
	var prefix string
	switch action {
	case ActionMessage:
		prefix = messageRatePrefix
	case ActionConnection:
		prefix = connectionRatePrefix
	case ActionTyping:
		prefix = typingRatePrefix
	}
	return prefix + string(scope) + ":" + id
}

func (c *Controller) limitFor(action Action, scope Scope) int {
	var base int
	switch action {
	case ActionMessage:
		base = c.conf.MessageRate
	case ActionConnection:
		base = c.conf.ConnectionRate
	case ActionTyping:
		base = c.conf.TypingRate
	}
	switch scope {
	case ScopeRoom:
		return base * c.conf.RoomMultiplier
	case ScopeIP:
		return base * c.conf.IPMultiplier
	default:
		return base
	}
}

// Allow runs an atomic check-and-record against one window: prune, count and
// conditional append happen as a single store operation, so two callers
// racing for the last slot cannot both be admitted.
func (c *Controller) Allow(ctx context.Context, scope Scope, id string, action Action) Decision {
	return c.window(ctx, scope, id, action, true)
}

// Check is the read-only variant; it never consumes a slot.
func (c *Controller) Check(ctx context.Context, scope Scope, id string, action Action) Decision {
	return c.window(ctx, scope, id, action, false)
}

func (c *Controller) window(ctx context.Context, scope Scope, id string, action Action, record bool) Decision {
	limit := c.limitFor(action, scope)
	now := c.clock()

	opCtx, cancel := context.WithTimeout(ctx, c.conf.OpTimeout)
	defer cancel()
	res, err := c.store.Window(opCtx, rateKey(action, scope, id), now, c.conf.Window, limit, record)
	if err != nil {
		c.policy.Report(degrade.ComponentAdmission, err)
		return Decision{Allowed: true, Limit: limit, Remaining: limit}
	}

	used := res.Count
	if res.Recorded {
		used++
	}
	remaining := limit - int(used)
	if remaining < 0 {
		remaining = 0
	}

	allowed := res.Recorded
	if !record {
		allowed = res.Count < int64(limit)
	}
	if allowed {
		return Decision{Allowed: true, Limit: limit, Remaining: remaining}
	}
	return Decision{
		Allowed:    false,
		Reason:     ReasonRateLimited,
		Scope:      scope,
		Limit:      limit,
		RetryAfter: c.retryAfter(res.OldestMicro, now),
	}
}

func (c *Controller) retryAfter(oldestMicro int64, now time.Time) int {
	if oldestMicro == 0 {
		return int(c.conf.Window / time.Second)
	}
	wait := time.Duration(oldestMicro)*time.Microsecond + c.conf.Window - time.Duration(now.UnixMicro())*time.Microsecond
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// AllowMessage applies the per-user then per-room ceilings to one send. The
// looser room window is probed read-only first so a room already at its limit
// does not burn a slot from the sender's tighter personal window.
func (c *Controller) AllowMessage(ctx context.Context, userID, roomID string) Decision {
	if d := c.Check(ctx, ScopeRoom, roomID, ActionMessage); !d.Allowed {
		return d
	}
	if d := c.Allow(ctx, ScopeUser, userID, ActionMessage); !d.Allowed {
		return d
	}
	if d := c.Allow(ctx, ScopeRoom, roomID, ActionMessage); !d.Allowed {
		return d
	}
	return Decision{Allowed: true, Limit: c.limitFor(ActionMessage, ScopeUser)}
}

// AllowConnection applies the per-user and per-ip connection-attempt windows.
// ip may be empty (proxy setups that strip the peer address).
func (c *Controller) AllowConnection(ctx context.Context, userID, ip string) Decision {
	if ip != "" {
		if d := c.Check(ctx, ScopeIP, ip, ActionConnection); !d.Allowed {
			return d
		}
	}
	if d := c.Allow(ctx, ScopeUser, userID, ActionConnection); !d.Allowed {
		return d
	}
	if ip != "" {
		if d := c.Allow(ctx, ScopeIP, ip, ActionConnection); !d.Allowed {
			return d
		}
	}
	return Decision{Allowed: true, Limit: c.limitFor(ActionConnection, ScopeUser)}
}

// AllowTyping applies the per-user typing-indicator window.
func (c *Controller) AllowTyping(ctx context.Context, userID string) Decision {
	return c.Allow(ctx, ScopeUser, userID, ActionTyping)
}

// UsageStatus reports current window occupancy for a user without consuming
// slots. Serves the status endpoint.
type UsageStatus struct {
	Messages    int `json:"messages"`
	MessageMax  int `json:"message_limit"`
	Connections int `json:"connections"`
	ConnMax     int `json:"connection_limit"`
	Typing      int `json:"typing"`
	TypingMax   int `json:"typing_limit"`
}

func (c *Controller) Usage(ctx context.Context, userID string) UsageStatus {
	st := UsageStatus{
		MessageMax: c.conf.MessageRate,
		ConnMax:    c.conf.ConnectionRate,
		TypingMax:  c.conf.TypingRate,
	}
	st.Messages = st.MessageMax - c.Check(ctx, ScopeUser, userID, ActionMessage).Remaining
	st.Connections = st.ConnMax - c.Check(ctx, ScopeUser, userID, ActionConnection).Remaining
	st.Typing = st.TypingMax - c.Check(ctx, ScopeUser, userID, ActionTyping).Remaining
	return st
}
