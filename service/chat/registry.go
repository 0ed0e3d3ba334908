package chat

import (
	"context"
	"encoding/json"
	"time"

	"ChatRelay/global/config"
	"ChatRelay/logger"
	"ChatRelay/service/breaker"
	"ChatRelay/service/degrade"
	"ChatRelay/service/storage"
)

// ===== Shared presence state =====

const (
	userConnsPrefix = "ws:user_connections:"
	roomUsersPrefix = "ws:conversation_users:"
	presencePrefix  = "ws:user_presence:"
	connMetaPrefix  = "ws:connection_metadata:"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusTyping  = "typing"
	StatusIdle    = "idle"
)

// ConnMetadata is the store-side record of one socket, keyed by connection id.
type ConnMetadata struct {
	ConnID       string `json:"conn_id"`
	UserID       string `json:"user_id"`
	RoomID       string `json:"room_id"`
	NodeID       string `json:"node_id"`
	ConnectedAt  string `json:"connected_at"`
	LastActivity string `json:"last_activity"`
	IPAddress    string `json:"ip_address,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// Presence is one user's status within one room.
type Presence struct {
	UserID   string `json:"user_id"`
	RoomID   string `json:"room_id"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

// Registry mirrors node-local socket state into the shared store so any node
// can answer "who is in this room". Every store call goes through the state
// breaker; registration and removal fail open (the socket stays usable, the
// shared view goes stale until TTLs catch up), while presence queries report
// nobody rather than guessing.
type Registry struct {
	store  storage.StateStore
	brk    *breaker.Breaker
	policy *degrade.Policy
	conf   config.PresenceConfig
	nodeID string
	clock  func() time.Time
}

func NewRegistry(store storage.StateStore, brk *breaker.Breaker, policy *degrade.Policy, conf config.PresenceConfig, nodeID string) *Registry {
	return &Registry{store: store, brk: brk, policy: policy, conf: conf, nodeID: nodeID, clock: time.Now}
}

// SetClock is for tests.
func (r *Registry) SetClock(fn func() time.Time) { r.clock = fn }

func (r *Registry) do(ctx context.Context, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, r.conf.OpTimeout)
	defer cancel()
	return r.brk.Do(opCtx, fn)
}

// AddConnection records the socket in the shared store: metadata blob, the
// user's connection set, the room's user set and an online presence mark.
// A store failure is reported and swallowed.
func (r *Registry) AddConnection(ctx context.Context, meta ConnMetadata) {
	now := r.clock().UTC().Format(time.RFC3339Nano)
	meta.NodeID = r.nodeID
	meta.ConnectedAt = now
	meta.LastActivity = now

	err := r.do(ctx, func(ctx context.Context) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := r.store.Set(ctx, connMetaPrefix+meta.ConnID, string(data), r.conf.ConnectionTTL); err != nil {
			return err
		}
		if err := r.store.SAdd(ctx, userConnsPrefix+meta.UserID, meta.ConnID, r.conf.ConnectionTTL); err != nil {
			return err
		}
		return r.store.SAdd(ctx, roomUsersPrefix+meta.RoomID, meta.UserID, r.conf.ConnectionTTL)
	})
	if err != nil {
		r.policy.Report(degrade.ComponentPresence, err)
		return
	}
	r.UpdatePresence(ctx, meta.UserID, meta.RoomID, StatusOnline)
}

// RemoveConnection undoes AddConnection. The user stays in the room's user
// set while any of their other sockets is still bound to the same room.
func (r *Registry) RemoveConnection(ctx context.Context, connID string) {
	err := r.do(ctx, func(ctx context.Context) error {
		raw, found, err := r.store.Get(ctx, connMetaPrefix+connID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		var meta ConnMetadata
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			logger.Warnf("[chat] bad connection metadata conn=%s: %v", connID, err)
			return r.store.Del(ctx, connMetaPrefix+connID)
		}

		if err := r.store.Del(ctx, connMetaPrefix+connID); err != nil {
			return err
		}
		if err := r.store.SRem(ctx, userConnsPrefix+meta.UserID, connID); err != nil {
			return err
		}

		still, err := r.userStillInRoom(ctx, meta.UserID, meta.RoomID)
		if err != nil {
			return err
		}
		if still {
			return nil
		}
		if err := r.store.SRem(ctx, roomUsersPrefix+meta.RoomID, meta.UserID); err != nil {
			return err
		}
		return r.setPresence(ctx, meta.UserID, meta.RoomID, StatusOffline)
	})
	if err != nil {
		r.policy.Report(degrade.ComponentPresence, err)
	}
}

// caller is already inside a breaker-wrapped op
func (r *Registry) userStillInRoom(ctx context.Context, userID, roomID string) (bool, error) {
	connIDs, err := r.store.SMembers(ctx, userConnsPrefix+userID)
	if err != nil {
		return false, err
	}
	for _, id := range connIDs {
		raw, found, err := r.store.Get(ctx, connMetaPrefix+id)
		if err != nil {
			return false, err
		}
		if !found {
			continue
		}
		var meta ConnMetadata
		if json.Unmarshal([]byte(raw), &meta) == nil && meta.RoomID == roomID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) setPresence(ctx context.Context, userID, roomID, status string) error {
	p := Presence{
		UserID:   userID,
		RoomID:   roomID,
		Status:   status,
		LastSeen: r.clock().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, presencePrefix+userID+":"+roomID, string(data), r.conf.PresenceTTL)
}

// UpdatePresence writes a user's status for a room. Best effort.
func (r *Registry) UpdatePresence(ctx context.Context, userID, roomID, status string) {
	err := r.do(ctx, func(ctx context.Context) error {
		return r.setPresence(ctx, userID, roomID, status)
	})
	if err != nil {
		r.policy.Report(degrade.ComponentPresence, err)
	}
}

// RoomPresence lists known presence records for a room. On store failure it
// returns an empty list and degraded=true: the shared view is unavailable,
// not empty, and callers that care can fall back to node-local state.
func (r *Registry) RoomPresence(ctx context.Context, roomID string) (users []Presence, degraded bool) {
	err := r.do(ctx, func(ctx context.Context) error {
		userIDs, err := r.store.SMembers(ctx, roomUsersPrefix+roomID)
		if err != nil {
			return err
		}
		for _, uid := range userIDs {
			raw, found, err := r.store.Get(ctx, presencePrefix+uid+":"+roomID)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			var p Presence
			if json.Unmarshal([]byte(raw), &p) == nil {
				users = append(users, p)
			}
		}
		return nil
	})
	if err != nil {
		r.policy.Report(degrade.ComponentPresence, err)
		return nil, true
	}
	return users, false
}

// IsOnline reports whether the user has a live presence mark in the room.
// Store failure reads as offline.
func (r *Registry) IsOnline(ctx context.Context, userID, roomID string) bool {
	var online bool
	err := r.do(ctx, func(ctx context.Context) error {
		raw, found, err := r.store.Get(ctx, presencePrefix+userID+":"+roomID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		var p Presence
		online = json.Unmarshal([]byte(raw), &p) == nil && p.Status != StatusOffline
		return nil
	})
	if err != nil {
		r.policy.Report(degrade.ComponentPresence, err)
		return false
	}
	return online
}

// UserConnections lists the user's registered connection ids fleet-wide.
func (r *Registry) UserConnections(ctx context.Context, userID string) []string {
	var out []string
	err := r.do(ctx, func(ctx context.Context) error {
		ids, err := r.store.SMembers(ctx, userConnsPrefix+userID)
		if err != nil {
			return err
		}
		out = ids
		return nil
	})
	if err != nil {
		r.policy.Report(degrade.ComponentPresence, err)
		return nil
	}
	return out
}

// TouchActivity refreshes the connection metadata's last-activity mark.
func (r *Registry) TouchActivity(ctx context.Context, connID string) {
	err := r.do(ctx, func(ctx context.Context) error {
		raw, found, err := r.store.Get(ctx, connMetaPrefix+connID)
		if err != nil || !found {
			return err
		}
		var meta ConnMetadata
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil
		}
		meta.LastActivity = r.clock().UTC().Format(time.RFC3339Nano)
		data, _ := json.Marshal(meta)
		return r.store.Set(ctx, connMetaPrefix+connID, string(data), r.conf.ConnectionTTL)
	})
	if err != nil {
		r.policy.Report(degrade.ComponentPresence, err)
	}
}
