package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ChatRelay/logger"
	"ChatRelay/service/fabric"
	"ChatRelay/service/sequencer"
	"ChatRelay/tools/safe"
)

// fanout bridges fabric subscriptions to node-local sockets. One room
// subscription exists per room with at least one local connection,
// refcounted across joins and leaves.
type fanout struct {
	s *Server

	mu    sync.Mutex
	rooms map[string]*roomSub
}

type roomSub struct {
	sub  fabric.Subscription
	refs int
}

func newFanout(s *Server) *fanout {
	return &fanout{s: s, rooms: make(map[string]*roomSub)}
}

// joinRoom takes a reference on the room's fabric subscription, creating it
// on first local join.
func (f *fanout) joinRoom(roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rs, ok := f.rooms[roomID]; ok {
		rs.refs++
		return nil
	}
	sub, err := f.s.fab.SubscribeRoom(roomID, func(ctx context.Context, msg fabric.Message) error {
		f.deliverRoom(ctx, roomID, msg)
		return nil
	})
	if err != nil {
		return err
	}
	f.rooms[roomID] = &roomSub{sub: sub, refs: 1}
	logger.Infof("[chat] subscribed room=%s", roomID)
	return nil
}

// leaveRoom drops one reference; the subscription is torn down with the last.
func (f *fanout) leaveRoom(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.rooms[roomID]
	if !ok {
		return
	}
	rs.refs--
	if rs.refs > 0 {
		return
	}
	delete(f.rooms, roomID)
	if err := rs.sub.Unsubscribe(); err != nil {
		logger.Warnf("[chat] unsubscribe room=%s: %v", roomID, err)
	}
}

func (f *fanout) stopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for roomID, rs := range f.rooms {
		_ = rs.sub.Unsubscribe()
		delete(f.rooms, roomID)
	}
}

// subscribeUser attaches the per-user secondary subject for direct
// notifications (and the degraded fallback of room broadcasts).
func (f *fanout) subscribeUser(userID string) (fabric.Subscription, error) {
	return f.s.fab.SubscribeUser(userID, func(_ context.Context, msg fabric.Message) error {
		f.s.conns.SendUser(userID, msg.Data)
		return nil
	})
}

// deliverRoom hands one fabric frame to the room's local sockets. Chat
// messages get an arrival check first: when the predecessor snapshot is
// missing the frame is held for up to GapWaitMax so a straggler can land,
// then delivered regardless. Holding forever would turn one lost message
// into a stalled room.
func (f *fanout) deliverRoom(ctx context.Context, roomID string, msg fabric.Message) {
	exclude := msg.Header[fabric.HeaderExcludeUser]

	if seqMsg := decodeChatMessage(msg.Data); seqMsg != nil && !seqMsg.DegradedSeq {
		if f.s.seq.GapBefore(ctx, roomID, seqMsg.Sequence) {
			wait := f.s.conf.Sequencer.GapWaitMax
			logger.Warnf("[chat] holding room=%s seq=%d for %s", roomID, seqMsg.Sequence, wait)
			data := msg.Data
			safe.Go(func() {
				time.Sleep(wait)
				f.s.conns.SendRoom(roomID, exclude, data)
			})
			return
		}
	}

	f.s.conns.SendRoom(roomID, exclude, msg.Data)
}

// decodeChatMessage returns the embedded message when the frame is a chat
// message envelope, nil for every other frame type.
func decodeChatMessage(data []byte) *sequencer.Message {
	var env struct {
		Type    string             `json:"type"`
		Payload *sequencer.Message `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeMessage || env.Payload == nil {
		return nil
	}
	if env.Payload.Sequence <= 0 {
		return nil
	}
	return env.Payload
}
