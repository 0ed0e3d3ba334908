package chat

import (
	"context"
	"time"

	"ChatRelay/global/config"
	"ChatRelay/logger"
	"ChatRelay/service/admission"
	"ChatRelay/service/breaker"
	"ChatRelay/service/degrade"
	"ChatRelay/service/fabric"
	"ChatRelay/service/sequencer"
	"ChatRelay/service/storage"
	errs "ChatRelay/tools/errs"
)

// DurableStore is the persistence collaborator on the synchronous leg of the
// pipeline. The gateway treats it as the source of truth for history; the
// real-time push is best effort on top.
type DurableStore interface {
	SaveMessage(ctx context.Context, msg *sequencer.Message) error
	ApplyEdit(ctx context.Context, roomID, messageID, userID, content string) error
	MarkDeleted(ctx context.Context, roomID, messageID, userID string) error
}

// Server owns the delivery pipeline: admission -> sequencing -> persist ->
// broadcast, plus the node-local socket state and the shared registry.
type Server struct {
	conf *config.Config

	conns    *ConnManager
	registry *Registry
	adm      *admission.Controller
	seq      *sequencer.Sequencer
	fab      fabric.Fabric
	durable  DurableStore
	policy   *degrade.Policy
	breakers *breaker.Registry

	fanout *fanout
	clock  func() time.Time
}

func NewServer(conf *config.Config, store storage.StateStore, fab fabric.Fabric, durable DurableStore) *Server {
	policy := degrade.NewPolicy()
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: conf.Breaker.FailureThreshold,
		RecoveryTimeout:  conf.Breaker.RecoveryTimeout,
	})

	s := &Server{
		conf:     conf,
		conns:    NewConnManager(conf.Conn),
		registry: NewRegistry(store, breakers.Get(breaker.NameStateStore), policy, conf.Presence, conf.NodeID),
		adm:      admission.NewController(store, policy, conf.Admission),
		seq:      sequencer.New(store, policy, conf.Sequencer),
		fab:      fab,
		durable:  durable,
		policy:   policy,
		breakers: breakers,
	}
	s.clock = time.Now
	s.fanout = newFanout(s)
	return s
}

func (s *Server) ConnMgr() *ConnManager            { return s.conns }
func (s *Server) Registry() *Registry              { return s.registry }
func (s *Server) Admission() *admission.Controller { return s.adm }
func (s *Server) Sequencer() *sequencer.Sequencer  { return s.seq }
func (s *Server) Policy() *degrade.Policy          { return s.policy }
func (s *Server) Breakers() *breaker.Registry      { return s.breakers }

// SetClock is for tests; it also rewires the sequencer and registry clocks.
func (s *Server) SetClock(fn func() time.Time) {
	s.clock = fn
	s.seq.SetClock(fn)
	s.registry.SetClock(fn)
	s.adm.SetClock(fn)
}

func (s *Server) Close() {
	s.fanout.stopAll()
	s.conns.Close()
}

// BroadcastResult reports what actually happened to a broadcast, so callers
// can distinguish "published to the fleet" from "local sockets only".
type BroadcastResult struct {
	Published      bool // reached the fabric
	LocalDelivered int  // sockets on this node that accepted the frame
	SecondaryUsed  bool // per-user fallback subjects were used
	Degraded       bool // fabric unavailable, local-only delivery
}

// broadcastRoom pushes an encoded frame to everyone in the room. The fabric
// publish runs through the broadcast breaker; when it fails, the per-user
// secondary subjects are attempted for the room's known users, and local
// sockets are always served directly so a fabric outage never silences
// same-node delivery.
func (s *Server) broadcastRoom(ctx context.Context, roomID, excludeUser string, data []byte, hdr map[string]string) BroadcastResult {
	var res BroadcastResult

	brk := s.breakers.Get(breaker.NameBroadcast)
	err := brk.Do(ctx, func(ctx context.Context) error {
		return s.fab.PublishRoom(ctx, roomID, data, hdr)
	})
	if err == nil {
		res.Published = true
		return res
	}

	s.policy.Report(degrade.ComponentBroadcast, err)
	res.Degraded = true

	// Secondary path: only worth trying when the publish itself failed, not
	// when the breaker is already failing fast.
	if !breaker.IsOpenErr(err) {
		if users, degraded := s.registry.RoomPresence(ctx, roomID); !degraded {
			for _, p := range users {
				if p.UserID == excludeUser {
					continue
				}
				if perr := s.fab.PublishUser(ctx, p.UserID, data, hdr); perr == nil {
					res.SecondaryUsed = true
				}
			}
		}
	}
	if res.SecondaryUsed {
		return res
	}

	res.LocalDelivered = s.conns.SendRoom(roomID, excludeUser, data)
	return res
}

// SendMessage runs one chat message through the full pipeline. A denial
// decision is returned instead of an error so the handler can answer with a
// structured rejection frame.
func (s *Server) SendMessage(ctx context.Context, userID, roomID string, in *MessageIn) (*sequencer.Message, *admission.Decision, error) {
	if err := in.Validate(); err != nil {
		return nil, nil, err
	}
	if d := s.adm.AllowMessage(ctx, userID, roomID); !d.Allowed {
		return nil, &d, nil
	}

	msg := &sequencer.Message{
		RoomID:   roomID,
		SenderID: userID,
		Type:     in.MessageType,
		Content:  in.Content,
	}
	msg.Sequence, msg.DegradedSeq = s.seq.Next(ctx, roomID)

	switch s.seq.Classify(ctx, msg) {
	case sequencer.Duplicate:
		// same content already tagged at this slot; nothing more to do
		logger.Infof("[chat] duplicate send suppressed room=%s seq=%d", roomID, msg.Sequence)
		return msg, nil, nil
	case sequencer.GapDetected:
		logger.Warnf("[chat] send continuing past gap room=%s seq=%d", roomID, msg.Sequence)
	}
	s.seq.Tag(ctx, msg)

	if s.durable != nil {
		if err := s.durable.SaveMessage(ctx, msg); err != nil {
			// real-time push still goes out; history backfills when the
			// store recovers
			logger.Errorf("[chat] persist room=%s seq=%d: %v", roomID, msg.Sequence, err)
		}
	}

	data := BuildOutbound(TypeMessage, msg, s.clock())
	s.broadcastRoom(ctx, roomID, "", data, s.fanoutHeaders(msg))
	return msg, nil, nil
}

func (s *Server) fanoutHeaders(msg *sequencer.Message) map[string]string {
	return map[string]string{
		fabric.HeaderMsgID:      msg.MessageID,
		fabric.HeaderOriginNode: s.conf.NodeID,
	}
}

// broadcastPresence pushes a presence delta to the room, actor excluded to
// avoid self-echo.
func (s *Server) broadcastPresence(ctx context.Context, userID, roomID, status string) {
	data := BuildOutbound(TypePresence, map[string]any{
		"user_id": userID,
		"status":  status,
	}, s.clock())
	s.broadcastRoom(ctx, roomID, userID, data, map[string]string{
		fabric.HeaderExcludeUser: userID,
		fabric.HeaderOriginNode:  s.conf.NodeID,
	})
}

// Typing relays a typing indicator to the room, sender excluded, and refreshes
// the sender's presence mark.
func (s *Server) Typing(ctx context.Context, userID, roomID string, isTyping bool) *admission.Decision {
	if d := s.adm.AllowTyping(ctx, userID); !d.Allowed {
		return &d
	}
	status := StatusOnline
	if isTyping {
		status = StatusTyping
	}
	s.registry.UpdatePresence(ctx, userID, roomID, status)

	data := BuildOutbound(TypeUserTyping, map[string]any{
		"user_id":   userID,
		"is_typing": isTyping,
	}, s.clock())
	s.broadcastRoom(ctx, roomID, userID, data, map[string]string{
		fabric.HeaderExcludeUser: userID,
		fabric.HeaderOriginNode:  s.conf.NodeID,
	})
	return nil
}

// ReadReceipt relays a read marker to the room, sender excluded.
func (s *Server) ReadReceipt(ctx context.Context, userID, roomID, messageID string) error {
	if messageID == "" {
		return errs.ErrValidation.WithDetail("missing message_id")
	}
	data := BuildOutbound(TypeReadReceipt, map[string]any{
		"user_id":    userID,
		"message_id": messageID,
	}, s.clock())
	s.broadcastRoom(ctx, roomID, userID, data, map[string]string{
		fabric.HeaderExcludeUser: userID,
		fabric.HeaderOriginNode:  s.conf.NodeID,
	})
	return nil
}

// Reaction relays an emoji reaction to the whole room, sender included so
// their other devices converge.
func (s *Server) Reaction(ctx context.Context, userID, roomID, messageID, emoji string) error {
	if messageID == "" || emoji == "" {
		return errs.ErrValidation.WithDetail("missing message_id or emoji")
	}
	data := BuildOutbound(TypeReaction, map[string]any{
		"user_id":    userID,
		"message_id": messageID,
		"emoji":      emoji,
	}, s.clock())
	s.broadcastRoom(ctx, roomID, "", data, map[string]string{
		fabric.HeaderOriginNode: s.conf.NodeID,
	})
	return nil
}

// EditMessage applies an edit to the durable copy, then relays it.
func (s *Server) EditMessage(ctx context.Context, userID, roomID, messageID, content string) error {
	if messageID == "" || content == "" {
		return errs.ErrValidation.WithDetail("missing message_id or content")
	}
	if s.durable != nil {
		if err := s.durable.ApplyEdit(ctx, roomID, messageID, userID, content); err != nil {
			return err
		}
	}
	data := BuildOutbound(TypeEdit, map[string]any{
		"user_id":    userID,
		"message_id": messageID,
		"content":    content,
	}, s.clock())
	s.broadcastRoom(ctx, roomID, "", data, map[string]string{
		fabric.HeaderOriginNode: s.conf.NodeID,
	})
	return nil
}

// DeleteMessage soft-deletes the durable copy, then relays the tombstone.
func (s *Server) DeleteMessage(ctx context.Context, userID, roomID, messageID string) error {
	if messageID == "" {
		return errs.ErrValidation.WithDetail("missing message_id")
	}
	if s.durable != nil {
		if err := s.durable.MarkDeleted(ctx, roomID, messageID, userID); err != nil {
			return err
		}
	}
	data := BuildOutbound(TypeDelete, map[string]any{
		"user_id":    userID,
		"message_id": messageID,
	}, s.clock())
	s.broadcastRoom(ctx, roomID, "", data, map[string]string{
		fabric.HeaderOriginNode: s.conf.NodeID,
	})
	return nil
}
