package fabric

import (
	"context"
	"sync"

	"ChatRelay/logger"
)

// Local is an in-process Fabric for tests and single-node runs. Delivery is
// synchronous within Publish, which makes test assertions deterministic.
type Local struct {
	mws []Middleware

	mu   sync.Mutex
	subs map[string][]*localSub
	next int
}

type localSub struct {
	f       *Local
	subject string
	id      int
	h       Handler
}

func (s *localSub) Unsubscribe() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	list := s.f.subs[s.subject]
	for i, sub := range list {
		if sub.id == s.id {
			s.f.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func NewLocal(mws ...Middleware) *Local {
	return &Local{mws: mws, subs: make(map[string][]*localSub)}
}

func (f *Local) publish(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	f.mu.Lock()
	list := append([]*localSub(nil), f.subs[subject]...)
	f.mu.Unlock()

	msg := Message{Subject: subject, Data: data, Header: hdr}
	for _, sub := range list {
		if err := sub.h(ctx, msg); err != nil {
			logger.Warnf("[fabric] local handler %s: %v", subject, err)
		}
	}
	return nil
}

func (f *Local) PublishRoom(ctx context.Context, roomID string, data []byte, hdr map[string]string) error {
	return f.publish(ctx, RoomSubject(roomID), data, hdr)
}

func (f *Local) PublishUser(ctx context.Context, userID string, data []byte, hdr map[string]string) error {
	return f.publish(ctx, UserSubject(userID), data, hdr)
}

func (f *Local) subscribe(subject string, h Handler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	sub := &localSub{f: f, subject: subject, id: f.next, h: Chain(h, f.mws...)}
	f.subs[subject] = append(f.subs[subject], sub)
	return sub, nil
}

func (f *Local) SubscribeRoom(roomID string, h Handler) (Subscription, error) {
	return f.subscribe(RoomSubject(roomID), h)
}

func (f *Local) SubscribeUser(userID string, h Handler) (Subscription, error) {
	return f.subscribe(UserSubject(userID), h)
}

func (f *Local) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = make(map[string][]*localSub)
	return nil
}
