package fabric

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"ChatRelay/global/config"
	"ChatRelay/logger"
	"ChatRelay/tools/safe"
)

// NatsFabric runs the broadcast plane over core NATS. At-most-once is fine
// here: the pending-snapshot store catches anything a dropped push loses, so
// JetStream durability is not worth its overhead on this path.
type NatsFabric struct {
	nc  *nats.Conn
	mws []Middleware

	mu   sync.Mutex
	subs []*nats.Subscription
}

func Connect(cfg config.NatsConfig, mws ...Middleware) (*NatsFabric, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	reconnectWait := cfg.ReconnectWait
	if reconnectWait == 0 {
		reconnectWait = 500 * time.Millisecond
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("[fabric] nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("[fabric] nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	logger.Infof("[fabric] connected %s", nc.ConnectedUrl())
	return &NatsFabric{nc: nc, mws: mws}, nil
}

func (f *NatsFabric) publish(subject string, data []byte, hdr map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	if err := f.nc.PublishMsg(msg); err != nil {
		return errors.Wrapf(err, "publish %s", subject)
	}
	return nil
}

func (f *NatsFabric) PublishRoom(_ context.Context, roomID string, data []byte, hdr map[string]string) error {
	return f.publish(RoomSubject(roomID), data, hdr)
}

func (f *NatsFabric) PublishUser(_ context.Context, userID string, data []byte, hdr map[string]string) error {
	return f.publish(UserSubject(userID), data, hdr)
}

func (f *NatsFabric) subscribe(subject string, h Handler) (Subscription, error) {
	h = Chain(h, f.mws...)
	sub, err := f.nc.Subscribe(subject, func(m *nats.Msg) {
		msg := Message{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		}
		safe.Go(func() {
			if err := h(context.Background(), msg); err != nil {
				logger.Warnf("[fabric] handler %s: %v", m.Subject, err)
			}
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", subject)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return sub, nil
}

func (f *NatsFabric) SubscribeRoom(roomID string, h Handler) (Subscription, error) {
	return f.subscribe(RoomSubject(roomID), h)
}

func (f *NatsFabric) SubscribeUser(userID string, h Handler) (Subscription, error) {
	return f.subscribe(UserSubject(userID), h)
}

func (f *NatsFabric) Close() error {
	f.mu.Lock()
	for _, sub := range f.subs {
		_ = sub.Drain()
	}
	f.subs = nil
	f.mu.Unlock()
	return f.nc.Drain()
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
