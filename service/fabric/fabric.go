// Package fabric is the broadcast plane between gateway instances. A message
// accepted on one node is published per room (and per user for direct
// notifications); every node subscribed to that room delivers to its local
// sockets. The fabric carries bytes and headers only; envelope semantics live
// with the caller.
package fabric

import "context"

// Subject naming: one subject per room and one per user.
func RoomSubject(roomID string) string { return "room." + roomID }
func UserSubject(userID string) string { return "user." + userID }

// Header keys carried across the fabric.
const (
	HeaderMsgID       = "Msg-Id"
	HeaderExcludeUser = "Exclude-User" // delivery skips this user's sockets
	HeaderOriginNode  = "Origin-Node"
)

// Message is one delivery arriving from the fabric.
type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// Handler processes one fabric delivery.
type Handler func(ctx context.Context, msg Message) error

// Middleware wraps a Handler (dedupe, logging, retry).
type Middleware func(Handler) Handler

// Chain applies mws left to right around h.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Subscription is a live fabric subscription.
type Subscription interface {
	Unsubscribe() error
}

// Fabric is what the gateway publishes to and consumes from. Implementations:
// NATS for the fleet, Local for tests and single-node runs.
type Fabric interface {
	PublishRoom(ctx context.Context, roomID string, data []byte, hdr map[string]string) error
	PublishUser(ctx context.Context, userID string, data []byte, hdr map[string]string) error
	SubscribeRoom(roomID string, h Handler) (Subscription, error)
	SubscribeUser(userID string, h Handler) (Subscription, error)
	Close() error
}
