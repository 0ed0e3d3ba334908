package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalRoomDelivery(t *testing.T) {
	f := NewLocal()
	got := make([]Message, 0, 2)
	_, err := f.SubscribeRoom("r1", func(_ context.Context, msg Message) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.PublishRoom(context.Background(), "r1", []byte("a"), map[string]string{HeaderMsgID: "1"}))
	require.NoError(t, f.PublishRoom(context.Background(), "r2", []byte("b"), nil))

	require.Len(t, got, 1)
	require.Equal(t, "room.r1", got[0].Subject)
	require.Equal(t, "1", got[0].Header[HeaderMsgID])
}

func TestLocalUserDeliveryAndUnsubscribe(t *testing.T) {
	f := NewLocal()
	n := 0
	sub, err := f.SubscribeUser("u1", func(_ context.Context, _ Message) error {
		n++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.PublishUser(context.Background(), "u1", []byte("x"), nil))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, f.PublishUser(context.Background(), "u1", []byte("y"), nil))
	require.Equal(t, 1, n)
}

func TestDedupeDropsRepeatedMsgID(t *testing.T) {
	f := NewLocal(Dedupe(NewMemSeen(), time.Minute))
	n := 0
	_, err := f.SubscribeRoom("r1", func(_ context.Context, _ Message) error {
		n++
		return nil
	})
	require.NoError(t, err)

	hdr := map[string]string{HeaderMsgID: "m-1"}
	require.NoError(t, f.PublishRoom(context.Background(), "r1", []byte("a"), hdr))
	require.NoError(t, f.PublishRoom(context.Background(), "r1", []byte("a"), hdr))
	require.Equal(t, 1, n)

	// a different id is delivered, and messages without an id always pass
	require.NoError(t, f.PublishRoom(context.Background(), "r1", []byte("b"), map[string]string{HeaderMsgID: "m-2"}))
	require.NoError(t, f.PublishRoom(context.Background(), "r1", []byte("c"), nil))
	require.NoError(t, f.PublishRoom(context.Background(), "r1", []byte("c"), nil))
	require.Equal(t, 4, n)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}
	h := Chain(func(_ context.Context, _ Message) error {
		order = append(order, "handler")
		return nil
	}, mk("outer"), mk("inner"))

	require.NoError(t, h(context.Background(), Message{}))
	require.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestMemSeenSweepAndClose(t *testing.T) {
	ms := NewMemSeen()
	defer ms.Close()

	seen, err := ms.SeenOnce("room.1|m1", time.Second)
	require.NoError(t, err)
	require.False(t, seen)
	seen, _ = ms.SeenOnce("room.1|m1", time.Second)
	require.True(t, seen)

	// nothing expired yet
	require.Equal(t, 0, ms.sweepOnce(time.Now().Unix()))

	// past the ttl the entry is swept and the id becomes fresh again
	require.Equal(t, 1, ms.sweepOnce(time.Now().Add(2*time.Second).Unix()))
	seen, _ = ms.SeenOnce("room.1|m1", time.Second)
	require.False(t, seen)

	ms.Close()
	ms.Close() // idempotent
}
