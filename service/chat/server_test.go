package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ChatRelay/global/config"
	"ChatRelay/service/admission"
	"ChatRelay/service/breaker"
	"ChatRelay/service/fabric"
	"ChatRelay/service/sequencer"
	"ChatRelay/service/storage"
	errs "ChatRelay/tools/errs"
)

// fakeDurable records writes and can be told to fail.
type fakeDurable struct {
	mu      sync.Mutex
	saved   []*sequencer.Message
	edits   []string
	deletes []string
	err     error
}

func (f *fakeDurable) SaveMessage(_ context.Context, msg *sequencer.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, msg)
	return nil
}

func (f *fakeDurable) ApplyEdit(_ context.Context, _, messageID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.edits = append(f.edits, messageID)
	return nil
}

func (f *fakeDurable) MarkDeleted(_ context.Context, _, messageID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakeDurable) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

// capture collects frames published on one room subject.
type capture struct {
	mu     sync.Mutex
	frames []fabric.Message
}

func (c *capture) handler(_ context.Context, msg fabric.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, msg)
	return nil
}

func (c *capture) all() []fabric.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fabric.Message, len(c.frames))
	copy(out, c.frames)
	return out
}

func newTestServer(t *testing.T) (*Server, *storage.Memory, fabric.Fabric, *fakeDurable) {
	t.Helper()
	conf := config.Default()
	conf.NodeID = "node-test"
	conf.Conn.SweepEvery = 0
	mem := storage.NewMemory()
	fab := fabric.NewLocal()
	durable := &fakeDurable{}
	s := NewServer(conf, mem, fab, durable)
	t.Cleanup(s.Close)
	return s, mem, fab, durable
}

func TestSendMessagePipeline(t *testing.T) {
	s, _, fab, durable := newTestServer(t)
	ctx := context.Background()

	rec := &capture{}
	_, err := fab.SubscribeRoom("room-1", rec.handler)
	require.NoError(t, err)

	msg, decision, err := s.SendMessage(ctx, "alice", "room-1", &MessageIn{Content: "hello"})
	require.NoError(t, err)
	require.Nil(t, decision)
	require.Equal(t, int64(1), msg.Sequence)
	require.False(t, msg.DegradedSeq)
	require.NotEmpty(t, msg.MessageID)

	msg2, _, err := s.SendMessage(ctx, "alice", "room-1", &MessageIn{Content: "again"})
	require.NoError(t, err)
	require.Equal(t, int64(2), msg2.Sequence)

	require.Equal(t, 2, durable.savedCount())

	frames := rec.all()
	require.Len(t, frames, 2)
	require.Equal(t, msg.MessageID, frames[0].Header[fabric.HeaderMsgID])
	require.Equal(t, "node-test", frames[0].Header[fabric.HeaderOriginNode])

	var env struct {
		Type    string             `json:"type"`
		Payload *sequencer.Message `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(frames[0].Data, &env))
	require.Equal(t, TypeMessage, env.Type)
	require.Equal(t, "hello", env.Payload.Content)
	require.Equal(t, "alice", env.Payload.SenderID)
}

func TestSendMessageValidation(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	_, _, err := s.SendMessage(context.Background(), "alice", "room-1", &MessageIn{})
	require.Error(t, err)
	require.True(t, errs.ErrValidation.Is(err))
}

func TestSendMessageRateLimited(t *testing.T) {
	s, _, _, durable := newTestServer(t)
	ctx := context.Background()

	limit := s.conf.Admission.MessageRate
	for i := 0; i < limit; i++ {
		_, decision, err := s.SendMessage(ctx, "alice", "room-1", &MessageIn{Content: "x"})
		require.NoError(t, err)
		require.Nil(t, decision)
	}

	msg, decision, err := s.SendMessage(ctx, "alice", "room-1", &MessageIn{Content: "x"})
	require.NoError(t, err)
	require.Nil(t, msg)
	require.NotNil(t, decision)
	require.Equal(t, admission.ReasonRateLimited, decision.Reason)
	require.Equal(t, admission.ScopeUser, decision.Scope)
	require.Equal(t, limit, durable.savedCount())
}

func TestSendMessageDegradedStoreStillDelivers(t *testing.T) {
	s, mem, fab, durable := newTestServer(t)
	ctx := context.Background()

	rec := &capture{}
	_, err := fab.SubscribeRoom("room-1", rec.handler)
	require.NoError(t, err)

	mem.FailAll(true)

	msg, decision, err := s.SendMessage(ctx, "alice", "room-1", &MessageIn{Content: "still here"})
	require.NoError(t, err)
	require.Nil(t, decision)
	require.True(t, msg.DegradedSeq)
	require.Greater(t, msg.Sequence, int64(0))
	require.Equal(t, 1, durable.savedCount())
	require.Len(t, rec.all(), 1)
}

func TestSendMessagePersistFailureIsBestEffort(t *testing.T) {
	s, _, fab, durable := newTestServer(t)
	durable.err = errors.New("mongo down")

	rec := &capture{}
	_, err := fab.SubscribeRoom("room-1", rec.handler)
	require.NoError(t, err)

	msg, decision, err := s.SendMessage(context.Background(), "alice", "room-1", &MessageIn{Content: "x"})
	require.NoError(t, err)
	require.Nil(t, decision)
	require.NotNil(t, msg)
	require.Len(t, rec.all(), 1)
}

func TestTypingRelay(t *testing.T) {
	s, _, fab, _ := newTestServer(t)
	ctx := context.Background()

	rec := &capture{}
	_, err := fab.SubscribeRoom("room-1", rec.handler)
	require.NoError(t, err)

	require.Nil(t, s.Typing(ctx, "alice", "room-1", true))

	frames := rec.all()
	require.Len(t, frames, 1)
	require.Equal(t, "alice", frames[0].Header[fabric.HeaderExcludeUser])

	var env struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(frames[0].Data, &env))
	require.Equal(t, TypeUserTyping, env.Type)
	require.Equal(t, true, env.Payload["is_typing"])
}

func TestTypingRateLimited(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < s.conf.Admission.TypingRate; i++ {
		require.Nil(t, s.Typing(ctx, "alice", "room-1", true))
	}
	d := s.Typing(ctx, "alice", "room-1", true)
	require.NotNil(t, d)
	require.Equal(t, admission.ReasonRateLimited, d.Reason)
}

func TestReadReceiptAndReactionValidation(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	ctx := context.Background()

	require.Error(t, s.ReadReceipt(ctx, "alice", "room-1", ""))
	require.Error(t, s.Reaction(ctx, "alice", "room-1", "", "👍"))
	require.Error(t, s.Reaction(ctx, "alice", "room-1", "m1", ""))
	require.NoError(t, s.ReadReceipt(ctx, "alice", "room-1", "m1"))
	require.NoError(t, s.Reaction(ctx, "alice", "room-1", "m1", "👍"))
}

func TestEditAndDeleteGoDurableFirst(t *testing.T) {
	s, _, _, durable := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.EditMessage(ctx, "alice", "room-1", "m1", "edited"))
	require.NoError(t, s.DeleteMessage(ctx, "alice", "room-1", "m1"))
	require.Equal(t, []string{"m1"}, durable.edits)
	require.Equal(t, []string{"m1"}, durable.deletes)

	durable.err = errs.ErrValidation.WithDetail("message not found or not owned by sender")
	require.Error(t, s.EditMessage(ctx, "bob", "room-1", "m1", "nope"))
	require.Error(t, s.DeleteMessage(ctx, "bob", "room-1", "m1"))
}

// flakyFabric fails room publishes while user publishes keep working.
type flakyFabric struct {
	*fabric.Local
	mu        sync.Mutex
	roomFails bool
	userSent  int
}

func newFlakyFabric() *flakyFabric {
	return &flakyFabric{Local: fabric.NewLocal()}
}

func (f *flakyFabric) PublishRoom(ctx context.Context, roomID string, data []byte, hdr map[string]string) error {
	f.mu.Lock()
	failing := f.roomFails
	f.mu.Unlock()
	if failing {
		return errors.New("fabric unreachable")
	}
	return f.Local.PublishRoom(ctx, roomID, data, hdr)
}

func (f *flakyFabric) PublishUser(ctx context.Context, userID string, data []byte, hdr map[string]string) error {
	f.mu.Lock()
	f.userSent++
	f.mu.Unlock()
	return f.Local.PublishUser(ctx, userID, data, hdr)
}

func TestBroadcastFallsBackToSecondarySubjects(t *testing.T) {
	conf := config.Default()
	conf.Conn.SweepEvery = 0
	mem := storage.NewMemory()
	fab := newFlakyFabric()
	s := NewServer(conf, mem, fab, nil)
	defer s.Close()
	ctx := context.Background()

	s.registry.AddConnection(ctx, ConnMetadata{ConnID: "c1", UserID: "bob", RoomID: "room-1", NodeID: conf.NodeID})
	fab.roomFails = true

	res := s.broadcastRoom(ctx, "room-1", "", []byte("x"), nil)
	require.False(t, res.Published)
	require.True(t, res.Degraded)
	require.True(t, res.SecondaryUsed)
	require.Equal(t, 1, fab.userSent)
}

func TestBroadcastOpenBreakerSkipsSecondary(t *testing.T) {
	conf := config.Default()
	conf.Conn.SweepEvery = 0
	mem := storage.NewMemory()
	fab := newFlakyFabric()
	s := NewServer(conf, mem, fab, nil)
	defer s.Close()
	ctx := context.Background()

	s.registry.AddConnection(ctx, ConnMetadata{ConnID: "c1", UserID: "bob", RoomID: "room-1", NodeID: conf.NodeID})
	fab.roomFails = true

	for i := 0; i < conf.Breaker.FailureThreshold; i++ {
		s.broadcastRoom(ctx, "room-1", "", []byte("x"), nil)
	}
	require.Equal(t, breaker.Open, s.breakers.Get(breaker.NameBroadcast).State())

	before := fab.userSent
	res := s.broadcastRoom(ctx, "room-1", "", []byte("x"), nil)
	require.True(t, res.Degraded)
	require.False(t, res.SecondaryUsed)
	require.Equal(t, before, fab.userSent)
}

func TestFanoutRefcountsRoomSubscriptions(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	require.NoError(t, s.fanout.joinRoom("room-1"))
	require.NoError(t, s.fanout.joinRoom("room-1"))
	require.Len(t, s.fanout.rooms, 1)
	require.Equal(t, 2, s.fanout.rooms["room-1"].refs)

	s.fanout.leaveRoom("room-1")
	require.Len(t, s.fanout.rooms, 1)
	s.fanout.leaveRoom("room-1")
	require.Empty(t, s.fanout.rooms)
	s.fanout.leaveRoom("room-1") // idempotent
}

func TestDecodeChatMessage(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	msg := &sequencer.Message{MessageID: "m1", RoomID: "room-1", Sequence: 3, Content: "x", Type: "text"}
	data := BuildOutbound(TypeMessage, msg, now)

	got := decodeChatMessage(data)
	require.NotNil(t, got)
	require.Equal(t, int64(3), got.Sequence)

	require.Nil(t, decodeChatMessage(BuildOutbound(TypeUserTyping, map[string]any{"user_id": "a"}, now)))
	require.Nil(t, decodeChatMessage([]byte("garbage")))
	require.Nil(t, decodeChatMessage(BuildOutbound(TypeMessage, &sequencer.Message{Sequence: 0}, now)))
}
