package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"ChatRelay/global/config"
	midsec "ChatRelay/middleware/security"
	"ChatRelay/service/fabric"
	"ChatRelay/service/storage"
	"ChatRelay/tools/security"
)

func startGateway(t *testing.T, conf *config.Config) (*Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conf.Conn.SweepEvery = 0
	s := NewServer(conf, storage.NewMemory(), fabric.NewLocal(), &fakeDurable{})
	t.Cleanup(s.Close)

	r := gin.New()
	r.GET("/ws/:room_id", midsec.Middleware(security.DefaultOptions(conf.JWTSecret)), s.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialGateway(t *testing.T, base, room, userID string, secret []byte) *websocket.Conn {
	t.Helper()
	ws, err := tryDial(base, room, userID, secret)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func tryDial(base, room, userID string, secret []byte) (*websocket.Conn, error) {
	token, _, err := security.Generate(security.DefaultOptions(secret), userID, nil)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws/"+room+"?token="+token, nil)
	return ws, err
}

func readTyped(t *testing.T, ws *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Type, env.Payload
}

func TestWebsocketChatRoundTrip(t *testing.T) {
	conf := config.Default()
	_, base := startGateway(t, conf)

	alice := dialGateway(t, base, "room-1", "alice", conf.JWTSecret)
	bob := dialGateway(t, base, "room-1", "bob", conf.JWTSecret)

	typ, _ := readTyped(t, alice)
	require.Equal(t, TypeConnectionEstablished, typ)
	typ, _ = readTyped(t, bob)
	require.Equal(t, TypeConnectionEstablished, typ)

	// alice sees bob come online
	typ, presencePayload := readTyped(t, alice)
	require.Equal(t, TypePresence, typ)
	var pres struct {
		UserID string `json:"user_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(presencePayload, &pres))
	require.Equal(t, "bob", pres.UserID)
	require.Equal(t, StatusOnline, pres.Status)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message","content":"hello room"}`)))

	typ, payload := readTyped(t, bob)
	require.Equal(t, TypeMessage, typ)
	var got struct {
		Content  string `json:"content"`
		SenderID string `json:"sender_id"`
		Sequence int64  `json:"sequence_number"`
	}
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "hello room", got.Content)
	require.Equal(t, "alice", got.SenderID)
	require.Equal(t, int64(1), got.Sequence)

	// sender's own devices converge too
	typ, _ = readTyped(t, alice)
	require.Equal(t, TypeMessage, typ)
}

func TestWebsocketPing(t *testing.T) {
	conf := config.Default()
	_, base := startGateway(t, conf)

	alice := dialGateway(t, base, "room-1", "alice", conf.JWTSecret)
	readTyped(t, alice) // ack

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	typ, _ := readTyped(t, alice)
	require.Equal(t, TypePong, typ)
}

func TestWebsocketTypingExcludesSender(t *testing.T) {
	conf := config.Default()
	_, base := startGateway(t, conf)

	alice := dialGateway(t, base, "room-1", "alice", conf.JWTSecret)
	bob := dialGateway(t, base, "room-1", "bob", conf.JWTSecret)
	readTyped(t, alice) // ack
	readTyped(t, bob)   // ack
	readTyped(t, alice) // bob's presence delta

	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"typing","is_typing":true}`)))

	typ, payload := readTyped(t, bob)
	require.Equal(t, TypeUserTyping, typ)
	var got struct {
		UserID   string `json:"user_id"`
		IsTyping bool   `json:"is_typing"`
	}
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "alice", got.UserID)
	require.True(t, got.IsTyping)

	// alice hears nothing about her own typing
	_ = alice.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := alice.ReadMessage()
	require.Error(t, err)
}

func TestWebsocketInvalidFrame(t *testing.T) {
	conf := config.Default()
	_, base := startGateway(t, conf)

	alice := dialGateway(t, base, "room-1", "alice", conf.JWTSecret)
	readTyped(t, alice)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	_ = alice.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := alice.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), TypeError)
	require.Contains(t, string(data), "invalid frame")
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	conf := config.Default()
	_, base := startGateway(t, conf)

	url := "http" + strings.TrimPrefix(base, "ws") + "/ws/room-1"
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketConnectionRateLimit(t *testing.T) {
	conf := config.Default()
	conf.Admission.ConnectionRate = 1
	_, base := startGateway(t, conf)

	dialGateway(t, base, "room-1", "alice", conf.JWTSecret)

	_, err := tryDial(base, "room-1", "alice", conf.JWTSecret)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestWebsocketPerUserPoolCeiling(t *testing.T) {
	conf := config.Default()
	conf.Admission.MaxConnectionsPerUser = 1
	_, base := startGateway(t, conf)

	dialGateway(t, base, "room-1", "alice", conf.JWTSecret)

	_, err := tryDial(base, "room-1", "alice", conf.JWTSecret)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestWebsocketDisconnectBroadcastsOffline(t *testing.T) {
	conf := config.Default()
	_, base := startGateway(t, conf)

	alice := dialGateway(t, base, "room-1", "alice", conf.JWTSecret)
	bob := dialGateway(t, base, "room-1", "bob", conf.JWTSecret)
	readTyped(t, alice) // ack
	readTyped(t, bob)   // ack
	readTyped(t, alice) // bob online

	require.NoError(t, bob.Close())

	typ, payload := readTyped(t, alice)
	require.Equal(t, TypePresence, typ)
	var pres struct {
		UserID string `json:"user_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(payload, &pres))
	require.Equal(t, "bob", pres.UserID)
	require.Equal(t, StatusOffline, pres.Status)
}

func TestWebsocketDisconnectCleansUp(t *testing.T) {
	conf := config.Default()
	s, base := startGateway(t, conf)

	alice := dialGateway(t, base, "room-1", "alice", conf.JWTSecret)
	readTyped(t, alice)

	require.Eventually(t, func() bool {
		conns, _, _ := s.ConnMgr().Counts()
		return conns == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Close())

	require.Eventually(t, func() bool {
		conns, _, _ := s.ConnMgr().Counts()
		return conns == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketOversizedFrameCutsConnection(t *testing.T) {
	conf := config.Default()
	s, base := startGateway(t, conf)

	alice := dialGateway(t, base, "room-1", "alice", conf.JWTSecret)
	readTyped(t, alice) // ack

	big := []byte(strings.Repeat("x", maxFrameBytes+1024))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, big))

	_ = alice.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := alice.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig))

	require.Eventually(t, func() bool {
		conns, _, _ := s.ConnMgr().Counts()
		return conns == 0
	}, 2*time.Second, 10*time.Millisecond)
}
