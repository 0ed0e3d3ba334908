package chat

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ChatRelay/logger"
	"ChatRelay/middleware/security"
	"ChatRelay/tools/decode"
	errs "ChatRelay/tools/errs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS serves GET /ws/:room_id. Admission runs before the upgrade so a
// denied client costs one HTTP response, not a socket.
func (s *Server) HandleWS(c *gin.Context) {
	userID := security.UserID(c)
	roomID := c.Param("room_id")
	if userID == "" || roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user or room"})
		return
	}
	ip := c.ClientIP()
	ctx := c.Request.Context()

	if d := s.adm.AllowConnection(ctx, userID, ip); !d.Allowed {
		c.Header("Retry-After", strconv.Itoa(d.RetryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"type":        TypeRateLimited,
			"reason":      d.Reason,
			"retry_after": d.RetryAfter,
		})
		return
	}
	if ok, info := s.adm.CanCreateConnection(ctx, userID); !ok {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"type":   TypeConnectionDenied,
			"reason": info.Reason,
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[chat] upgrade failed user=%s: %v", userID, err)
		return
	}

	conn, err := s.conns.Add(userID, roomID, ws)
	if err != nil {
		_ = ws.Close()
		return
	}
	s.conns.AttachPongHandler(conn)

	if err := s.adm.AddConnection(ctx, userID, conn.ID); err != nil {
		logger.Warnf("[chat] pool add failed conn=%s: %v", conn.ID, err)
	}
	s.registry.AddConnection(ctx, ConnMetadata{
		ConnID:    conn.ID,
		UserID:    userID,
		RoomID:    roomID,
		IPAddress: ip,
		UserAgent: c.Request.UserAgent(),
	})
	if err := s.fanout.joinRoom(roomID); err != nil {
		logger.Errorf("[chat] room subscribe failed room=%s: %v", roomID, err)
	}
	s.broadcastPresence(ctx, userID, roomID, StatusOnline)
	userSub, err := s.fanout.subscribeUser(userID)
	if err != nil {
		logger.Warnf("[chat] user subscribe failed user=%s: %v", userID, err)
	}

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if userSub != nil {
			_ = userSub.Unsubscribe()
		}
		s.fanout.leaveRoom(roomID)
		s.registry.RemoveConnection(cleanupCtx, conn.ID)
		if !s.registry.IsOnline(cleanupCtx, userID, roomID) {
			s.broadcastPresence(cleanupCtx, userID, roomID, StatusOffline)
		}
		s.adm.RemoveConnection(cleanupCtx, userID, conn.ID)
		s.conns.Remove(conn.ID)
		logger.Infof("[chat] closed conn=%s user=%s room=%s", conn.ID, userID, roomID)
	}()

	_ = conn.Enqueue(BuildConnectionAck(conn.ID, roomID, userID, s.clock()))
	logger.Infof("[chat] connected conn=%s user=%s room=%s ip=%s", conn.ID, userID, roomID, ip)

	s.readLoop(conn)
}

func (s *Server) readLoop(conn *Conn) {
	for {
		mt, data, err := conn.WS.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[chat] peer closed conn=%s", conn.ID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[chat] read timeout conn=%s", conn.ID)
			} else {
				logger.Infof("[chat] read err conn=%s: %v", conn.ID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.dispatch(conn, data)
	}
}

// dispatch routes one inbound frame. Validation failures answer the sender;
// they never tear the connection down.
func (s *Server) dispatch(conn *Conn, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env, err := ParseEnvelope(data)
	if err != nil {
		_ = conn.Enqueue(BuildError("invalid frame", s.clock()))
		return
	}

	_ = s.conns.RefreshHeartbeat(conn.ID)
	s.registry.TouchActivity(ctx, conn.ID)

	switch env.Type {
	case TypePing:
		_ = conn.Enqueue(BuildPong(s.clock()))

	case TypeMessage:
		in, err := decode.Payload[MessageIn](env.Fields)
		if err != nil {
			_ = conn.Enqueue(BuildError("invalid message payload", s.clock()))
			return
		}
		_, denied, err := s.SendMessage(ctx, conn.UserID, conn.RoomID, in)
		if denied != nil {
			_ = conn.Enqueue(BuildRejection(TypeRateLimited, denied.Reason, denied.RetryAfter))
			return
		}
		if err != nil {
			s.answerError(conn, err)
		}

	case TypeTyping:
		in, err := decode.Payload[TypingIn](env.Fields)
		if err != nil {
			_ = conn.Enqueue(BuildError("invalid typing payload", s.clock()))
			return
		}
		if denied := s.Typing(ctx, conn.UserID, conn.RoomID, in.IsTyping); denied != nil {
			_ = conn.Enqueue(BuildRejection(TypeRateLimited, denied.Reason, denied.RetryAfter))
		}

	case TypeReadReceipt:
		in, err := decode.Payload[ReadReceiptIn](env.Fields)
		if err != nil {
			_ = conn.Enqueue(BuildError("invalid read_receipt payload", s.clock()))
			return
		}
		if err := s.ReadReceipt(ctx, conn.UserID, conn.RoomID, in.MessageID); err != nil {
			s.answerError(conn, err)
		}

	case TypeReaction:
		in, err := decode.Payload[ReactionIn](env.Fields)
		if err != nil {
			_ = conn.Enqueue(BuildError("invalid reaction payload", s.clock()))
			return
		}
		if err := s.Reaction(ctx, conn.UserID, conn.RoomID, in.MessageID, in.Emoji); err != nil {
			s.answerError(conn, err)
		}

	case TypeEdit:
		in, err := decode.Payload[EditIn](env.Fields)
		if err != nil {
			_ = conn.Enqueue(BuildError("invalid edit payload", s.clock()))
			return
		}
		if err := s.EditMessage(ctx, conn.UserID, conn.RoomID, in.MessageID, in.Content); err != nil {
			s.answerError(conn, err)
		}

	case TypeDelete:
		in, err := decode.Payload[DeleteIn](env.Fields)
		if err != nil {
			_ = conn.Enqueue(BuildError("invalid delete payload", s.clock()))
			return
		}
		if err := s.DeleteMessage(ctx, conn.UserID, conn.RoomID, in.MessageID); err != nil {
			s.answerError(conn, err)
		}

	default:
		_ = conn.Enqueue(BuildError("unknown frame type", s.clock()))
	}
}

// answerError maps pipeline errors to client frames without leaking detail.
func (s *Server) answerError(conn *Conn, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeValidationError:
		_ = conn.Enqueue(BuildError(errMsgForClient(err), s.clock()))
	case errs.CodeDependencyUnavailable:
		_ = conn.Enqueue(BuildError("temporarily unavailable", s.clock()))
	default:
		logger.Errorf("[chat] conn=%s: %v", conn.ID, err)
		_ = conn.Enqueue(BuildError("internal error", s.clock()))
	}
}

func errMsgForClient(err error) string {
	var ce errs.CodeError
	if errors.As(err, &ce) && ce.Detail != "" {
		return ce.Detail
	}
	return "validation failed"
}
