package chat

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"ChatRelay/global/config"
	"ChatRelay/logger"
	"ChatRelay/tools/ids"
	"ChatRelay/tools/safe"
)

// ===== Connection =====

// Conn is one live socket bound to a (user, room) pair. All writes go through
// SendChan and a single write pump, since gorilla allows only one concurrent
// writer per socket.
type Conn struct {
	ID     string
	UserID string
	RoomID string

	WS     *websocket.Conn
	Remote net.Addr

	SendChan chan []byte

	CreatedAt time.Time
	Heartbeat time.Time
	ExpireAt  time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Enqueue hands data to the write pump without blocking. A full queue means
// the client is not draining; the frame is dropped and the error lets the
// caller decide whether to cut the connection.
func (c *Conn) Enqueue(data []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.SendChan <- data:
		return nil
	default:
		return errors.New("send queue full")
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.WS.Close()
	})
}

func (c *Conn) writePump(deadline time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.SendChan:
			_ = c.WS.SetWriteDeadline(time.Now().Add(deadline))
			if err := c.WS.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debugf("[chat] write conn=%s: %v", c.ID, err)
				c.close()
				return
			}
		}
	}
}

// ===== Manager =====

// ConnManager is the node-local socket index: by connection id, by user and
// by room. It knows nothing about the shared store; the Registry mirrors this
// state into it for cross-node queries.
type ConnManager struct {
	mu     sync.RWMutex
	byConn map[string]*Conn
	byUser map[string]map[string]*Conn
	byRoom map[string]map[string]*Conn

	conf     config.ConnConfig
	clock    func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewConnManager(conf config.ConnConfig) *ConnManager {
	m := &ConnManager{
		byConn: make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
		byRoom: make(map[string]map[string]*Conn),
		conf:   conf,
		clock:  time.Now,
		stopCh: make(chan struct{}),
	}
	if conf.Clock != nil {
		m.clock = conf.Clock
	}
	if conf.SweepEvery > 0 {
		safe.Go(m.sweeper)
	}
	return m
}

// Add registers a socket and starts its write pump. The connection id is
// generated here and doubles as the pool membership token.
func (m *ConnManager) Add(userID, roomID string, ws *websocket.Conn) (*Conn, error) {
	if userID == "" || roomID == "" || ws == nil {
		return nil, errors.New("user/room/conn empty")
	}
	// cut oversized frames at the transport instead of buffering them first
	ws.SetReadLimit(maxFrameBytes)
	now := m.clock()
	c := &Conn{
		ID:        ids.GenerateString(),
		UserID:    userID,
		RoomID:    roomID,
		WS:        ws,
		Remote:    ws.RemoteAddr(),
		SendChan:  make(chan []byte, m.conf.SendQueueSize),
		CreatedAt: now,
		Heartbeat: now,
		ExpireAt:  now.Add(m.conf.ConnTTL),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.byConn[c.ID] = c
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Conn)
	}
	m.byUser[userID][c.ID] = c
	if m.byRoom[roomID] == nil {
		m.byRoom[roomID] = make(map[string]*Conn)
	}
	m.byRoom[roomID][c.ID] = c
	m.mu.Unlock()

	safe.Go(func() { c.writePump(m.conf.WriteDeadline) })
	return c, nil
}

func (m *ConnManager) Get(connID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byConn[connID]
	return c, ok
}

// Remove unindexes and closes a connection. Safe to call twice.
func (m *ConnManager) Remove(connID string) {
	m.mu.Lock()
	c, ok := m.byConn[connID]
	if ok {
		m.unindexLocked(c)
	}
	m.mu.Unlock()
	if ok {
		c.close()
	}
}

// caller holds m.mu
func (m *ConnManager) unindexLocked(c *Conn) {
	delete(m.byConn, c.ID)
	if mm := m.byUser[c.UserID]; mm != nil {
		delete(mm, c.ID)
		if len(mm) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
	if mm := m.byRoom[c.RoomID]; mm != nil {
		delete(mm, c.ID)
		if len(mm) == 0 {
			delete(m.byRoom, c.RoomID)
		}
	}
}

// RefreshHeartbeat extends a connection's TTL. Wired to the pong handler.
func (m *ConnManager) RefreshHeartbeat(connID string) error {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byConn[connID]
	if !ok {
		return errors.New("connection not found")
	}
	c.Heartbeat = now
	c.ExpireAt = now.Add(m.conf.ConnTTL)
	return nil
}

// AttachPongHandler renews the TTL on every websocket pong.
func (m *ConnManager) AttachPongHandler(c *Conn) {
	c.WS.SetPongHandler(func(string) error {
		_ = m.RefreshHeartbeat(c.ID) // conn may have been swept already
		return nil
	})
}

// SendUser enqueues data on every socket the user holds on this node and
// returns how many accepted it.
func (m *ConnManager) SendUser(userID string, data []byte) int {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.byUser[userID]))
	for _, c := range m.byUser[userID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if c.Enqueue(data) == nil {
			n++
		}
	}
	return n
}

// SendRoom enqueues data on every socket in the room, skipping excludeUser's
// sockets when set. Returns how many accepted it.
func (m *ConnManager) SendRoom(roomID, excludeUser string, data []byte) int {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.byRoom[roomID]))
	for _, c := range m.byRoom[roomID] {
		if excludeUser != "" && c.UserID == excludeUser {
			continue
		}
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if c.Enqueue(data) == nil {
			n++
		}
	}
	return n
}

// RoomUsers lists distinct user ids with a live socket in the room on this node.
func (m *ConnManager) RoomUsers(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	out := make([]string, 0, len(m.byRoom[roomID]))
	for _, c := range m.byRoom[roomID] {
		if !seen[c.UserID] {
			seen[c.UserID] = true
			out = append(out, c.UserID)
		}
	}
	return out
}

func (m *ConnManager) UserConnCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

// Counts reports (connections, users, rooms) on this node.
func (m *ConnManager) Counts() (int, int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn), len(m.byUser), len(m.byRoom)
}

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.byConn))
	for _, c := range m.byConn {
		conns = append(conns, c)
	}
	m.byConn = make(map[string]*Conn)
	m.byUser = make(map[string]map[string]*Conn)
	m.byRoom = make(map[string]map[string]*Conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// ===== Sweeper =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.SweepOnce(m.clock())
		}
	}
}

// SweepOnce closes every connection whose TTL lapsed. Sockets are closed
// after the lock is released.
func (m *ConnManager) SweepOnce(now time.Time) int {
	var expired []*Conn
	m.mu.Lock()
	for _, c := range m.byConn {
		if now.After(c.ExpireAt) {
			expired = append(expired, c)
			m.unindexLocked(c)
		}
	}
	m.mu.Unlock()

	for _, c := range expired {
		logger.Infof("[chat] sweeping idle conn=%s user=%s room=%s", c.ID, c.UserID, c.RoomID)
		c.close()
	}
	return len(expired)
}
