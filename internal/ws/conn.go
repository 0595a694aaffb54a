package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/intelboard/chatguard/internal/auth"
)

var errNoDescriptor = errors.New("ws: connection has no file descriptor")

// Conn is one authenticated WebSocket client.
type Conn struct {
	ID        string // session id
	Identity  auth.Identity
	CreatedAt time.Time

	netConn net.Conn
	src     io.Reader // frame source, set by the poller
	fd      int

	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastSeen     atomic.Int64 // unix nanos of the last frame received
	processing   atomic.Bool

	mu    sync.Mutex
	chats map[string]struct{}
}

func newConn(id string, identity auth.Identity, nc net.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ID:           id,
		Identity:     identity,
		CreatedAt:    time.Now(),
		netConn:      nc,
		src:          nc,
		fd:           -1,
		writeTimeout: writeTimeout,
		chats:        make(map[string]struct{}),
	}
	c.touch()
	return c
}

// UserID is the verified user behind the connection.
func (c *Conn) UserID() string { return c.Identity.UID }

// WriteMessage sends a text frame. Concurrent writers are serialized.
func (c *Conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.netConn.SetWriteDeadline(time.Time{})
	return wsutil.WriteServerMessage(c.netConn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.netConn.SetWriteDeadline(time.Time{})
	return ws.WriteFrame(c.netConn, ws.NewPingFrame(nil))
}

func (c *Conn) writeControl(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.netConn.SetWriteDeadline(time.Time{})
	return ws.WriteFrame(c.netConn, ws.NewFrame(op, true, payload))
}

func (c *Conn) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// LastSeen returns when the client last sent a frame.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Conn) join(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.chats[chatID]; ok {
		return false
	}
	c.chats[chatID] = struct{}{}
	return true
}

func (c *Conn) leave(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.chats[chatID]; !ok {
		return false
	}
	delete(c.chats, chatID)
	return true
}

func (c *Conn) joined(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chats[chatID]
	return ok
}

// drainChats empties the joined set and returns what it held.
func (c *Conn) drainChats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.chats))
	for id := range c.chats {
		ids = append(ids, id)
	}
	c.chats = make(map[string]struct{})
	return ids
}

// registry indexes live connections by session id and by user. It also
// counts slots reserved for upgrades still in flight.
type registry struct {
	mu       sync.RWMutex
	byID     map[string]*Conn
	byUser   map[string]map[string]*Conn
	reserved int
}

func newRegistry() *registry {
	return &registry{
		byID:   make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
	}
}

// Reserve claims a slot for a connection about to be upgraded. It fails
// when live and reserved connections already reach limit.
func (r *registry) Reserve(limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byID)+r.reserved >= limit {
		return false
	}
	r.reserved++
	return true
}

// Release returns a reserved slot that was never filled.
func (r *registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved > 0 {
		r.reserved--
	}
}

// Add registers c, filling a reserved slot if there is one.
func (r *registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved > 0 {
		r.reserved--
	}
	r.byID[c.ID] = c
	set, ok := r.byUser[c.UserID()]
	if !ok {
		set = make(map[string]*Conn)
		r.byUser[c.UserID()] = set
	}
	set[c.ID] = c
}

// Remove drops c and reports whether it was present, so concurrent
// removals clean up once.
func (r *registry) Remove(id string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	if set := r.byUser[c.UserID()]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byUser, c.UserID())
		}
	}
	return c, true
}

func (r *registry) ByUser(uid string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.byUser[uid]))
	for _, c := range r.byUser[uid] {
		conns = append(conns, c)
	}
	return conns
}

func (r *registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	return conns
}
