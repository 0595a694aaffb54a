// Package loadtest drives the live chat gateway with simulated users. A
// Client connects with a bearer token, waits for the connected frame and
// tracks per-connection latency; a Collector aggregates results across
// clients and a Scraper samples the server's Prometheus metrics.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/intelboard/chatguard/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated user connection.
type Client struct {
	conn      net.Conn
	userID    string
	sessionID atomic.Value // string
	connected chan struct{}

	writeMu sync.Mutex
	mu      sync.Mutex
	metrics Metrics
	pending map[string]time.Time // send ref -> time sent

	handlersMu sync.RWMutex
	handlers   map[string]func(json.RawMessage)

	refSeq    atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway at url, authenticating with token. The read
// loop starts immediately.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		}),
	}

	start := time.Now()
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if br != nil {
		// The server wrote frames right after the handshake.
		conn = bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}

	c := &Client{
		conn:      conn,
		connected: make(chan struct{}),
		pending:   make(map[string]time.Time),
		handlers:  make(map[string]func(json.RawMessage)),
		done:      make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// On registers a handler for a server frame type. Handlers run on the read
// loop goroutine; a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlersMu.Lock()
	c.handlers[msgType] = handler
	c.handlersMu.Unlock()
}

// WaitConnected blocks until the connected frame arrives.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before the connected frame")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join subscribes to chatID.
func (c *Client) Join(chatID string, history int) error {
	return c.send(protocol.JoinMsg{Type: protocol.TypeJoin, ChatID: chatID, History: history})
}

// Say posts text to chatID and returns the ref that the sent or error frame
// will echo.
func (c *Client) Say(chatID, text string) (string, error) {
	ref := strconv.FormatInt(c.refSeq.Add(1), 10)
	c.mu.Lock()
	c.pending[ref] = time.Now()
	c.mu.Unlock()
	return ref, c.send(protocol.SendMsg{Type: protocol.TypeSend, ChatID: chatID, Text: text, Ref: ref})
}

// Ping sends a keepalive.
func (c *Client) Ping() error {
	return c.send(protocol.PingMsg{Type: protocol.TypePing})
}

// Ack reports how long ago the send with ref went out and forgets it.
func (c *Client) Ack(ref string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sent, ok := c.pending[ref]
	if !ok {
		return 0, false
	}
	delete(c.pending, ref)
	return time.Since(sent), true
}

// UserID returns the account id from the connected frame.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SessionID returns the connection id from the connected frame, or "" before
// it arrives.
func (c *Client) SessionID() string {
	s, _ := c.sessionID.Load().(string)
	return s
}

// Metrics returns a copy of the client's metrics.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// bufferedConn reads through r, which drains handshake leftovers first.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type == protocol.TypeConnected {
			var msg protocol.ConnectedMsg
			if err := json.Unmarshal(data, &msg); err == nil {
				c.mu.Lock()
				c.userID = msg.UserID
				c.mu.Unlock()
				c.sessionID.Store(msg.SessionID)
				select {
				case <-c.connected:
				default:
					close(c.connected)
				}
			}
		}

		c.handlersMu.RLock()
		handler := c.handlers[env.Type]
		c.handlersMu.RUnlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
