// Package ws serves the live chat WebSocket. Connections are authenticated
// on upgrade, read through an epoll event loop feeding a bounded worker
// pool, and receive live chat events from NATS filtered by message
// visibility. Every send goes through the same write pipeline as HTTP.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/auth"
	"github.com/intelboard/chatguard/internal/chat"
	"github.com/intelboard/chatguard/internal/metrics"
	"github.com/intelboard/chatguard/internal/pipeline"
	"github.com/intelboard/chatguard/internal/protocol"
	"github.com/intelboard/chatguard/internal/sanction"
)

const (
	// DefaultHistory is how many messages a join returns when the client
	// does not ask for a number.
	DefaultHistory = 50

	// maxFrameBytes caps one client data frame.
	maxFrameBytes = 4 * chat.MaxMessageBytes

	pollTimeoutMs = 100
)

// Backend is the write pipeline as seen by the gateway.
type Backend interface {
	SendMessage(ctx context.Context, id auth.Identity, chatID string, req pipeline.SendMessageRequest) (pipeline.Result, error)
	ListMessages(ctx context.Context, id auth.Identity, chatID string, limit int) ([]chat.Message, error)
}

// Bus delivers live chat events.
type Bus interface {
	SubscribeToChat(chatID, connID string, handler func(data []byte)) error
	UnsubscribeFromChat(chatID, connID string) error
}

// Config holds gateway tuning parameters.
type Config struct {
	WorkerPoolSize int           // max concurrent frame handlers
	MaxConnections int           // hard cap on live connections
	ReadTimeout    time.Duration // deadline for reading one ready frame
	WriteTimeout   time.Duration // deadline for writing one frame
	RequestTimeout time.Duration // bound on backend work for one frame
	Heartbeat      HeartbeatConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize: 256,
		MaxConnections: 10000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 5 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Gateway is the live chat WebSocket endpoint. It implements http.Handler.
type Gateway struct {
	cfg        Config
	verifier   auth.Verifier
	backend    Backend
	bus        Bus
	poller     *poller
	conns      *registry
	dispatcher *Dispatcher
	workers    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup // event loop and heartbeat
	inflight  sync.WaitGroup // frame handlers
}

// New creates a Gateway and starts its event loop and heartbeat.
func New(cfg Config, verifier auth.Verifier, backend Backend, bus Bus) (*Gateway, error) {
	def := DefaultConfig()
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = def.WorkerPoolSize
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}

	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:        cfg,
		verifier:   verifier,
		backend:    backend,
		bus:        bus,
		poller:     p,
		conns:      newRegistry(),
		dispatcher: NewDispatcher(),
		workers:    make(chan struct{}, cfg.WorkerPoolSize),
		done:       make(chan struct{}),
	}
	g.dispatcher.Register(protocol.TypeJoin, g.handleJoin)
	g.dispatcher.Register(protocol.TypeLeave, g.handleLeave)
	g.dispatcher.Register(protocol.TypeSend, g.handleSend)

	g.wg.Add(2)
	go g.eventLoop()
	go g.heartbeat(cfg.Heartbeat)

	log.WithFields(log.Fields{
		"workers":   cfg.WorkerPoolSize,
		"max_conns": cfg.MaxConnections,
	}).Info("[ws] gateway started")
	return g, nil
}

// ServeHTTP authenticates the request and upgrades it to a WebSocket.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-g.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if !g.conns.Reserve(g.cfg.MaxConnections) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	added := false
	defer func() {
		if !added {
			g.conns.Release()
		}
	}()

	token := auth.TokenFromRequest(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	identity, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, apperr.MessageOf(err), apperr.KindOf(err).HTTPStatus())
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.WithError(err).Debug("[ws] upgrade failed")
		return
	}

	c := newConn(uuid.NewString(), identity, netConn, g.cfg.WriteTimeout)
	g.conns.Add(c)
	added = true
	metrics.ConnectionsTotal.Inc()
	if err := g.poller.Add(c); err != nil {
		log.WithField("session", c.ID).WithError(err).Error("[ws] poller add failed")
		g.remove(c)
		return
	}

	send(c, protocol.TypeConnected, protocol.ConnectedMsg{SessionID: c.ID, UserID: c.UserID()})
	log.WithFields(log.Fields{"session": c.ID, "user": c.UserID(), "total": g.conns.Count()}).Info("[ws] new connection")
}

// Count returns the number of live connections.
func (g *Gateway) Count() int {
	return g.conns.Count()
}

func (g *Gateway) eventLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		default:
		}

		ready, err := g.poller.Wait(pollTimeoutMs)
		if err != nil {
			select {
			case <-g.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Error("[ws] poll wait")
			continue
		}

		for _, c := range ready {
			if !c.processing.CompareAndSwap(false, true) {
				continue
			}
			select {
			case g.workers <- struct{}{}:
			case <-g.done:
				return
			}
			g.inflight.Add(1)
			go func(c *Conn) {
				defer g.inflight.Done()
				defer func() { <-g.workers }()
				g.handleConn(c)
			}(c)
		}
	}
}

// handleConn reads one frame from a ready connection. Read failures other
// than a timeout remove the connection.
func (g *Gateway) handleConn(c *Conn) {
	alive := true
	defer func() {
		c.processing.Store(false)
		if alive {
			g.poller.Rearm(c)
		}
	}()

	if g.cfg.ReadTimeout > 0 {
		_ = c.netConn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	}
	header, reader, err := wsutil.NextReader(c.src, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		alive = false
		g.remove(c)
		return
	}
	_ = c.netConn.SetReadDeadline(time.Time{})
	c.touch()

	if header.OpCode.IsControl() {
		payload, err := io.ReadAll(reader)
		if err != nil || header.OpCode == ws.OpClose {
			alive = false
			g.remove(c)
			return
		}
		if header.OpCode == ws.OpPing {
			_ = c.writeControl(ws.OpPong, payload)
		}
		return
	}

	if header.Length > maxFrameBytes {
		alive = false
		g.closeWith(c, ws.StatusMessageTooBig, "frame too large")
		return
	}
	data, err := io.ReadAll(io.LimitReader(reader, maxFrameBytes+1))
	if err != nil || len(data) > maxFrameBytes {
		alive = false
		g.closeWith(c, ws.StatusMessageTooBig, "frame too large")
		return
	}
	if len(data) == 0 {
		return
	}
	g.dispatcher.Dispatch(c, data)
}

func (g *Gateway) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.cfg.RequestTimeout)
}

func (g *Gateway) handleJoin(c *Conn, msg any) {
	m, ok := msg.(protocol.JoinMsg)
	if !ok {
		return
	}
	if m.ChatID == "" {
		sendAppError(c, apperr.New(apperr.ValidationFailed, "chat_id is required"), "")
		return
	}
	if err := chat.ValidateID("chat_id", m.ChatID); err != nil {
		sendAppError(c, err, "")
		return
	}
	history := m.History
	if history <= 0 {
		history = DefaultHistory
	}

	// Subscribe before reading history so nothing persisted in between is
	// lost; clients dedupe by message id.
	subscribed := false
	if c.join(m.ChatID) {
		if err := g.bus.SubscribeToChat(m.ChatID, c.ID, g.deliver(c)); err != nil {
			c.leave(m.ChatID)
			log.WithFields(log.Fields{"session": c.ID, "chat": m.ChatID}).WithError(err).Error("[ws] subscribe failed")
			sendAppError(c, apperr.Wrap(apperr.TransientStoreFailure, "live delivery unavailable, please retry", err), "")
			return
		}
		subscribed = true
	}

	ctx, cancel := g.requestContext()
	defer cancel()
	msgs, err := g.backend.ListMessages(ctx, c.Identity, m.ChatID, history)
	if err != nil {
		if subscribed {
			c.leave(m.ChatID)
			_ = g.bus.UnsubscribeFromChat(m.ChatID, c.ID)
		}
		sendAppError(c, err, "")
		return
	}

	views := make([]protocol.MessageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, protocol.ViewOf(&msgs[i]))
	}
	send(c, protocol.TypeJoined, protocol.JoinedMsg{ChatID: m.ChatID, History: views})
}

func (g *Gateway) handleLeave(c *Conn, msg any) {
	m, ok := msg.(protocol.LeaveMsg)
	if !ok {
		return
	}
	if !c.leave(m.ChatID) {
		sendError(c, protocol.ErrorMsg{Code: protocol.CodeNotJoined, Message: "not joined to chat"})
		return
	}
	if err := g.bus.UnsubscribeFromChat(m.ChatID, c.ID); err != nil {
		log.WithFields(log.Fields{"session": c.ID, "chat": m.ChatID}).WithError(err).Warn("[ws] unsubscribe failed")
	}
	send(c, protocol.TypeLeft, protocol.LeftMsg{ChatID: m.ChatID})
}

func (g *Gateway) handleSend(c *Conn, msg any) {
	m, ok := msg.(protocol.SendMsg)
	if !ok {
		return
	}
	if err := chat.ValidateID("chat_id", m.ChatID); err != nil {
		sendAppError(c, err, m.Ref)
		return
	}
	ctx, cancel := g.requestContext()
	defer cancel()

	res, err := g.backend.SendMessage(ctx, c.Identity, m.ChatID, pipeline.SendMessageRequest{Text: m.Text})
	if err != nil {
		sendAppError(c, err, m.Ref)
		return
	}
	send(c, protocol.TypeSent, protocol.SentMsg{ID: res.ID, Ref: m.Ref})
}

// deliver returns the live event handler for c. Events are dropped unless
// the message is visible to the connection's user.
func (g *Gateway) deliver(c *Conn) func(data []byte) {
	return func(data []byte) {
		var ev chat.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.WithField("session", c.ID).WithError(err).Warn("[ws] decode chat event")
			return
		}
		if ev.Type != chat.EventMessage || ev.Message == nil {
			return
		}
		if !c.joined(ev.Message.ChatID) || !ev.Message.VisibleTo(c.UserID()) {
			return
		}
		send(c, protocol.TypeMessage, protocol.ServerChatMsg{MessageView: protocol.ViewOf(ev.Message)})
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	}
}

// HandleSanction consumes a moderation.sanction event and disconnects every
// connection of a user who was just banned.
func (g *Gateway) HandleSanction(data []byte) {
	var e sanction.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		log.WithError(err).Warn("[ws] decode sanction event")
		return
	}
	if e.Action != sanction.ActionBan {
		return
	}
	if n := g.Disconnect(e.TargetID, "account suspended"); n > 0 {
		log.WithFields(log.Fields{"user": e.TargetID, "connections": n}).Info("[ws] disconnected banned user")
	}
}

// Disconnect closes every connection of uid and returns how many there were.
func (g *Gateway) Disconnect(uid, reason string) int {
	conns := g.conns.ByUser(uid)
	for _, c := range conns {
		sendError(c, protocol.ErrorMsg{Code: string(apperr.AccountSuspended), Message: reason})
		g.closeWith(c, ws.StatusPolicyViolation, reason)
	}
	return len(conns)
}

// Shutdown stops the event loop, closes every connection and waits for
// in-flight frames to finish.
func (g *Gateway) Shutdown() {
	g.closeOnce.Do(func() {
		close(g.done)
		g.wg.Wait()
		for _, c := range g.conns.All() {
			g.closeWith(c, ws.StatusGoingAway, "server shutting down")
		}
		g.inflight.Wait()
		_ = g.poller.Close()
		log.Info("[ws] gateway stopped")
	})
}

func (g *Gateway) closeWith(c *Conn, code ws.StatusCode, reason string) {
	_ = c.writeControl(ws.OpClose, ws.NewCloseFrameBody(code, reason))
	g.remove(c)
}

// remove unregisters c, drops its chat subscriptions and closes it. Only the
// first of several racing callers does the work.
func (g *Gateway) remove(c *Conn) {
	if _, ok := g.conns.Remove(c.ID); !ok {
		return
	}
	if err := g.poller.Remove(c); err != nil {
		log.WithField("session", c.ID).WithError(err).Debug("[ws] poller remove")
	}
	for _, chatID := range c.drainChats() {
		if err := g.bus.UnsubscribeFromChat(chatID, c.ID); err != nil {
			log.WithFields(log.Fields{"session": c.ID, "chat": chatID}).WithError(err).Debug("[ws] unsubscribe on close")
		}
	}
	_ = c.Close()
	metrics.ConnectionsTotal.Dec()
	log.WithFields(log.Fields{"session": c.ID, "total": g.conns.Count()}).Info("[ws] connection closed")
}

func sendAppError(c *Conn, err error, ref string) {
	kind := apperr.KindOf(err)
	if kind == apperr.TransientStoreFailure {
		log.WithField("session", c.ID).WithError(err).Warn("[ws] request failed")
	}
	e := protocol.ErrorMsg{Code: string(kind), Message: apperr.MessageOf(err), Ref: ref}
	if d := apperr.RetryAfterOf(err); d > 0 {
		e.RetryAfter = int((d + time.Second - 1) / time.Second)
	}
	sendError(c, e)
}
