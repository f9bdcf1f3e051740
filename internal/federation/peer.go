// Package federation maintains the outbound link to a parent exchange. The
// link is spliced into the local router as a synthetic connection whose
// transport is the peer socket, so routing across the boundary is the same
// code path as routing to a local agent.
package federation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/systemx/systemx/internal/exchange"
	"github.com/systemx/systemx/internal/protocol"
)

// Config describes one parent link.
type Config struct {
	// URL is the parent exchange's websocket endpoint.
	URL string

	// PeerID names the parent in the locally injected REGISTER_PBX.
	PeerID string

	// LocalDomain is announced to the parent.
	LocalDomain string

	// Routes are the patterns the parent handles; they are installed on the
	// synthetic local connection so unknown dials matching them forward
	// upstream.
	Routes []string

	// AnnounceRoutes are the patterns this exchange announces to the parent.
	AnnounceRoutes []string

	// AuthToken, when set, rides along on the announcement. It is opaque at
	// this layer.
	AuthToken string

	// ReconnectDelay is the pause between link attempts. Default 5s.
	ReconnectDelay time.Duration

	// HeartbeatInterval paces keepalives toward the parent. Default 30s.
	HeartbeatInterval time.Duration
}

const (
	defaultReconnectDelay    = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	dialTimeout              = 10 * time.Second
	writeTimeout             = 10 * time.Second

	// writeQueueSize bounds outbound frames queued toward the parent. A full
	// queue drops frames; a stalled link dies on its own missed keepalives.
	writeQueueSize = 64
)

// Peer runs the parent link: connect, splice, relay, reconnect.
type Peer struct {
	cfg    Config
	router *exchange.Router
	log    *slog.Logger
}

// NewPeer creates a federation peer for the given parent.
func NewPeer(cfg Config, router *exchange.Router, logger *slog.Logger) *Peer {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{
		cfg:    cfg,
		router: router,
		log:    logger.With("component", "federation", "peer", cfg.PeerID),
	}
}

// Run keeps the parent link alive until the context is cancelled,
// reconnecting after the configured delay when the socket drops.
func (p *Peer) Run(ctx context.Context) {
	for {
		if err := p.session(ctx); err != nil {
			p.log.Warn("federation link lost", "url", p.cfg.URL, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.ReconnectDelay):
		}
	}
}

// session runs one connected lifetime of the link.
func (p *Peer) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, p.cfg.URL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer ws.Close()

	t := newPeerTransport(ws, p.log)
	go t.writePump()

	conn := p.router.Connect(t)
	defer p.router.Disconnect(conn, protocol.ReasonPeerDisconnected)

	// The local side sees the parent as a downstream announcing its routes.
	p.router.HandleFrame(conn, protocol.RegisterPBX(p.cfg.PeerID, p.cfg.Routes, p.cfg.URL, ""))

	// The parent sees this exchange announcing the routes it serves.
	if err := t.enqueue(protocol.RegisterPBX(p.cfg.LocalDomain, p.cfg.AnnounceRoutes, "internal", p.cfg.AuthToken)); err != nil {
		return err
	}
	p.log.Info("federation link established", "url", p.cfg.URL, "domain", p.cfg.LocalDomain)

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeatLoop(sessionCtx, t)
	}()
	defer wg.Wait()

	// Close the socket when the context ends so the read loop unblocks.
	go func() {
		<-sessionCtx.Done()
		ws.Close()
	}()

	return p.readLoop(conn, t)
}

// readLoop relays inbound frames into the local router, dropping the frame
// types that would loop back across the boundary.
func (p *Peer) readLoop(conn *exchange.Connection, t *peerTransport) error {
	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			p.log.Warn("malformed frame from parent", "error", err)
			continue
		}
		switch frame.Type() {
		case protocol.TypeRegisteredPBX, protocol.TypeRegisterPBXFailed, protocol.TypeRegisterFailed:
			// Link bookkeeping from the parent, not traffic.
		case protocol.TypeHeartbeatAck:
			p.router.Touch(conn)
		default:
			p.router.HandleFrame(conn, frame)
		}
	}
}

func (p *Peer) heartbeatLoop(ctx context.Context, t *peerTransport) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.enqueue(protocol.Heartbeat()); err != nil {
				p.log.Debug("federation heartbeat failed", "error", err)
				return
			}
		}
	}
}

// peerTransport exposes the parent socket as a local exchange.Transport.
// Outbound REGISTERED_PBX and ERROR frames are suppressed so the two
// routers cannot feed each other's bookkeeping back as traffic. Send
// enqueues; a single writer goroutine owns the socket's write side, so a
// stalled parent never blocks the router's dispatch lock.
type peerTransport struct {
	ws  *websocket.Conn
	out chan []byte
	log *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeerTransport(ws *websocket.Conn, logger *slog.Logger) *peerTransport {
	return &peerTransport{
		ws:     ws,
		out:    make(chan []byte, writeQueueSize),
		log:    logger,
		closed: make(chan struct{}),
	}
}

func (t *peerTransport) Send(f protocol.Frame) error {
	switch f.Type() {
	case protocol.TypeRegisteredPBX, protocol.TypeError:
		return nil
	}
	return t.enqueue(f)
}

// enqueue queues one frame for the writer goroutine without blocking.
func (t *peerTransport) enqueue(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	select {
	case <-t.closed:
		return errors.New("link closed")
	default:
	}
	select {
	case t.out <- data:
		return nil
	default:
		return errors.New("link write queue full")
	}
}

// writePump drains queued frames onto the socket in emission order. A failed
// write closes the socket so the read loop ends the session.
func (t *peerTransport) writePump() {
	for {
		select {
		case <-t.closed:
			return
		case data := <-t.out:
			t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				t.log.Debug("federation write failed", "error", err)
				t.ws.Close()
				return
			}
		}
	}
}

func (t *peerTransport) Close(code int, reason string) {
	t.closeOnce.Do(func() {
		close(t.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		t.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		t.ws.Close()
	})
}

func (t *peerTransport) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}
