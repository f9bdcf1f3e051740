// Package transport adapts WebSocket sessions to the exchange's frame
// transport contract: JSON text messages in, JSON text messages out, with
// a per-connection write queue so the router never blocks on a slow peer.
package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/systemx/systemx/internal/exchange"
	"github.com/systemx/systemx/internal/protocol"
)

const (
	// writeQueueSize bounds the outbound frame queue per connection. A full
	// queue drops frames; the heartbeat sweep eventually evicts peers that
	// stopped draining.
	writeQueueSize = 64

	// writeTimeout bounds a single websocket write.
	writeTimeout = 10 * time.Second
)

// Handler upgrades HTTP requests to WebSocket sessions and pumps frames
// into the router.
type Handler struct {
	router   *exchange.Router
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler creates the /ws endpoint handler.
func NewHandler(router *exchange.Router, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from anywhere; the exchange carries no origin
			// trust of its own.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: logger.With("component", "transport"),
	}
}

// ServeHTTP upgrades the request and runs the session's read loop until the
// socket dies or the router disconnects it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	t := newWSTransport(ws, h.log)
	go t.writePump()

	conn := h.router.Connect(t)
	h.readPump(conn, t)
}

// readPump decodes inbound frames and hands them to the router. Malformed
// JSON closes the connection with a protocol error before the router ever
// sees the frame.
func (h *Handler) readPump(conn *exchange.Connection, t *wsTransport) {
	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			h.router.Disconnect(conn, protocol.ReasonPeerDisconnected)
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			h.log.Warn("malformed frame", "remote", t.RemoteAddr(), "error", err)
			t.Close(websocket.CloseProtocolError, "malformed frame")
			h.router.Disconnect(conn, protocol.ReasonPeerDisconnected)
			return
		}
		h.router.HandleFrame(conn, frame)
	}
}

// wsTransport is one websocket session behind the exchange.Transport
// contract. Send enqueues; a single writer goroutine owns the socket's
// write side.
type wsTransport struct {
	ws  *websocket.Conn
	out chan []byte
	log *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSTransport(ws *websocket.Conn, logger *slog.Logger) *wsTransport {
	return &wsTransport{
		ws:     ws,
		out:    make(chan []byte, writeQueueSize),
		log:    logger,
		closed: make(chan struct{}),
	}
}

var errQueueFull = errors.New("write queue full")

// Send queues an outbound frame. It never blocks: a peer that stopped
// draining loses frames and is evicted by the heartbeat sweep.
func (t *wsTransport) Send(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	select {
	case t.out <- data:
		return nil
	default:
		return errQueueFull
	}
}

// Close sends a close control frame with the given application code and
// tears the socket down. Safe to call more than once.
func (t *wsTransport) Close(code int, reason string) {
	t.closeOnce.Do(func() {
		close(t.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(writeTimeout)
		if err := t.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			t.log.Debug("close control write failed", "remote", t.RemoteAddr(), "error", err)
		}
		t.ws.Close()
	})
}

// RemoteAddr describes the peer for logging.
func (t *wsTransport) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}

// writePump drains the outbound queue onto the socket, serialising frames
// per destination in emission order.
func (t *wsTransport) writePump() {
	for {
		select {
		case <-t.closed:
			return
		case data := <-t.out:
			t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				t.log.Debug("websocket write failed", "remote", t.RemoteAddr(), "error", err)
				return
			}
		}
	}
}
