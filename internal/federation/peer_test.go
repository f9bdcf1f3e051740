package federation

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/systemx/systemx/internal/exchange"
	"github.com/systemx/systemx/internal/protocol"
)

// fakeParent is a minimal upstream exchange: it accepts one link, confirms
// the child's REGISTER_PBX, records everything else it receives, and lets
// the test inject frames down the link.
type fakeParent struct {
	srv *httptest.Server

	mu       sync.Mutex
	ws       *websocket.Conn
	received []protocol.Frame
	linked   chan struct{}
	linkOnce sync.Once
}

func newFakeParent(tb testing.TB) *fakeParent {
	p := &fakeParent{linked: make(chan struct{})}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.ws = ws
		p.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			switch f.Type() {
			case protocol.TypeRegisterPBX:
				domain, _ := f.Str("domain")
				p.send(protocol.RegisteredPBX(domain))
				p.record(f)
				p.linkOnce.Do(func() { close(p.linked) })
			case protocol.TypeHeartbeat:
				p.send(protocol.HeartbeatAck(time.Now().UnixMilli()))
				p.record(f)
			default:
				p.record(f)
			}
		}
	}))
	tb.Cleanup(p.srv.Close)
	return p
}

func (p *fakeParent) record(f protocol.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, f)
}

func (p *fakeParent) send(f protocol.Frame) {
	data, _ := f.Encode()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ws.WriteMessage(websocket.TextMessage, data)
}

func (p *fakeParent) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

// frameOfType returns the first recorded frame of the given type.
func (p *fakeParent) frameOfType(frameType string) (protocol.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.received {
		if f.Type() == frameType {
			return f, true
		}
	}
	return protocol.Frame{}, false
}

func (p *fakeParent) waitFor(tb testing.TB, frameType string) protocol.Frame {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if f, ok := p.frameOfType(frameType); ok {
			return f
		}
		if time.Now().After(deadline) {
			tb.Fatalf("parent never received %s", frameType)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// recordingTransport stands in for a local agent's websocket.
type recordingTransport struct {
	mu     sync.Mutex
	frames []protocol.Frame
	closed bool
}

func (t *recordingTransport) Send(f protocol.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, f)
	return nil
}

func (t *recordingTransport) Close(int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *recordingTransport) RemoteAddr() string { return "local" }

func (t *recordingTransport) waitFor(tb testing.TB, frameType string) protocol.Frame {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		t.mu.Lock()
		for _, f := range t.frames {
			if f.Type() == frameType {
				t.mu.Unlock()
				return f
			}
		}
		t.mu.Unlock()
		if time.Now().After(deadline) {
			tb.Fatalf("agent never received %s", frameType)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nullWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func startLink(tb testing.TB, router *exchange.Router, parent *fakeParent) {
	tb.Helper()
	peer := NewPeer(Config{
		URL:               parent.url(),
		PeerID:            "hq.example",
		LocalDomain:       "branch.example",
		Routes:            []string{"*@hq.example"},
		AnnounceRoutes:    []string{"*@branch.example"},
		AuthToken:         "tok-123",
		ReconnectDelay:    50 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
	}, router, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.Run(ctx)
	}()
	tb.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			tb.Error("peer did not stop")
		}
	})

	select {
	case <-parent.linked:
	case <-time.After(2 * time.Second):
		tb.Fatal("link never established")
	}
}

func TestLinkAnnouncesRoutes(t *testing.T) {
	parent := newFakeParent(t)
	router := exchange.NewRouter(exchange.Config{}, nil, nil, quietLogger())
	startLink(t, router, parent)

	announce := parent.waitFor(t, protocol.TypeRegisterPBX)
	if domain, _ := announce.Str("domain"); domain != "branch.example" {
		t.Errorf("announced domain = %q", domain)
	}
	routes, _ := announce.StrSlice("routes")
	if len(routes) != 1 || routes[0] != "*@branch.example" {
		t.Errorf("announced routes = %v", routes)
	}
	if auth, _ := announce.Str("auth"); auth != "tok-123" {
		t.Errorf("auth = %q", auth)
	}

	// The parent is spliced in locally as a peer connection.
	deadline := time.Now().Add(2 * time.Second)
	for router.Stats().RegisteredPeers != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("registered peers = %d, want 1", router.Stats().RegisteredPeers)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLinkHeartbeats(t *testing.T) {
	parent := newFakeParent(t)
	router := exchange.NewRouter(exchange.Config{}, nil, nil, quietLogger())
	startLink(t, router, parent)

	parent.waitFor(t, protocol.TypeHeartbeat)
}

func TestInboundRelayedCall(t *testing.T) {
	parent := newFakeParent(t)
	router := exchange.NewRouter(exchange.Config{}, nil, nil, quietLogger())

	agentTr := &recordingTransport{}
	agent := router.Connect(agentTr)
	router.HandleFrame(agent, protocol.Frame{"type": "REGISTER", "address": "sales@branch.example"})

	startLink(t, router, parent)

	// The parent relays a dial from a remote agent toward the local one.
	parent.send(protocol.DialRelay("sales@branch.example", "remote@hq.example", "relay-1", nil))

	ring := agentTr.waitFor(t, protocol.TypeRing)
	if from, _ := ring.Str("from"); from != "remote@hq.example" {
		t.Errorf("RING from = %q", from)
	}
	if id, _ := ring.Str("call_id"); id != "relay-1" {
		t.Errorf("RING call_id = %q, want the relayed ID", id)
	}

	// Answering sends CONNECTED back up the link.
	router.HandleFrame(agent, protocol.Frame{"type": "ANSWER", "call_id": "relay-1"})
	connected := parent.waitFor(t, protocol.TypeConnected)
	if id, _ := connected.Str("call_id"); id != "relay-1" {
		t.Errorf("CONNECTED call_id = %q", id)
	}

	// In-call traffic flows both ways across the link.
	parent.send(protocol.Frame{
		"type":    "MSG",
		"call_id": "relay-1",
		"from":    "remote@hq.example",
		"data":    "hello branch",
	})
	msg := agentTr.waitFor(t, protocol.TypeMsg)
	if msg["data"] != "hello branch" {
		t.Errorf("MSG data = %v", msg["data"])
	}
}

func TestStalledLinkDoesNotBlockSend(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	stall := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-stall
	}))
	defer srv.Close()
	defer close(stall)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	// No writer goroutine draining the queue: Send must still return
	// immediately, overflow included.
	tr := newPeerTransport(ws, quietLogger())
	done := make(chan error, 1)
	go func() {
		var last error
		for i := 0; i < writeQueueSize+1; i++ {
			last = tr.Send(protocol.Heartbeat())
		}
		done <- last
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("overflowing Send reported no error")
		}
	case <-time.After(time.Second):
		t.Fatal("Send blocked with no writer draining the socket")
	}
}

func TestOutboundRelayedDial(t *testing.T) {
	parent := newFakeParent(t)
	router := exchange.NewRouter(exchange.Config{}, nil, nil, quietLogger())

	agentTr := &recordingTransport{}
	agent := router.Connect(agentTr)
	router.HandleFrame(agent, protocol.Frame{"type": "REGISTER", "address": "sales@branch.example"})

	startLink(t, router, parent)

	// Dialing an address only the parent can reach forwards up the link.
	router.HandleFrame(agent, protocol.Frame{"type": "DIAL", "to": "boss@hq.example"})

	fwd := parent.waitFor(t, protocol.TypeDial)
	if to, _ := fwd.Str("to"); to != "boss@hq.example" {
		t.Errorf("forwarded to = %q", to)
	}
	if from, _ := fwd.Str("from"); from != "sales@branch.example" {
		t.Errorf("forwarded from = %q", from)
	}
	callID, _ := fwd.Str("call_id")
	if callID == "" {
		t.Fatal("forwarded DIAL has no call_id")
	}

	// The remote callee answers; the local caller gets CONNECTED.
	parent.send(protocol.Connected(callID, "boss@hq.example"))
	connected := agentTr.waitFor(t, protocol.TypeConnected)
	if id, _ := connected.Str("call_id"); id != callID {
		t.Errorf("caller call_id = %q, want %q", id, callID)
	}
}
