package serverconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kvmfabric/kvmfabric/internal/fabric/bus"
	"github.com/kvmfabric/kvmfabric/internal/fabric/clients"
	"github.com/kvmfabric/kvmfabric/internal/fabric/message"
)

func readMessage(t *testing.T, conn net.Conn, timeout time.Duration) *message.ProtocolMessage {
	t.Helper()
	parser := message.NewParser(1024)
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	for {
		if msg, ok, err := parser.Next(); err == nil && ok {
			return msg
		}
		if time.Now().After(deadline) {
			t.Fatalf("readMessage: timed out waiting for a frame")
		}
		conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
			continue
		}
		if err != nil {
			t.Fatalf("readMessage: %v", err)
		}
	}
}

func sendMessage(t *testing.T, conn net.Conn, msg *message.ProtocolMessage) {
	t.Helper()
	frame, err := message.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func waitForAddr(t *testing.T, h *Handler) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := h.Addr(); addr != nil {
			return addr.String()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("server never bound a listener")
	return ""
}

func TestHandshakeHappyPathWithSecondaryStream(t *testing.T) {
	manager := clients.NewManager([]clients.AuthorizedClient{
		{UID: "alpha", Hostname: "alpha.local", ScreenPosition: clients.Top},
	})
	b := bus.New()

	connected := make(chan map[clients.StreamKind]*clients.StreamPair, 1)
	h := New(Config{Host: "127.0.0.1", Port: 0, HeartbeatInterval: time.Hour, MaxChunk: 1024}, manager, b, nil, Callbacks{
		Connected: func(rec *clients.ClientRecord, streams map[clients.StreamKind]*clients.StreamPair) {
			connected <- streams
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx)
	addr := waitForAddr(t, h)

	commandConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial command stream: %v", err)
	}
	defer commandConn.Close()

	greeting := readMessage(t, commandConn, 2*time.Second)
	if greeting.MessageType != message.TypeExchange {
		t.Fatalf("expected exchange greeting, got %v", greeting.MessageType)
	}
	if ack, _ := greeting.Payload["ack"].(bool); ack {
		t.Fatalf("expected server's opening greeting to carry ack=false")
	}

	sendMessage(t, commandConn, &message.ProtocolMessage{
		MessageType: message.TypeExchange,
		Source:      "alpha.local",
		Payload: map[string]any{
			"ack":               true,
			"streams":           []any{"mouse"},
			"screen_resolution": "1920x1080",
			"ssl":               false,
		},
	})

	ackResp := readMessage(t, commandConn, 2*time.Second)
	ack, _ := ackResp.Payload["ack"].(bool)
	if !ack {
		t.Fatalf("expected server ack=true response")
	}
	if pos, _ := ackResp.Payload["screen_position"].(string); pos != string(clients.Top) {
		t.Fatalf("expected assigned screen_position %q, got %q", clients.Top, pos)
	}

	mouseConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial mouse stream: %v", err)
	}
	defer mouseConn.Close()

	select {
	case streams := <-connected:
		if _, ok := streams[clients.Command]; !ok {
			t.Fatalf("expected Command stream in connected callback, got %+v", streams)
		}
		if _, ok := streams[clients.Mouse]; !ok {
			t.Fatalf("expected Mouse stream in connected callback, got %+v", streams)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for Connected callback")
	}

	rec, ok := manager.ByUID("alpha")
	if !ok {
		t.Fatalf("expected client record to be registered")
	}
	if !rec.Connected() {
		t.Fatalf("expected client record to be marked connected")
	}
	if rec.Position() != clients.Top {
		t.Fatalf("expected position %q, got %q", clients.Top, rec.Position())
	}
}

func TestDispatchRejectsConcurrentReconnectFromSamePeer(t *testing.T) {
	manager := clients.NewManager([]clients.AuthorizedClient{
		{UID: "beta", Hostname: "beta.local", ScreenPosition: clients.Bottom},
	})
	b := bus.New()
	connected := make(chan struct{}, 1)
	h := New(Config{Host: "127.0.0.1", Port: 0, HeartbeatInterval: time.Hour, MaxChunk: 1024}, manager, b, nil, Callbacks{
		Connected: func(*clients.ClientRecord, map[clients.StreamKind]*clients.StreamPair) { connected <- struct{}{} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx)
	addr := waitForAddr(t, h)

	commandConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer commandConn.Close()

	readMessage(t, commandConn, 2*time.Second) // opening ack=false greeting

	sendMessage(t, commandConn, &message.ProtocolMessage{
		MessageType: message.TypeExchange,
		Source:      "beta.local",
		Payload:     map[string]any{"ack": true, "streams": []any{}, "screen_resolution": "1x1", "ssl": false},
	})
	readMessage(t, commandConn, 2*time.Second) // server ack=true

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for initial connection")
	}

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := second.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected the second connection from an already-connected peer to be closed immediately, got n=%d err=%v", n, err)
	}
}

func TestPendingRegistryFIFOOrder(t *testing.T) {
	h := New(Config{}, clients.NewManager(nil), bus.New(), nil, Callbacks{})
	chMouse := h.registerPending("1.2.3.4", clients.Mouse)
	chClipboard := h.registerPending("1.2.3.4", clients.Clipboard)

	ch, kind, ok := h.popPending("1.2.3.4")
	if !ok || kind != clients.Mouse || ch != chMouse {
		t.Fatalf("expected FIFO pop to resolve Mouse first, got kind=%v ok=%v", kind, ok)
	}
	ch2, kind2, ok2 := h.popPending("1.2.3.4")
	if !ok2 || kind2 != clients.Clipboard || ch2 != chClipboard {
		t.Fatalf("expected second pop to resolve Clipboard, got kind=%v ok=%v", kind2, ok2)
	}
	if _, _, ok3 := h.popPending("1.2.3.4"); ok3 {
		t.Fatalf("expected no more pending entries")
	}
}

func TestCancelPendingRemovesEntry(t *testing.T) {
	h := New(Config{}, clients.NewManager(nil), bus.New(), nil, Callbacks{})
	h.registerPending("1.2.3.4", clients.Mouse)
	h.cancelPending("1.2.3.4", clients.Mouse)
	if _, _, ok := h.popPending("1.2.3.4"); ok {
		t.Fatalf("expected canceled entry to be gone")
	}
}

func TestHeartbeatCheckDisconnectsWhenCommandStreamClosed(t *testing.T) {
	manager := clients.NewManager(nil)
	rec, err := clients.NewClientRecord("alpha", "alpha.local", "", clients.Top)
	if err != nil {
		t.Fatalf("NewClientRecord: %v", err)
	}
	if err := manager.Add(rec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	b := bus.New()
	disconnectedEvents := 0
	b.Subscribe(bus.ClientDisconnected, func(bus.Event) { disconnectedEvents++ })

	serverSide, _ := net.Pipe()
	pair := clients.NewStreamPair(clients.Command, serverSide)
	pair.Close()

	clientConn := clients.NewClientConnection()
	clientConn.SetStream(clients.Command, pair)
	rec.Attach(clientConn, time.Now())

	disconnectedCallback := false
	h := New(Config{HeartbeatInterval: time.Second, MaxHeartbeatMisses: 2}, manager, b, nil, Callbacks{
		Disconnected: func(*clients.ClientRecord) { disconnectedCallback = true },
	})

	h.heartbeatCheck(context.Background(), rec)

	if rec.Connected() {
		t.Fatalf("expected client to be disconnected after a closed Command stream")
	}
	if disconnectedEvents != 1 {
		t.Fatalf("expected exactly one ClientDisconnected event, got %d", disconnectedEvents)
	}
	if !disconnectedCallback {
		t.Fatalf("expected the Disconnected callback to fire")
	}
}
