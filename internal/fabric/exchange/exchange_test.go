package exchange

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kvmfabric/kvmfabric/internal/fabric/message"
)

func testConfig() Config {
	return Config{
		MaxChunk:          64,
		AutoChunk:         true,
		AutoDispatch:      false,
		ReceiveBuffer:     256,
		HeartbeatInterval: 50 * time.Millisecond,
	}
}

type recordingTransport struct {
	mu    sync.Mutex
	sent  [][]byte
	sends []string // transport ids in send order, for deterministic-order assertions
}

func (rt *recordingTransport) send(id string) SendFunc {
	return func(frame []byte) error {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		cp := make([]byte, len(frame))
		copy(cp, frame)
		rt.sent = append(rt.sent, cp)
		rt.sends = append(rt.sends, id)
		return nil
	}
}

func noopRecv(buf []byte) (int, error) { return 0, nil }

func TestSendReturnsErrMissingTransport(t *testing.T) {
	ex := New(testConfig(), nil, "conn-1")
	err := ex.Send(message.New(message.TypeMouse, "client", nil))
	if err != ErrMissingTransport {
		t.Fatalf("expected ErrMissingTransport, got %v", err)
	}
}

func TestRegisterAndRemoveTransport(t *testing.T) {
	ex := New(testConfig(), nil, "conn-1")
	rt := &recordingTransport{}
	if err := ex.RegisterTransport("top", rt.send("top"), noopRecv); err != nil {
		t.Fatalf("RegisterTransport: %v", err)
	}
	if ex.TransportCount() != 1 {
		t.Fatalf("expected 1 transport, got %d", ex.TransportCount())
	}
	ex.RemoveTransport("top")
	if ex.TransportCount() != 0 {
		t.Fatalf("expected 0 transports after remove, got %d", ex.TransportCount())
	}
}

func TestSendMulticastSetsTargetPerTransport(t *testing.T) {
	cfg := testConfig()
	cfg.Multicast = true
	cfg.AutoChunk = false
	ex := New(cfg, nil, "conn-1")

	rt := &recordingTransport{}
	if err := ex.RegisterTransport("top", rt.send("top"), noopRecv); err != nil {
		t.Fatalf("RegisterTransport top: %v", err)
	}
	if err := ex.RegisterTransport("bottom", rt.send("bottom"), noopRecv); err != nil {
		t.Fatalf("RegisterTransport bottom: %v", err)
	}

	if err := ex.Send(message.New(message.TypeClipboard, "server", map[string]any{"text": "hi"})); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.sent) != 2 {
		t.Fatalf("expected one frame per transport, got %d", len(rt.sent))
	}
	if rt.sends[0] != "top" || rt.sends[1] != "bottom" {
		t.Fatalf("expected deterministic registry order top,bottom, got %v", rt.sends)
	}
}

func TestSendAutoChunksOversizedMessage(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChunk = 8
	ex := New(cfg, nil, "conn-1")

	rt := &recordingTransport{}
	if err := ex.RegisterTransport(DefaultTransportID, rt.send(DefaultTransportID), noopRecv); err != nil {
		t.Fatalf("RegisterTransport: %v", err)
	}

	payload := map[string]any{"content": strings.Repeat("x", 500)}
	if err := ex.Send(message.New(message.TypeFile, "client", payload)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rt.mu.Lock()
	n := len(rt.sent)
	rt.mu.Unlock()
	if n < 2 {
		t.Fatalf("expected the oversized message to be split into multiple frames, got %d", n)
	}

	parser := message.NewParser(cfg.MaxChunk)
	rt.mu.Lock()
	for _, frame := range rt.sent {
		parser.Feed(frame)
	}
	rt.mu.Unlock()

	chunkCount := 0
	for {
		msg, ok, err := parser.Next()
		if err != nil {
			t.Fatalf("parser.Next: %v", err)
		}
		if !ok {
			break
		}
		if !msg.IsChunk {
			t.Fatalf("expected every frame to be a chunk, got non-chunk message")
		}
		chunkCount++
	}
	if chunkCount != n {
		t.Fatalf("expected %d decodable chunk frames, got %d", n, chunkCount)
	}
}

func TestHandleDecodedDiscardsHeartbeat(t *testing.T) {
	ex := New(testConfig(), nil, "conn-1")
	ex.handleDecoded(message.New(message.TypeHeartbeat, "server", nil))

	select {
	case m := <-ex.queue:
		t.Fatalf("expected heartbeat to be discarded, got %+v", m)
	default:
	}
}

func TestHandleDecodedQueuesWhenManual(t *testing.T) {
	ex := New(testConfig(), nil, "conn-1")
	want := message.New(message.TypeKeyboard, "server", map[string]any{"key": "a"})
	ex.handleDecoded(want)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := ex.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.MessageType != message.TypeKeyboard {
		t.Fatalf("expected keyboard message, got %v", got.MessageType)
	}
}

func TestHandleDecodedAutoDispatchRoutesHandler(t *testing.T) {
	cfg := testConfig()
	cfg.AutoDispatch = true
	ex := New(cfg, nil, "conn-1")

	received := make(chan *message.ProtocolMessage, 1)
	ex.RegisterHandler(message.TypeMouse, func(m *message.ProtocolMessage) {
		received <- m
	})

	ex.handleDecoded(message.New(message.TypeMouse, "server", map[string]any{"x": 1.0, "y": 2.0}))

	select {
	case m := <-received:
		if m.MessageType != message.TypeMouse {
			t.Fatalf("expected mouse message, got %v", m.MessageType)
		}
	default:
		t.Fatalf("expected the registered handler to be invoked synchronously")
	}
}

func TestHandleDecodedReassemblesChunkedMessage(t *testing.T) {
	ex := New(testConfig(), nil, "conn-1")

	original := message.New(message.TypeFile, "client", map[string]any{"content": strings.Repeat("y", 300)})
	chunks, err := message.Split(original, 32)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if chunks == nil {
		t.Fatalf("expected Split to produce chunks for a 300-byte payload at max_chunk=32")
	}

	// Feed out of order to exercise index-addressed slot assignment.
	for i := len(chunks) - 1; i >= 0; i-- {
		ex.handleDecoded(chunks[i])
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := ex.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.IsChunk {
		t.Fatalf("expected the reassembled message to no longer be marked as a chunk")
	}
	if got.Payload["content"] != original.Payload["content"] {
		t.Fatalf("reassembled payload does not match original")
	}
}

func TestSweepEvictsExpiredPartialReassembly(t *testing.T) {
	ex := New(testConfig(), nil, "conn-1")

	original := message.New(message.TypeFile, "client", map[string]any{"content": strings.Repeat("z", 300)})
	chunks, err := message.Split(original, 32)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	// Feed only the first chunk so the reassembly stays pending.
	ex.handleDecoded(chunks[0])

	if len(ex.reassembler.PendingIDs()) != 1 {
		t.Fatalf("expected one pending reassembly before sweep")
	}

	ex.mu.Lock()
	for id := range ex.deadlines {
		ex.deadlines[id] = time.Now().Add(-time.Second)
	}
	ex.mu.Unlock()

	ex.sweepOnce()

	if len(ex.reassembler.PendingIDs()) != 0 {
		t.Fatalf("expected the expired partial reassembly to be evicted")
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	ex := New(testConfig(), nil, "conn-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ex.Start(ctx)
	ex.Start(ctx) // second Start must be a no-op, not a second pair of goroutines
	ex.Stop()
	ex.Stop() // second Stop must not panic or block
}
