package clientconn

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/kvmfabric/kvmfabric/internal/fabric/bus"
	"github.com/kvmfabric/kvmfabric/internal/fabric/clients"
	"github.com/kvmfabric/kvmfabric/internal/fabric/serverconn"
)

func waitForServerAddr(t *testing.T, h *serverconn.Handler) string {
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

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}
	return host, port
}

func TestClientHandshakeHappyPathWithSecondaryStream(t *testing.T) {
	manager := clients.NewManager([]clients.AuthorizedClient{
		{UID: "alpha", Hostname: "alpha.local", ScreenPosition: clients.Top},
	})
	serverBus := bus.New()

	serverConnected := make(chan struct{}, 1)
	srv := serverconn.New(serverconn.Config{Host: "127.0.0.1", Port: 0, HeartbeatInterval: time.Hour, MaxChunk: 1024}, manager, serverBus, nil, serverconn.Callbacks{
		Connected: func(*clients.ClientRecord, map[clients.StreamKind]*clients.StreamPair) { serverConnected <- struct{}{} },
	})

	srvCtx, srvCancel := context.WithCancel(context.Background())
	defer srvCancel()
	go srv.Serve(srvCtx)
	addr := waitForServerAddr(t, srv)
	host, port := splitHostPort(t, addr)

	clientBus := bus.New()
	clientConnected := make(chan map[clients.StreamKind]*clients.StreamPair, 1)
	cli := New(Config{
		Host:              host,
		Port:              port,
		Hostname:          "alpha.local",
		Streams:           []clients.StreamKind{clients.Command, clients.Mouse},
		ScreenResolution:  "1920x1080",
		HeartbeatInterval: time.Hour,
		MaxChunk:          1024,
	}, clientBus, nil, Callbacks{
		Connected: func(pos clients.ScreenPosition, streams map[clients.StreamKind]*clients.StreamPair) {
			clientConnected <- streams
		},
	})

	cliCtx, cliCancel := context.WithCancel(context.Background())
	defer cliCancel()
	go cli.Run(cliCtx)

	select {
	case <-serverConnected:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for server-side Connected callback")
	}

	select {
	case streams := <-clientConnected:
		if _, ok := streams[clients.Command]; !ok {
			t.Fatalf("expected Command stream in client Connected callback, got %+v", streams)
		}
		if _, ok := streams[clients.Mouse]; !ok {
			t.Fatalf("expected Mouse stream in client Connected callback, got %+v", streams)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for client-side Connected callback")
	}

	if !cli.IsConnected() {
		t.Fatalf("expected client handler to report connected")
	}
	if cli.currentPosition() != clients.Top {
		t.Fatalf("expected client to adopt server-assigned position %q, got %q", clients.Top, cli.currentPosition())
	}
}

func TestDialStreamSkipsTLSForCommandKindEvenWithSSLEnabled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	host, port := splitHostPort(t, ln.Addr().String())
	h := New(Config{
		Host:            host,
		Port:            port,
		SSL:             true,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}, bus.New(), nil, Callbacks{})

	// A plain (non-TLS) listener accepts the Command dial; if dialStream
	// wrongly attempted a TLS handshake on it, this would time out instead
	// of returning a plain net.Conn.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pair, err := h.dialStream(ctx, clients.Command)
	if err != nil {
		t.Fatalf("dialStream(Command): %v", err)
	}
	defer pair.Close()
}

func TestRunTerminatesWhenAutoReconnectDisabledAndErrorsExceedMax(t *testing.T) {
	h := New(Config{
		Host:      "127.0.0.1",
		Port:      1, // nothing listens here; every dial attempt fails fast
		MaxErrors: 2,
	}, bus.New(), nil, Callbacks{})

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		h.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected Run to terminate after exceeding MaxErrors with auto-reconnect disabled")
	}
}
