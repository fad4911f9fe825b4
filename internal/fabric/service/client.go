package service

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvmfabric/kvmfabric/internal/config"
	"github.com/kvmfabric/kvmfabric/internal/fabric/bus"
	"github.com/kvmfabric/kvmfabric/internal/fabric/cert"
	"github.com/kvmfabric/kvmfabric/internal/fabric/clientconn"
	"github.com/kvmfabric/kvmfabric/internal/fabric/clients"
	"github.com/kvmfabric/kvmfabric/internal/fabric/exchange"
	"github.com/kvmfabric/kvmfabric/internal/fabric/iface"
	"github.com/kvmfabric/kvmfabric/internal/fabric/message"
	"github.com/kvmfabric/kvmfabric/internal/fabric/streamhandler"
	"github.com/kvmfabric/kvmfabric/internal/logger"
	"github.com/kvmfabric/kvmfabric/internal/metrics"
)

// ClientCollaborators bundles the out-of-scope OS backends a running Client
// needs to inject activity received from the server.
type ClientCollaborators struct {
	MouseSink      iface.MouseSink
	KeyboardSink   iface.KeyboardSink
	ClipboardSink  iface.ClipboardSink
	ClipboardSource iface.ClipboardSource

	CACertPEM []byte // trust anchor, typically obtained via cert.Client.Receive
}

// Client is the client-role top-level service: one dial loop, one bus, and
// one ClientHandler per enabled stream kind.
type Client struct {
	cfg    config.ClientConfig
	collab ClientCollaborators

	bus     *bus.Bus
	metrics *metrics.Registry
	conn    *clientconn.Handler

	mouse     *streamhandler.ClientHandler
	keyboard  *streamhandler.ClientHandler
	clipboard *streamhandler.ClientHandler

	mu      sync.Mutex
	curConn connectionView

	debugSrv *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient builds a Client from its persisted configuration, ready to Run.
func NewClient(cfg config.ClientConfig, collab ClientCollaborators) *Client {
	b := bus.New()
	metricsReg := metrics.NewRegistry()

	c := &Client{
		cfg:     cfg,
		collab:  collab,
		bus:     b,
		metrics: metricsReg,
	}

	var tlsCfg = tlsClientConfig(collab.CACertPEM)

	streams := enabledStreamKinds(cfg.StreamsEnabled)
	c.conn = clientconn.New(clientconn.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		Hostname:           cfg.Hostname,
		Streams:            streams,
		SSL:                cfg.SSL,
		TLSClientConfig:    tlsCfg,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		MaxHeartbeatMisses: cfg.MaxHeartbeatMisses,
		MaxChunk:           cfg.MaxChunk,
		MaxErrors:          cfg.MaxErrors,
		AutoReconnect:      cfg.AutoReconnect,
		ReconnectionDelay:  cfg.ReconnectionDelay,
	}, b, metricsReg, clientconn.Callbacks{
		Connected:         c.onConnected,
		Disconnected:      c.onDisconnected,
		StreamReconnected: c.onStreamReconnected,
		CommandReceived:   c.onCommandReceived,
	})

	exCfg := exchange.Config{
		MaxChunk:          cfg.MaxChunk,
		AutoChunk:         true,
		ReceiveBuffer:     cfg.MaxChunk,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}
	if cfg.StreamsEnabled["mouse"] {
		c.mouse = streamhandler.NewClientHandler(clients.Mouse, cfg.Hostname, true, b, exCfg, metricsReg, "client:mouse")
	}
	if cfg.StreamsEnabled["keyboard"] {
		c.keyboard = streamhandler.NewClientHandler(clients.Keyboard, cfg.Hostname, true, b, exCfg, metricsReg, "client:keyboard")
	}
	if cfg.StreamsEnabled["clipboard"] {
		c.clipboard = streamhandler.NewClientHandler(clients.Clipboard, cfg.Hostname, false, b, exCfg, metricsReg, "client:clipboard")
	}

	return c
}

// Run starts the dial loop, every enabled stream handler, and the clipboard
// source pump, blocking until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.mouse != nil {
		c.mouse.Start(runCtx)
	}
	if c.keyboard != nil {
		c.keyboard.Start(runCtx)
		c.keyboard.RegisterReceiveCallback(c.onKeyboardReceived)
	}
	if c.mouse != nil {
		c.mouse.RegisterReceiveCallback(c.onMouseReceived)
	}
	if c.clipboard != nil {
		c.clipboard.Start(runCtx)
		c.clipboard.RegisterReceiveCallback(c.onClipboardReceived)
	}

	if c.collab.ClipboardSource != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pumpClipboardSource(runCtx)
		}()
	}

	if c.cfg.MetricsAddr != "" {
		c.startDebugListener()
	}

	c.conn.Run(runCtx)
	if c.debugSrv != nil {
		c.debugSrv.Close()
	}
	c.wg.Wait()
}

// startDebugListener mirrors Server.startDebugListener: serves the client's
// own metrics registry on "/metrics" when a debug address is configured.
func (c *Client) startDebugListener() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.metrics.Gatherer(), promhttp.HandlerOpts{}))
	c.debugSrv = &http.Server{Addr: c.cfg.MetricsAddr, Handler: mux}

	ln, err := net.Listen("tcp", c.cfg.MetricsAddr)
	if err != nil {
		logger.Logger().Error("metrics listener failed to bind", "addr", c.cfg.MetricsAddr, "error", err)
		c.debugSrv = nil
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.debugSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Logger().Error("metrics listener stopped", "error", err)
		}
	}()
}

// Stop cancels the dial loop and every stream handler.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.mouse != nil {
		c.mouse.Close()
	}
	if c.keyboard != nil {
		c.keyboard.Close()
	}
	if c.clipboard != nil {
		c.clipboard.Close()
	}
	if c.debugSrv != nil {
		c.debugSrv.Close()
	}
}

// ReceiveCertificate dials a server's cert-sharing listener to obtain its CA
// certificate (§4.6), for operators bootstrapping trust before Run's
// TLS-upgraded streams can be dialed.
func ReceiveCertificate(otp, addr string, timeout time.Duration) ([]byte, error) {
	client := cert.NewClient(timeout)
	return client.Receive(otp, addr)
}

func (c *Client) onConnected(pos clients.ScreenPosition, streams map[clients.StreamKind]*clients.StreamPair) {
	conn := newConnectionView(streams)
	c.mu.Lock()
	c.curConn = conn
	c.mu.Unlock()

	if c.mouse != nil {
		c.mouse.SetConnection(conn)
	}
	if c.keyboard != nil {
		c.keyboard.SetConnection(conn)
	}
	if c.clipboard != nil {
		c.clipboard.SetConnection(conn)
	}
	logger.WithClient(logger.Logger(), c.cfg.Hostname, string(pos)).Info("connected to server")
}

func (c *Client) onDisconnected() {
	c.mu.Lock()
	c.curConn = nil
	c.mu.Unlock()
	c.bus.Dispatch(bus.Event{Type: bus.ClientInactive, Data: nil})
}

func (c *Client) onStreamReconnected(kinds []clients.StreamKind) {
	c.mu.Lock()
	conn := c.curConn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if c.mouse != nil {
		c.mouse.SetConnection(conn)
	}
	if c.keyboard != nil {
		c.keyboard.SetConnection(conn)
	}
	if c.clipboard != nil {
		c.clipboard.SetConnection(conn)
	}
}

// onCommandReceived translates an incoming "screen" active/inactive notice
// (written directly onto the Command socket by the server's service layer,
// see server.go's sendScreenNotice) into the local ClientActive/
// ClientInactive bus events the client-side stream handlers already react
// to — the client-side half of the §4.7 glue the service layer owns.
func (c *Client) onCommandReceived(msg *message.ProtocolMessage) {
	if msg.MessageType != message.TypeScreen {
		return
	}
	active, _ := msg.Payload["active"].(bool)
	if active {
		c.bus.Dispatch(bus.Event{Type: bus.ClientActive, Data: nil})
	} else {
		c.bus.Dispatch(bus.Event{Type: bus.ClientInactive, Data: nil})
	}
}

func (c *Client) onMouseReceived(msg *message.ProtocolMessage) {
	if c.collab.MouseSink == nil {
		return
	}
	c.collab.MouseSink.Inject(iface.MouseEvent{
		X: asFloat(msg.Payload["x"]), Y: asFloat(msg.Payload["y"]),
		DX: asFloat(msg.Payload["dx"]), DY: asFloat(msg.Payload["dy"]),
		Button:    asString(msg.Payload["button"]),
		Action:    iface.MouseAction(asString(msg.Payload["action"])),
		IsPressed: asBool(msg.Payload["is_pressed"]),
	})
}

func (c *Client) onKeyboardReceived(msg *message.ProtocolMessage) {
	if c.collab.KeyboardSink == nil {
		return
	}
	c.collab.KeyboardSink.Inject(iface.KeyboardEvent{
		Key:    asString(msg.Payload["key"]),
		Action: iface.KeyboardAction(asString(msg.Payload["action"])),
	})
}

func (c *Client) onClipboardReceived(msg *message.ProtocolMessage) {
	if c.collab.ClipboardSink == nil {
		return
	}
	c.collab.ClipboardSink.Inject(iface.ClipboardEvent{
		Content:     asString(msg.Payload["content"]),
		ContentType: asString(msg.Payload["content_type"]),
	})
}

func (c *Client) pumpClipboardSource(ctx context.Context) {
	ch := c.collab.ClipboardSource.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if c.clipboard != nil {
				c.clipboard.Send(ctx, clipboardEventPayload(e))
			}
		}
	}
}

func enabledStreamKinds(enabled map[string]bool) []clients.StreamKind {
	kinds := []clients.StreamKind{clients.Command}
	order := []struct {
		name string
		kind clients.StreamKind
	}{
		{"mouse", clients.Mouse},
		{"keyboard", clients.Keyboard},
		{"clipboard", clients.Clipboard},
		{"file", clients.File},
	}
	for _, o := range order {
		if enabled[o.name] {
			kinds = append(kinds, o.kind)
		}
	}
	return kinds
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
