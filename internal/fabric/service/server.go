// Package service wires the fabric's leaf packages (clients, bus, exchange,
// serverconn, clientconn, streamhandler, cert, metrics) into the two
// top-level roles named throughout spec.md: Server and Client. It is the
// "Event bus & glue" component of §2's system overview (§4.7): the only
// layer that both talks to the out-of-scope OS backends (internal/fabric/iface)
// and drives the in-scope network fabric.
//
// Grounded on teacher cmd/rtmp-server/main.go's wiring shape (construct one
// server.Config, start it, block on shutdown) generalized from one listener
// to the fabric's multi-handler composition.
package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvmfabric/kvmfabric/internal/config"
	"github.com/kvmfabric/kvmfabric/internal/fabric/bus"
	"github.com/kvmfabric/kvmfabric/internal/fabric/cert"
	"github.com/kvmfabric/kvmfabric/internal/fabric/clients"
	"github.com/kvmfabric/kvmfabric/internal/fabric/exchange"
	"github.com/kvmfabric/kvmfabric/internal/fabric/iface"
	"github.com/kvmfabric/kvmfabric/internal/fabric/message"
	"github.com/kvmfabric/kvmfabric/internal/fabric/serverconn"
	"github.com/kvmfabric/kvmfabric/internal/fabric/streamhandler"
	"github.com/kvmfabric/kvmfabric/internal/logger"
	"github.com/kvmfabric/kvmfabric/internal/metrics"
)

// ServerCollaborators bundles the out-of-scope OS backends and TLS material
// a running Server needs. Every field is optional; a nil source/sink simply
// means that stream kind carries no local traffic.
type ServerCollaborators struct {
	MouseSource     iface.MouseSource
	KeyboardSource  iface.KeyboardSource
	ClipboardSource iface.ClipboardSource
	ClipboardSink   iface.ClipboardSink
	EdgeDetector    iface.EdgeDetector

	TLSConfig *tls.Config // enables TLS upgrade of secondary streams, §4.3 step 7
	CAPEM     []byte      // this server's CA certificate, offered by ShareCertificate
}

// Server is the server-role top-level service: one listener, one client
// registry, and one stream handler per enabled StreamKind.
type Server struct {
	cfg    config.ServerConfig
	collab ServerCollaborators

	manager *clients.Manager
	bus     *bus.Bus
	metrics *metrics.Registry
	conn    *serverconn.Handler
	certSrv *cert.Server

	mouse     *streamhandler.ServerUnicastHandler
	keyboard  *streamhandler.ServerUnicastHandler
	clipboard *streamhandler.ServerMulticastHandler

	mu     sync.Mutex
	active clients.ScreenPosition

	debugSrv *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a Server from its persisted configuration, ready to Run.
func NewServer(cfg config.ServerConfig, collab ServerCollaborators) *Server {
	manager := clients.NewManager(cfg.AuthorizedClients)
	b := bus.New()
	metricsReg := metrics.NewRegistry()

	s := &Server{
		cfg:     cfg,
		collab:  collab,
		manager: manager,
		bus:     b,
		metrics: metricsReg,
		active:  clients.None,
	}

	s.conn = serverconn.New(serverconn.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		MaxHeartbeatMisses: cfg.MaxHeartbeatMisses,
		MaxChunk:           cfg.MaxChunk,
		TLSConfig:          collab.TLSConfig,
	}, manager, b, metricsReg, serverconn.Callbacks{
		Connected: s.onClientConnected,
	})

	exCfg := exchange.Config{
		MaxChunk:          cfg.MaxChunk,
		AutoChunk:         true,
		ReceiveBuffer:     cfg.MaxChunk,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}
	if cfg.StreamsEnabled["mouse"] {
		s.mouse = streamhandler.NewServerUnicastHandler(clients.Mouse, "server", manager, b, exCfg, metricsReg, "server:mouse")
	}
	if cfg.StreamsEnabled["keyboard"] {
		s.keyboard = streamhandler.NewServerUnicastHandler(clients.Keyboard, "server", manager, b, exCfg, metricsReg, "server:keyboard")
	}
	if cfg.StreamsEnabled["clipboard"] {
		s.clipboard = streamhandler.NewServerMulticastHandler(clients.Clipboard, "server", manager, b, exCfg, metricsReg, "server:clipboard")
	}

	if len(collab.CAPEM) > 0 {
		s.certSrv = cert.NewServer(collab.CAPEM, nil)
	}
	return s
}

// Run starts the listener, every enabled stream handler, and the event
// pumps bridging the OS collaborators to the fabric, blocking until ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.mouse != nil {
		s.mouse.Start(runCtx)
	}
	if s.keyboard != nil {
		s.keyboard.Start(runCtx)
	}
	if s.clipboard != nil {
		s.clipboard.Start(runCtx)
		s.clipboard.RegisterReceiveCallback(s.onClipboardReceived)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pumpSources(runCtx)
	}()

	if s.collab.EdgeDetector != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pumpEdgeDetector(runCtx)
		}()
	}

	if s.cfg.MetricsAddr != "" {
		s.startDebugListener()
	}

	err := s.conn.Serve(runCtx)
	cancel()
	if s.debugSrv != nil {
		s.debugSrv.Close()
	}
	s.wg.Wait()
	return err
}

// startDebugListener serves the registry's collectors on "/metrics" for
// scraping, matching the exporter shape used elsewhere in the ecosystem
// (promhttp.HandlerFor behind a plain http.Server). Bind failures are logged,
// not fatal: a process that can't open its debug port still runs the fabric.
func (s *Server) startDebugListener() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	s.debugSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}

	ln, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		logger.Logger().Error("metrics listener failed to bind", "addr", s.cfg.MetricsAddr, "error", err)
		s.debugSrv = nil
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.debugSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Logger().Error("metrics listener stopped", "error", err)
		}
	}()
}

// Stop cancels every background pump and closes the listener.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.conn.Close()
	if s.mouse != nil {
		s.mouse.Close()
	}
	if s.keyboard != nil {
		s.keyboard.Close()
	}
	if s.clipboard != nil {
		s.clipboard.Close()
	}
	if s.debugSrv != nil {
		s.debugSrv.Close()
	}
}

// Addr returns the bound listener address, or nil before Run has bound one.
func (s *Server) Addr() net.Addr { return s.conn.Addr() }

// ShareCertificate opens the OTP-gated certificate-sharing window (§4.6) for
// timeout and returns the freshly generated OTP for out-of-band display.
func (s *Server) ShareCertificate(addr string, timeout time.Duration) (string, error) {
	if s.certSrv == nil {
		return "", fmt.Errorf("service: no CA certificate configured for sharing")
	}
	return s.certSrv.Share(addr, timeout)
}

func (s *Server) onClientConnected(rec *clients.ClientRecord, streams map[clients.StreamKind]*clients.StreamPair) {
	logger.WithClient(logger.Logger(), rec.UID, string(rec.Position())).Info("client connected", "streams", len(streams))
}

// pumpSources forwards locally captured mouse/keyboard/clipboard activity
// into the corresponding stream handler's outgoing queue. The mouse and
// keyboard handlers' SetAllowed gate (driven by ActiveScreenChanged) decides
// whether anything actually reaches the wire; the clipboard multicast
// handler is not gated.
func (s *Server) pumpSources(ctx context.Context) {
	var mouseCh <-chan iface.MouseEvent
	var kbCh <-chan iface.KeyboardEvent
	var clipCh <-chan iface.ClipboardEvent
	if s.collab.MouseSource != nil {
		mouseCh = s.collab.MouseSource.Events()
	}
	if s.collab.KeyboardSource != nil {
		kbCh = s.collab.KeyboardSource.Events()
	}
	if s.collab.ClipboardSource != nil {
		clipCh = s.collab.ClipboardSource.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-mouseCh:
			if !ok {
				mouseCh = nil
				continue
			}
			if s.mouse != nil {
				s.mouse.Send(ctx, mouseEventPayload(e))
			}
		case e, ok := <-kbCh:
			if !ok {
				kbCh = nil
				continue
			}
			if s.keyboard != nil {
				s.keyboard.Send(ctx, keyboardEventPayload(e))
			}
		case e, ok := <-clipCh:
			if !ok {
				clipCh = nil
				continue
			}
			if s.clipboard != nil {
				s.clipboard.Send(ctx, clipboardEventPayload(e))
			}
		}
	}
}

// pumpEdgeDetector translates CrossScreen commands into ActiveScreenChanged
// bus events and the matching per-client "screen" active/inactive notice
// (§4.7's control-flow paragraph and the glue §9 leaves to the service
// layer: the stream handlers alone only react to ActiveScreenChanged, they
// do not tell the remote client it has become active).
func (s *Server) pumpEdgeDetector(ctx context.Context) {
	ch := s.collab.EdgeDetector.CrossScreens()
	for {
		select {
		case <-ctx.Done():
			return
		case cs, ok := <-ch:
			if !ok {
				return
			}
			s.setActive(cs.Position)
		}
	}
}

func (s *Server) setActive(pos clients.ScreenPosition) {
	s.mu.Lock()
	prev := s.active
	if prev == pos {
		s.mu.Unlock()
		return
	}
	s.active = pos
	s.mu.Unlock()

	if prevRec, ok := s.manager.ByPosition(prev); ok && prev.IsAddressable() {
		sendScreenNotice(prevRec, false)
	}
	s.bus.Dispatch(bus.Event{Type: bus.ActiveScreenChanged, Data: map[string]any{"screen_position": string(pos)}})
	if rec, ok := s.manager.ByPosition(pos); ok && pos.IsAddressable() {
		sendScreenNotice(rec, true)
	}
}

func (s *Server) onClipboardReceived(msg *message.ProtocolMessage) {
	if s.collab.ClipboardSink == nil {
		return
	}
	content, _ := msg.Payload["content"].(string)
	contentType, _ := msg.Payload["content_type"].(string)
	s.collab.ClipboardSink.Inject(iface.ClipboardEvent{Content: content, ContentType: contentType})
}

// sendScreenNotice writes a "screen" message_type frame directly to rec's
// Command stream, telling the client whether it is now the active input
// target. The Command stream has no reader on the server side beyond the
// handshake (§9/SPEC_FULL §7: it is never TLS-upgraded and carries only
// low-sensitivity control traffic), so this is a plain one-shot write
// rather than a full MessageExchange round, mirroring the heartbeat frame
// write already used by serverconn's heartbeat loop.
func sendScreenNotice(rec *clients.ClientRecord, active bool) {
	conn := rec.Connection()
	if conn == nil {
		return
	}
	cmd := conn.Stream(clients.Command)
	if cmd == nil || cmd.Closed() {
		return
	}
	frame, err := message.Encode(message.New(message.TypeScreen, "server", map[string]any{"active": active}))
	if err != nil {
		return
	}
	cmd.Conn.Write(frame)
}

func mouseEventPayload(e iface.MouseEvent) map[string]any {
	return map[string]any{
		"x": e.X, "y": e.Y, "dx": e.DX, "dy": e.DY,
		"button": e.Button, "action": string(e.Action), "is_pressed": e.IsPressed,
	}
}

func keyboardEventPayload(e iface.KeyboardEvent) map[string]any {
	return map[string]any{"key": e.Key, "action": string(e.Action)}
}

func clipboardEventPayload(e iface.ClipboardEvent) map[string]any {
	return map[string]any{"content": e.Content, "content_type": e.ContentType}
}
