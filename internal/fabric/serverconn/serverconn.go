// Package serverconn implements the server connection handler of §4.3:
// accepts inbound TCP connections, performs the server side of the
// handshake, provisions secondary per-kind streams via a pending-promise
// registry, and drives the heartbeat/reopen/disconnect lifecycle.
//
// Grounded on teacher internal/rtmp/server/server.go's Accept loop shape
// (one goroutine per inbound connection) and
// internal/rtmp/server/hooks/manager.go's event dispatch for lifecycle
// notifications, adapted to the fabric's multi-stream-per-client model
// instead of RTMP's single-stream-per-connection model.
package serverconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kvmfabric/kvmfabric/internal/fabric/bus"
	"github.com/kvmfabric/kvmfabric/internal/fabric/clients"
	"github.com/kvmfabric/kvmfabric/internal/fabric/exchange"
	"github.com/kvmfabric/kvmfabric/internal/fabric/message"

	protoerr "github.com/kvmfabric/kvmfabric/internal/errors"
	"github.com/kvmfabric/kvmfabric/internal/logger"
	"github.com/kvmfabric/kvmfabric/internal/metrics"
)

// Timeouts fixed by §4.3's handshake and stream-reopen procedures.
const (
	HandshakeMsgTimeout      = 5 * time.Second
	ConnectionAttemptTimeout = 10 * time.Second
)

// Config tunes one server connection handler instance.
type Config struct {
	Host               string
	Port               int
	HeartbeatInterval  time.Duration
	MaxHeartbeatMisses int
	MaxChunk           int
	TLSConfig          *tls.Config // non-nil enables TLS upgrade of secondary streams for ssl=true clients
}

// Callbacks are invoked on the lifecycle transitions §4.3 names.
type Callbacks struct {
	Connected         func(rec *clients.ClientRecord, streams map[clients.StreamKind]*clients.StreamPair)
	Disconnected      func(rec *clients.ClientRecord)
	StreamReconnected func(rec *clients.ClientRecord, kinds []clients.StreamKind)
}

type streamResult struct {
	pair *clients.StreamPair
	err  error
}

type pendingSet struct {
	order    []clients.StreamKind
	promises map[clients.StreamKind]chan streamResult
}

// Handler is one server connection handler bound to a single listener.
type Handler struct {
	cfg       Config
	manager   *clients.Manager
	bus       *bus.Bus
	metrics   *metrics.Registry
	callbacks Callbacks

	mu       sync.Mutex
	listener net.Listener
	pending  map[string]*pendingSet
	misses   map[string]int

	wg sync.WaitGroup
}

// New creates a server connection handler. manager and b must be shared
// with the rest of the process (stream handlers subscribe to the same bus).
func New(cfg Config, manager *clients.Manager, b *bus.Bus, metricsReg *metrics.Registry, cb Callbacks) *Handler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.MaxHeartbeatMisses <= 0 {
		cfg.MaxHeartbeatMisses = 2
	}
	return &Handler{
		cfg:       cfg,
		manager:   manager,
		bus:       b,
		metrics:   metricsReg,
		callbacks: cb,
		pending:   make(map[string]*pendingSet),
		misses:    make(map[string]int),
	}
}

// Serve binds the listener and runs the accept loop and heartbeat loop
// until ctx is canceled or Close is called. It blocks until the accept loop
// exits.
func (h *Handler) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port))
	if err != nil {
		return protoerr.NewProtocolError("serverconn.listen", err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	h.wg.Add(1)
	go h.heartbeatLoop(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				h.wg.Wait()
				return nil
			}
			return protoerr.NewProtocolError("serverconn.accept", err)
		}
		go h.dispatch(ctx, conn)
	}
}

// Addr returns the listener's bound address, or nil before Serve has bound
// one. Tests poll this to discover the ephemeral port chosen for Port: 0.
func (h *Handler) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Close closes the listener, interrupting Accept.
func (h *Handler) Close() error {
	h.mu.Lock()
	ln := h.listener
	h.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func peerHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// dispatch implements §4.3's three-case Dispatch routine for one freshly
// accepted TCP connection.
func (h *Handler) dispatch(ctx context.Context, conn net.Conn) {
	peer := peerHost(conn)

	if ch, kind, ok := h.popPending(peer); ok {
		ch <- streamResult{pair: clients.NewStreamPair(kind, conn)}
		return
	}

	if rec, ok := h.manager.ByPeerAddress("", peer); ok && rec.Connected() {
		logger.Logger().Warn("rejecting connection, peer already connected", "peer", peer)
		conn.Close()
		return
	}

	h.handshake(ctx, conn, peer)
}

func (h *Handler) popPending(peer string) (chan streamResult, clients.StreamKind, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.pending[peer]
	if !ok || len(set.order) == 0 {
		return nil, 0, false
	}
	kind := set.order[0]
	set.order = set.order[1:]
	ch := set.promises[kind]
	delete(set.promises, kind)
	if len(set.order) == 0 {
		delete(h.pending, peer)
	}
	return ch, kind, true
}

func (h *Handler) registerPending(peer string, kind clients.StreamKind) chan streamResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.pending[peer]
	if !ok {
		set = &pendingSet{promises: make(map[clients.StreamKind]chan streamResult)}
		h.pending[peer] = set
	}
	ch := make(chan streamResult, 1)
	set.order = append(set.order, kind)
	set.promises[kind] = ch
	return ch
}

func (h *Handler) cancelPending(peer string, kind clients.StreamKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.pending[peer]
	if !ok {
		return
	}
	delete(set.promises, kind)
	for i, k := range set.order {
		if k == kind {
			set.order = append(set.order[:i], set.order[i+1:]...)
			break
		}
	}
	if len(set.order) == 0 {
		delete(h.pending, peer)
	}
}

// waitStream blocks on a previously registered promise for (peer, kind),
// enforcing ConnectionAttemptTimeout and clearing the promise on failure.
func (h *Handler) waitStream(ctx context.Context, peer string, kind clients.StreamKind, ch chan streamResult) (*clients.StreamPair, error) {
	select {
	case res := <-ch:
		return res.pair, res.err
	case <-time.After(ConnectionAttemptTimeout):
		h.cancelPending(peer, kind)
		return nil, protoerr.NewTimeoutError("serverconn.stream_wait", ConnectionAttemptTimeout, errors.New("secondary stream did not reconnect in time"))
	case <-ctx.Done():
		h.cancelPending(peer, kind)
		return nil, ctx.Err()
	}
}

func parseStreamList(v any) []clients.StreamKind {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	kinds := make([]clients.StreamKind, 0, len(raw))
	for _, item := range raw {
		name, ok := item.(string)
		if !ok {
			continue
		}
		if kind, ok := clients.ParseStreamKind(name); ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func kindNames(kinds []clients.StreamKind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return names
}

// handshake implements §4.3's 8-step server handshake procedure over a
// freshly accepted connection.
func (h *Handler) handshake(ctx context.Context, conn net.Conn, peer string) {
	ex := exchange.New(exchange.Config{
		MaxChunk:          h.cfg.MaxChunk,
		AutoChunk:         true,
		AutoDispatch:      false,
		ReceiveBuffer:     h.cfg.MaxChunk,
		HeartbeatInterval: h.cfg.HeartbeatInterval,
	}, h.metrics, "handshake:"+peer)

	if err := ex.RegisterTransport(exchange.DefaultTransportID, netSend(conn), netRecv(conn)); err != nil {
		conn.Close()
		return
	}
	ex.Start(ctx)
	defer ex.Stop()

	if err := ex.Send(message.New(message.TypeExchange, "server", map[string]any{"ack": false})); err != nil {
		conn.Close()
		return
	}

	resp, err := ex.ReceiveTimeout(HandshakeMsgTimeout)
	if err != nil {
		logger.Logger().Warn("handshake timed out awaiting client ack", "peer", peer, "error", err)
		conn.Close()
		return
	}
	ack, _ := resp.Payload["ack"].(bool)
	if resp.MessageType != message.TypeExchange || !ack || resp.Source == "" {
		logger.Logger().Warn("handshake received malformed response", "peer", peer)
		conn.Close()
		return
	}
	hostname := resp.Source
	uid, _ := resp.Payload["uid"].(string)

	authEntry, ok := h.manager.Authorize(hostname, peer, uid)
	if !ok {
		ex.Send(message.New(message.TypeExchange, "server", map[string]any{"ack": false}))
		logger.Logger().Info("rejecting unauthorized client", "peer", peer, "hostname", hostname)
		conn.Close()
		return
	}

	screenResolution, _ := resp.Payload["screen_resolution"].(string)
	sslWanted, _ := resp.Payload["ssl"].(bool)
	requested := parseStreamList(resp.Payload["streams"])

	rec, ok := h.manager.ByUID(authEntry.UID)
	if !ok {
		rec, err = clients.NewClientRecord(authEntry.UID, hostname, peer, authEntry.ScreenPosition)
		if err != nil {
			conn.Close()
			return
		}
		if err := h.manager.Add(rec); err != nil {
			logger.Logger().Error("failed to register client record", "error", err)
			conn.Close()
			return
		}
	}
	rec.ScreenResolution = screenResolution
	rec.SSL = sslWanted
	rec.IPAddress = peer

	clientConn := clients.NewClientConnection()
	clientConn.SetStream(clients.Command, clients.NewStreamPair(clients.Command, conn))

	if err := ex.Send(message.New(message.TypeExchange, "server", map[string]any{
		"ack":             true,
		"screen_position": string(rec.Position()),
	})); err != nil {
		conn.Close()
		return
	}

	opened := []clients.StreamKind{clients.Command}
	for _, kind := range requested {
		if kind == clients.Command {
			continue
		}
		ch := h.registerPending(peer, kind)
		pair, err := h.waitStream(ctx, peer, kind, ch)
		if err != nil {
			logger.Logger().Warn("secondary stream failed to open during handshake", "peer", peer, "kind", kind.String(), "error", err)
			clientConn.Close()
			return
		}
		if sslWanted && h.cfg.TLSConfig != nil {
			pair, err = upgradeServerTLS(ctx, pair, h.cfg.TLSConfig)
			if err != nil {
				logger.Logger().Warn("tls upgrade failed for secondary stream", "peer", peer, "kind", kind.String(), "error", err)
				clientConn.Close()
				return
			}
		}
		clientConn.SetStream(kind, pair)
		opened = append(opened, kind)
	}

	now := time.Now()
	rec.Attach(clientConn, now)

	streamsMap := make(map[clients.StreamKind]*clients.StreamPair, len(opened))
	for _, kind := range opened {
		streamsMap[kind] = clientConn.Stream(kind)
	}

	h.bus.Dispatch(bus.Event{Type: bus.ClientConnected, Data: map[string]any{
		"uid":             rec.UID,
		"screen_position": string(rec.Position()),
		"streams":         kindNames(opened),
	}})
	if h.callbacks.Connected != nil {
		h.callbacks.Connected(rec, streamsMap)
	}
}

func upgradeServerTLS(ctx context.Context, pair *clients.StreamPair, cfg *tls.Config) (*clients.StreamPair, error) {
	tlsConn := tls.Server(pair.Conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return clients.NewStreamPair(pair.Kind, tlsConn), nil
}

func netSend(conn net.Conn) exchange.SendFunc {
	return func(frame []byte) error {
		_, err := conn.Write(frame)
		return err
	}
}

func netRecv(conn net.Conn) exchange.RecvFunc {
	return func(buf []byte) (int, error) {
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := conn.Read(buf)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
}

// heartbeatLoop implements §4.3's per-tick liveness check, stream-reopen,
// and disconnect logic for every currently connected client.
func (h *Handler) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rec := range h.manager.Connected() {
				h.heartbeatCheck(ctx, rec)
			}
		}
	}
}

func (h *Handler) heartbeatCheck(ctx context.Context, rec *clients.ClientRecord) {
	conn := rec.Connection()
	if conn == nil {
		return
	}
	cmd := conn.Stream(clients.Command)
	if cmd == nil || cmd.Closed() {
		h.disconnect(rec, conn)
		return
	}

	frame, err := message.Encode(message.New(message.TypeHeartbeat, "server", nil))
	alive := err == nil
	if alive {
		if _, werr := cmd.Conn.Write(frame); werr != nil {
			alive = false
		}
	}

	var needReopen []clients.StreamKind
	for _, kind := range conn.Kinds() {
		if kind == clients.Command {
			continue
		}
		pair := conn.Stream(kind)
		if pair == nil || pair.Closed() {
			needReopen = append(needReopen, kind)
		}
	}

	h.mu.Lock()
	if alive {
		h.misses[rec.UID] = 0
	} else {
		h.misses[rec.UID]++
	}
	h.mu.Unlock()

	if len(needReopen) > 0 {
		if h.reopenStreams(ctx, rec, conn, needReopen) {
			h.bus.Dispatch(bus.Event{Type: bus.ClientStreamReconnected, Data: map[string]any{
				"uid":   rec.UID,
				"kinds": kindNames(needReopen),
			}})
			if h.callbacks.StreamReconnected != nil {
				h.callbacks.StreamReconnected(rec, needReopen)
			}
		} else {
			h.mu.Lock()
			h.misses[rec.UID]++
			h.mu.Unlock()
		}
	}

	h.mu.Lock()
	misses := h.misses[rec.UID]
	h.mu.Unlock()
	if misses >= h.cfg.MaxHeartbeatMisses {
		h.mu.Lock()
		delete(h.misses, rec.UID)
		h.mu.Unlock()
		h.disconnect(rec, conn)
	}
}

func (h *Handler) reopenStreams(ctx context.Context, rec *clients.ClientRecord, conn *clients.ClientConnection, kinds []clients.StreamKind) bool {
	peer := rec.IPAddress
	for _, kind := range kinds {
		ch := h.registerPending(peer, kind)
		pair, err := h.waitStream(ctx, peer, kind, ch)
		if err != nil {
			return false
		}
		if rec.SSL && h.cfg.TLSConfig != nil {
			pair, err = upgradeServerTLS(ctx, pair, h.cfg.TLSConfig)
			if err != nil {
				return false
			}
		}
		conn.SetStream(kind, pair)
	}
	return true
}

func (h *Handler) disconnect(rec *clients.ClientRecord, conn *clients.ClientConnection) {
	rec.Detach()
	if conn != nil {
		conn.Close()
	}
	if h.metrics != nil {
		h.metrics.Forget(rec.UID)
	}
	h.bus.Dispatch(bus.Event{Type: bus.ClientDisconnected, Data: map[string]any{"uid": rec.UID}})
	if h.callbacks.Disconnected != nil {
		h.callbacks.Disconnected(rec)
	}
}
