package streamhandler

import (
	"sync"

	"github.com/kvmfabric/kvmfabric/internal/fabric/bus"
	"github.com/kvmfabric/kvmfabric/internal/fabric/clients"
	"github.com/kvmfabric/kvmfabric/internal/fabric/exchange"
	"github.com/kvmfabric/kvmfabric/internal/metrics"
)

// ClientConnectionView is the subset of a client's connection bundle (such
// as *clients.ClientConnection) a ClientHandler needs: the live stream
// bundle to bind against. Kept as an interface so
// this package does not import clientconn (avoiding an import cycle, since
// the service layer wires both against a shared *clients.ClientConnection).
type ClientConnectionView interface {
	Stream(kind clients.StreamKind) *clients.StreamPair
}

// ClientHandler implements §4.5.3: binds to the local client's own stream
// pair for one kind, active only while the bus says this client is the
// active input target (or always-on for bidirectional kinds such as
// command/clipboard, depending on how the caller drives ClientActive).
type ClientHandler struct {
	*core

	bus        *bus.Bus
	activeOnly bool

	mu   sync.Mutex
	conn ClientConnectionView

	subActive            bus.Token
	subInactive          bus.Token
	subStreamReconnected bus.Token
}

// NewClientHandler creates a client-side stream handler for kind.
// activeOnly matches §4.5.3's "if active_only=true, also clear the buffer"
// / force-close nuance: true for unidirectional kinds gated by active
// screen (mouse, keyboard), false for always-bound kinds (command,
// clipboard).
func NewClientHandler(kind clients.StreamKind, source string, activeOnly bool, b *bus.Bus, exCfg exchange.Config, metricsReg *metrics.Registry, connID string) *ClientHandler {
	h := &ClientHandler{
		core:       newCore(kind, source, exCfg, metricsReg, connID),
		bus:        b,
		activeOnly: activeOnly,
	}
	h.core.recoverFn = h.onSendError
	h.subActive = b.Subscribe(bus.ClientActive, h.onClientActive)
	h.subInactive = b.Subscribe(bus.ClientInactive, h.onClientInactive)
	h.subStreamReconnected = b.Subscribe(bus.ClientStreamReconnected, h.onStreamReconnected)
	return h
}

// Close unsubscribes from the bus and stops the sender/exchange.
func (h *ClientHandler) Close() {
	h.bus.Unsubscribe(bus.ClientActive, h.subActive)
	h.bus.Unsubscribe(bus.ClientInactive, h.subInactive)
	h.bus.Unsubscribe(bus.ClientStreamReconnected, h.subStreamReconnected)
	h.core.Stop()
}

// SetConnection installs the live connection view to bind against on the
// next ClientActive (or immediately, for always-bound kinds). Called by the
// service layer whenever clientconn.Handler reports a fresh connection.
func (h *ClientHandler) SetConnection(conn ClientConnectionView) {
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	if !h.activeOnly {
		h.rebind()
	}
}

func (h *ClientHandler) onClientActive(bus.Event) {
	h.rebind()
	h.core.SetAllowed(true)
}

func (h *ClientHandler) onClientInactive(bus.Event) {
	h.core.SetAllowed(false)
	h.core.unbindExchange()
	if h.activeOnly {
		h.core.DrainQueue()
	}
}

func (h *ClientHandler) onStreamReconnected(e bus.Event) {
	kinds, _ := e.Data["kinds"].([]string)
	if !containsKindName(kinds, h.kind) {
		return
	}
	h.rebind()
}

func (h *ClientHandler) rebind() {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return
	}
	pair := conn.Stream(h.kind)
	if pair == nil || pair.Closed() {
		return
	}
	_ = h.core.bindExchange(h.kind.String(), pair.Conn)
}

// onSendError implements §4.5.3's disconnection-recovery nuance: beyond the
// default unbind-and-drain, an active_only handler also force-closes the
// local half of the stream so the connection handler's heartbeat notices
// and reopens it.
func (h *ClientHandler) onSendError(error) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()

	h.core.unbindExchange()
	h.core.DrainQueue()

	if h.activeOnly && conn != nil {
		if pair := conn.Stream(h.kind); pair != nil {
			pair.Close()
		}
	}
}
