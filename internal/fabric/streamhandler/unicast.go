package streamhandler

import (
	"sync"

	"github.com/kvmfabric/kvmfabric/internal/fabric/bus"
	"github.com/kvmfabric/kvmfabric/internal/fabric/clients"
	"github.com/kvmfabric/kvmfabric/internal/fabric/exchange"
	"github.com/kvmfabric/kvmfabric/internal/logger"
	"github.com/kvmfabric/kvmfabric/internal/metrics"
)

// ServerUnicastHandler implements §4.5.1: tracks a single active client,
// directing one kind's traffic (mouse, keyboard) at whichever client is
// currently the active input target.
type ServerUnicastHandler struct {
	*core

	manager *clients.Manager
	bus     *bus.Bus

	mu        sync.Mutex
	activeUID string

	subActiveScreen       bus.Token
	subClientDisconnected bus.Token
	subStreamReconnected  bus.Token
}

// NewServerUnicastHandler creates a unicast stream handler for kind, bound
// to manager and subscribed to b. Call Start before any bus event arrives.
func NewServerUnicastHandler(kind clients.StreamKind, source string, manager *clients.Manager, b *bus.Bus, exCfg exchange.Config, metricsReg *metrics.Registry, connID string) *ServerUnicastHandler {
	h := &ServerUnicastHandler{
		core:    newCore(kind, source, exCfg, metricsReg, connID),
		manager: manager,
		bus:     b,
	}
	h.core.recoverFn = func(error) {
		h.unbind()
	}
	h.subActiveScreen = b.Subscribe(bus.ActiveScreenChanged, h.onActiveScreenChanged)
	h.subClientDisconnected = b.Subscribe(bus.ClientDisconnected, h.onClientDisconnected)
	h.subStreamReconnected = b.Subscribe(bus.ClientStreamReconnected, h.onClientStreamReconnected)
	return h
}

// Close unsubscribes from the bus and stops the sender/exchange.
func (h *ServerUnicastHandler) Close() {
	h.bus.Unsubscribe(bus.ActiveScreenChanged, h.subActiveScreen)
	h.bus.Unsubscribe(bus.ClientDisconnected, h.subClientDisconnected)
	h.bus.Unsubscribe(bus.ClientStreamReconnected, h.subStreamReconnected)
	h.core.Stop()
}

// ActiveUID reports which client, if any, currently owns this handler's
// transport.
func (h *ServerUnicastHandler) ActiveUID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeUID
}

func (h *ServerUnicastHandler) onActiveScreenChanged(e bus.Event) {
	posStr, _ := e.Data["screen_position"].(string)
	if posStr == "" || posStr == string(clients.None) {
		h.unbind()
		return
	}
	rec, ok := h.manager.ByPosition(clients.ScreenPosition(posStr))
	if !ok {
		h.unbind()
		return
	}
	h.bind(rec)
}

func (h *ServerUnicastHandler) onClientDisconnected(e bus.Event) {
	uid, _ := e.Data["uid"].(string)
	if uid != "" && uid == h.ActiveUID() {
		h.unbind()
	}
}

func (h *ServerUnicastHandler) onClientStreamReconnected(e bus.Event) {
	uid, _ := e.Data["uid"].(string)
	if uid == "" || uid != h.ActiveUID() {
		return
	}
	kinds, _ := e.Data["kinds"].([]string)
	if !containsKindName(kinds, h.kind) {
		return
	}
	rec, ok := h.manager.ByUID(uid)
	if !ok {
		h.unbind()
		return
	}
	h.bind(rec)
}

func (h *ServerUnicastHandler) bind(rec *clients.ClientRecord) {
	conn := rec.Connection()
	if conn == nil {
		h.unbind()
		return
	}
	pair := conn.Stream(h.kind)
	if pair == nil || pair.Closed() {
		h.unbind()
		return
	}
	if err := h.core.bindExchange(rec.UID, pair.Conn); err != nil {
		logger.Logger().Warn("server unicast handler bind failed", "kind", h.kind.String(), "uid", rec.UID, "error", err)
		return
	}
	h.mu.Lock()
	h.activeUID = rec.UID
	h.mu.Unlock()
	h.core.SetAllowed(true)
}

func (h *ServerUnicastHandler) unbind() {
	h.mu.Lock()
	h.activeUID = ""
	h.mu.Unlock()
	h.core.SetAllowed(false)
	h.core.unbindExchange()
	h.core.DrainQueue()
}

func containsKindName(names []string, kind clients.StreamKind) bool {
	want := kind.String()
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
