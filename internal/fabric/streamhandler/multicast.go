package streamhandler

import (
	"sync"

	"github.com/kvmfabric/kvmfabric/internal/fabric/bus"
	"github.com/kvmfabric/kvmfabric/internal/fabric/clients"
	"github.com/kvmfabric/kvmfabric/internal/fabric/exchange"
	"github.com/kvmfabric/kvmfabric/internal/logger"
	"github.com/kvmfabric/kvmfabric/internal/metrics"
)

// ServerMulticastHandler implements §4.5.2: clipboard and any future
// broadcast kind, fanning one send out to every connected client's
// stream-of-this-kind. Not gated by active-screen.
type ServerMulticastHandler struct {
	*core

	manager *clients.Manager
	bus     *bus.Bus

	mu         sync.Mutex
	memberUIDs map[string]struct{}

	subClientConnected    bus.Token
	subClientDisconnected bus.Token
}

// NewServerMulticastHandler creates a multicast stream handler for kind.
func NewServerMulticastHandler(kind clients.StreamKind, source string, manager *clients.Manager, b *bus.Bus, exCfg exchange.Config, metricsReg *metrics.Registry, connID string) *ServerMulticastHandler {
	exCfg.Multicast = true
	h := &ServerMulticastHandler{
		core:       newCore(kind, source, exCfg, metricsReg, connID),
		manager:    manager,
		bus:        b,
		memberUIDs: make(map[string]struct{}),
	}
	h.core.SetAllowed(true) // not gated by active-screen; always ready to fan out
	h.subClientConnected = b.Subscribe(bus.ClientConnected, h.onClientConnected)
	h.subClientDisconnected = b.Subscribe(bus.ClientDisconnected, h.onClientDisconnected)
	return h
}

// Close unsubscribes from the bus and stops the sender/exchange.
func (h *ServerMulticastHandler) Close() {
	h.bus.Unsubscribe(bus.ClientConnected, h.subClientConnected)
	h.bus.Unsubscribe(bus.ClientDisconnected, h.subClientDisconnected)
	h.core.Stop()
}

func (h *ServerMulticastHandler) onClientConnected(e bus.Event) {
	uid, _ := e.Data["uid"].(string)
	if uid == "" {
		return
	}
	rec, ok := h.manager.ByUID(uid)
	if !ok {
		return
	}
	conn := rec.Connection()
	if conn == nil {
		return
	}
	pair := conn.Stream(h.kind)
	if pair == nil || pair.Closed() {
		return
	}
	if err := h.core.installTransport(uid, pair.Conn); err != nil {
		logger.Logger().Warn("server multicast handler install failed", "kind", h.kind.String(), "uid", uid, "error", err)
		return
	}
	h.mu.Lock()
	h.memberUIDs[uid] = struct{}{}
	h.mu.Unlock()
}

func (h *ServerMulticastHandler) onClientDisconnected(e bus.Event) {
	uid, _ := e.Data["uid"].(string)
	if uid == "" {
		return
	}
	h.mu.Lock()
	_, member := h.memberUIDs[uid]
	delete(h.memberUIDs, uid)
	h.mu.Unlock()
	if !member {
		return
	}
	h.core.removeTransport(uid)
	h.core.stopExchangeIfIdle()
}

// MemberCount reports how many clients currently hold a transport on this
// handler.
func (h *ServerMulticastHandler) MemberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.memberUIDs)
}
