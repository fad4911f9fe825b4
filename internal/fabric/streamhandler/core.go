// Package streamhandler implements the three §4.5 stream handler flavors
// (server unicast, server multicast, client) on top of a shared cooperative
// sender-task core: a bounded outgoing queue, a single sender goroutine
// gated by a caller-supplied predicate, and an owned MessageExchange whose
// transport is bound and rebound as lifecycle events arrive on the bus.
//
// Grounded on teacher internal/rtmp/server/hooks/manager.go's worker-slot
// pattern (one dedicated goroutine draining a bounded channel, errors
// recovered and logged rather than crashing the worker) generalized from a
// fixed worker pool to one long-lived sender per stream kind.
package streamhandler

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/kvmfabric/kvmfabric/internal/fabric/clients"
	"github.com/kvmfabric/kvmfabric/internal/fabric/exchange"
	"github.com/kvmfabric/kvmfabric/internal/fabric/message"
	"github.com/kvmfabric/kvmfabric/internal/logger"
	"github.com/kvmfabric/kvmfabric/internal/metrics"
)

// Bounded outgoing queue capacities (§4.5 "Common contract").
const (
	DefaultQueueCapacity = 1000
	MouseQueueCapacity   = 10000
)

func queueCapacityFor(kind clients.StreamKind) int {
	if kind == clients.Mouse {
		return MouseQueueCapacity
	}
	return DefaultQueueCapacity
}

// streamMsgType maps a stream kind to the message type its handler sends
// and receives. Command streams carry arbitrary control traffic tagged as
// TypeCommand; the other kinds are self-describing.
func streamMsgType(kind clients.StreamKind) message.Type {
	switch kind {
	case clients.Mouse:
		return message.TypeMouse
	case clients.Keyboard:
		return message.TypeKeyboard
	case clients.Clipboard:
		return message.TypeClipboard
	case clients.File:
		return message.TypeFile
	default:
		return message.TypeCommand
	}
}

var errExchangeNotBound = errors.New("streamhandler: no transport bound")

// core implements the common contract shared by all three handler flavors:
// start/stop/send/register_receive_callback, a bounded outgoing queue
// drained by one cooperative sender goroutine, and an owned
// MessageExchange whose transport(s) the embedding handler installs.
type core struct {
	kind    clients.StreamKind
	msgType message.Type
	source  string
	exCfg   exchange.Config
	metrics *metrics.Registry
	connID  string

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	ex       *exchange.MessageExchange
	exCancel context.CancelFunc
	recvCb   func(*message.ProtocolMessage)

	queue chan *message.ProtocolMessage
	wg    sync.WaitGroup

	gateMu  sync.Mutex
	gateCnd *sync.Cond
	allowed bool

	// recoverFn, when set, replaces the default unbind-and-drain recovery
	// on a broken-transport send error (§4.5.3's "force-close the local
	// half" nuance for active_only client handlers).
	recoverFn func(err error)
}

func newCore(kind clients.StreamKind, source string, exCfg exchange.Config, metricsReg *metrics.Registry, connID string) *core {
	exCfg.AutoDispatch = true
	c := &core{
		kind:    kind,
		msgType: streamMsgType(kind),
		source:  source,
		exCfg:   exCfg,
		metrics: metricsReg,
		connID:  connID,
		queue:   make(chan *message.ProtocolMessage, queueCapacityFor(kind)),
	}
	c.gateCnd = sync.NewCond(&c.gateMu)
	return c
}

// Start launches the sender goroutine for the handler's lifetime. Installing
// and removing transports happens independently via bindExchange/
// ensureExchangeStarted. Idempotent.
func (c *core) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.ctx = runCtx
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.senderLoop(runCtx)
	go func() {
		<-runCtx.Done()
		c.gateCnd.Broadcast()
	}()
}

// Stop halts the sender goroutine and tears down any live exchange.
// Idempotent.
func (c *core) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.gateCnd.Broadcast()
	c.wg.Wait()
	c.unbindExchange()
}

// SetAllowed flips the sender gate. False makes the sender task idle
// instead of dequeuing (§4.5.1's "sending predicate"); the queue keeps
// filling, yielding backpressure to the event producer per §5.
func (c *core) SetAllowed(v bool) {
	c.gateMu.Lock()
	c.allowed = v
	c.gateMu.Unlock()
	c.gateCnd.Broadcast()
}

// DrainQueue discards every buffered outgoing event.
func (c *core) DrainQueue() {
	for {
		select {
		case <-c.queue:
		default:
			return
		}
	}
}

// RegisterReceiveCallback wires cb to fire for every decoded message of
// this handler's message type, re-registering on the live exchange if one
// is already bound.
func (c *core) RegisterReceiveCallback(cb func(*message.ProtocolMessage)) {
	c.mu.Lock()
	c.recvCb = cb
	ex := c.ex
	c.mu.Unlock()
	if ex != nil {
		ex.RegisterHandler(c.msgType, cb)
	}
}

// Send enqueues a domain event, blocking while the outgoing queue is full
// (§5 "Backpressure").
func (c *core) Send(ctx context.Context, payload map[string]any) error {
	msg := message.New(c.msgType, c.source, payload)
	select {
	case c.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *core) senderLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		c.gateMu.Lock()
		for !c.allowed && ctx.Err() == nil {
			c.gateCnd.Wait()
		}
		stopped := ctx.Err() != nil
		c.gateMu.Unlock()
		if stopped {
			return
		}

		select {
		case <-ctx.Done():
			return
		case msg := <-c.queue:
			c.forward(msg)
		}
	}
}

func (c *core) forward(msg *message.ProtocolMessage) {
	c.mu.Lock()
	ex := c.ex
	c.mu.Unlock()
	if ex == nil {
		return
	}
	err := ex.Send(msg)
	if err == nil {
		return
	}
	if !isRecoverableSendErr(err) {
		logger.Logger().Error("stream handler send failed", "kind", c.kind.String(), "error", err)
		return
	}
	logger.Logger().Warn("stream handler transport broke, recovering", "kind", c.kind.String(), "error", err)
	if c.recoverFn != nil {
		c.recoverFn(err)
		return
	}
	c.unbindExchange()
	c.DrainQueue()
}

// bindExchange discards any previously bound exchange and creates a fresh
// one carrying a single transport, guaranteeing any partially reassembled
// state from the old transport is dropped (§4.5.1 "buffer is cleared").
// Used by handlers that bind to exactly one peer stream at a time.
func (c *core) bindExchange(transportID string, conn net.Conn) error {
	c.mu.Lock()
	rootCtx := c.ctx
	oldEx := c.ex
	oldCancel := c.exCancel
	c.mu.Unlock()
	if rootCtx == nil {
		return errors.New("streamhandler: Start not called")
	}
	if oldCancel != nil {
		oldCancel()
	}
	if oldEx != nil {
		oldEx.Stop()
	}

	ex := exchange.New(c.exCfg, c.metrics, c.connID)
	c.mu.Lock()
	if c.recvCb != nil {
		ex.RegisterHandler(c.msgType, c.recvCb)
	}
	c.mu.Unlock()
	if err := ex.RegisterTransport(transportID, netSend(conn), netRecv(conn)); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(rootCtx)
	ex.Start(runCtx)

	c.mu.Lock()
	c.ex = ex
	c.exCancel = cancel
	c.mu.Unlock()
	return nil
}

// unbindExchange stops and discards any currently bound exchange.
func (c *core) unbindExchange() {
	c.mu.Lock()
	ex := c.ex
	cancel := c.exCancel
	c.ex = nil
	c.exCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ex != nil {
		ex.Stop()
	}
}

// ensureExchangeStarted lazily creates and starts a persistent exchange
// shared across multiple installed transports (the multicast handler's
// model, where individual clients come and go without disturbing the
// others' reassembly state).
func (c *core) ensureExchangeStarted() *exchange.MessageExchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ex != nil {
		return c.ex
	}
	if c.ctx == nil {
		return nil
	}
	ex := exchange.New(c.exCfg, c.metrics, c.connID)
	if c.recvCb != nil {
		ex.RegisterHandler(c.msgType, c.recvCb)
	}
	runCtx, cancel := context.WithCancel(c.ctx)
	ex.Start(runCtx)
	c.ex = ex
	c.exCancel = cancel
	return ex
}

// stopExchangeIfIdle tears down the persistent exchange once it carries no
// transports, matching §4.5.2 "if no clients remain: stop and drain".
func (c *core) stopExchangeIfIdle() {
	c.mu.Lock()
	ex := c.ex
	if ex == nil || ex.TransportCount() > 0 {
		c.mu.Unlock()
		return
	}
	cancel := c.exCancel
	c.ex = nil
	c.exCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ex.Stop()
	c.DrainQueue()
}

func (c *core) installTransport(id string, conn net.Conn) error {
	ex := c.ensureExchangeStarted()
	if ex == nil {
		return errExchangeNotBound
	}
	ex.RemoveTransport(id)
	return ex.RegisterTransport(id, netSend(conn), netRecv(conn))
}

func (c *core) removeTransport(id string) {
	c.mu.Lock()
	ex := c.ex
	c.mu.Unlock()
	if ex != nil {
		ex.RemoveTransport(id)
	}
}

func isRecoverableSendErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, exchange.ErrMissingTransport) {
		return true
	}
	return false
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
