// Package exchange implements the message-exchange layer of §4.2: owns the
// send/receive callbacks of one or more transports, chunks outgoing
// messages too large for one frame, reassembles incoming chunks, and
// dispatches decoded messages to type-tagged handlers or a bounded queue.
//
// Grounded on teacher internal/rtmp/chunk/reader.go's single-reader-loop
// shape (one cooperative goroutine owns a persistent receive buffer) and
// internal/rtmp/server/hooks/manager.go's worker-slot pattern, generalized
// here to bound reassembly memory (§6) rather than concurrent hook
// execution.
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/kvmfabric/kvmfabric/internal/bufpool"
	protoerr "github.com/kvmfabric/kvmfabric/internal/errors"
	"github.com/kvmfabric/kvmfabric/internal/fabric/message"
	"github.com/kvmfabric/kvmfabric/internal/logger"
	"github.com/kvmfabric/kvmfabric/internal/metrics"
)

// DefaultTransportID is the reserved transport id used in unicast mode
// (§4.2 "exactly one transport under the reserved id default").
const DefaultTransportID = "default"

// defaultQueueCapacity bounds the received-message queue when auto-dispatch
// is disabled (§4.2: "bounded; oldest-drop is acceptable but must be
// documented"). This implementation documents and applies oldest-drop.
const defaultQueueCapacity = 256

// ReassemblyDeadlineMultiplier is the factor applied to heartbeat_interval
// to bound how long a partial chunked message may sit in the reassembler
// before it is evicted (§6, resolving §9's flagged unbounded-memory hazard).
const ReassemblyDeadlineMultiplier = 10

// SendFunc writes one already-framed byte slice to a transport, returning
// any I/O error the underlying connection reports.
type SendFunc func(frame []byte) error

// RecvFunc performs a single non-blocking-or-blocking read into buf,
// returning the number of bytes read, matching net.Conn.Read's contract.
type RecvFunc func(buf []byte) (int, error)

// Handler processes one fully decoded, non-heartbeat ProtocolMessage
// delivered by auto-dispatch.
type Handler func(*message.ProtocolMessage)

// Config carries the §4.2 "Configuration" tuple.
type Config struct {
	MaxChunk          int
	AutoChunk         bool
	AutoDispatch      bool
	ReceiveBuffer     int
	Multicast         bool
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a unicast, auto-chunking, auto-dispatching
// configuration with the wire protocol's default chunk size.
func DefaultConfig() Config {
	return Config{
		MaxChunk:          message.DefaultMaxChunk,
		AutoChunk:         true,
		AutoDispatch:      true,
		ReceiveBuffer:     message.DefaultMaxChunk,
		Multicast:         false,
		HeartbeatInterval: 2 * time.Second,
	}
}

type transport struct {
	id     string
	send   SendFunc
	recv   RecvFunc
	parser *message.Parser
}

// MessageExchange owns zero or more named transports, applies chunking on
// send, reassembles on receive, and dispatches decoded messages. The zero
// value is not usable; use New.
type MessageExchange struct {
	cfg      Config
	connID   string
	metrics  *metrics.Registry
	sequence uint64

	mu            sync.Mutex
	order         []string
	transports    map[string]*transport
	reassembler   *message.Reassembler
	deadlines     map[string]time.Time
	handlers      map[message.Type]Handler
	queue         chan *message.ProtocolMessage
	started       bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New creates a MessageExchange. connID labels its metrics series; metricsReg
// may be nil to disable metrics (tests commonly pass nil).
func New(cfg Config, metricsReg *metrics.Registry, connID string) *MessageExchange {
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = message.DefaultMaxChunk
	}
	if cfg.ReceiveBuffer <= 0 {
		cfg.ReceiveBuffer = cfg.MaxChunk
	}
	return &MessageExchange{
		cfg:         cfg,
		connID:      connID,
		metrics:     metricsReg,
		transports:  make(map[string]*transport),
		reassembler: message.NewReassembler(),
		deadlines:   make(map[string]time.Time),
		handlers:    make(map[message.Type]Handler),
		queue:       make(chan *message.ProtocolMessage, defaultQueueCapacity),
	}
}

// ErrMissingTransport is returned by Send when no transport is registered.
var ErrMissingTransport = protoerr.NewProtocolError("exchange.send", errTransportEmpty{})

type errTransportEmpty struct{}

func (errTransportEmpty) Error() string { return "no transport registered" }

// RegisterTransport installs a named transport. In unicast mode id must be
// DefaultTransportID; in multicast mode id is caller-chosen (typically a
// screen position) and must be non-empty.
func (ex *MessageExchange) RegisterTransport(id string, send SendFunc, recv RecvFunc) error {
	if id == "" {
		return protoerr.NewProtocolError("exchange.register_transport", errEmptyTransportID{})
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if _, exists := ex.transports[id]; !exists {
		ex.order = append(ex.order, id)
	}
	ex.transports[id] = &transport{
		id:     id,
		send:   send,
		recv:   recv,
		parser: message.NewParser(ex.cfg.MaxChunk),
	}
	return nil
}

type errEmptyTransportID struct{}

func (errEmptyTransportID) Error() string { return "transport id must not be empty" }

// RemoveTransport uninstalls a transport, e.g. when a client disconnects
// from a multicast handler's transport map.
func (ex *MessageExchange) RemoveTransport(id string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if _, ok := ex.transports[id]; !ok {
		return
	}
	delete(ex.transports, id)
	for i, existing := range ex.order {
		if existing == id {
			ex.order = append(ex.order[:i], ex.order[i+1:]...)
			break
		}
	}
}

// TransportCount reports how many transports are currently registered.
func (ex *MessageExchange) TransportCount() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return len(ex.order)
}

// RegisterHandler installs the auto-dispatch handler for msgType, replacing
// any previous registration.
func (ex *MessageExchange) RegisterHandler(msgType message.Type, h Handler) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.handlers[msgType] = h
}

// SetAutoDispatch switches delivery mode after construction, letting a
// caller run a handshake in manual-queue mode (Receive/ReceiveTimeout) and
// then flip to auto-dispatch once handlers are registered for the steady
// state — e.g. the connection handlers' command exchange, which receives
// its screen/command notices long after the handshake's manual exchange.
func (ex *MessageExchange) SetAutoDispatch(v bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.cfg.AutoDispatch = v
}

// nextSequence assigns a monotonically increasing sequence_id per exchange
// instance, mirroring the single-writer-sequence-counter the teacher's
// chunk.Writer keeps per stream.
func (ex *MessageExchange) nextSequence() uint64 {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.sequence++
	return ex.sequence
}

// Send implements §4.2's send contract: optional auto-chunking, then
// delivery to every registered transport in deterministic registry order,
// stamping an empty message.Target with the transport id.
func (ex *MessageExchange) Send(m *message.ProtocolMessage) error {
	if m.SequenceID == 0 {
		m.SequenceID = ex.nextSequence()
	}

	parts := []*message.ProtocolMessage{m}
	if ex.cfg.AutoChunk {
		chunks, err := message.Split(m, ex.cfg.MaxChunk)
		if err != nil {
			return protoerr.NewProtocolError("exchange.split", err)
		}
		if chunks != nil {
			parts = chunks
		}
	}

	ex.mu.Lock()
	order := make([]string, len(ex.order))
	copy(order, ex.order)
	transports := make(map[string]*transport, len(ex.transports))
	for k, v := range ex.transports {
		transports[k] = v
	}
	ex.mu.Unlock()

	if len(order) == 0 {
		return ErrMissingTransport
	}

	for _, part := range parts {
		for _, id := range order {
			tr := transports[id]
			out := part.Clone()
			if out.Target == "" {
				out.Target = id
			}
			frame, err := message.Encode(out)
			if err != nil {
				return protoerr.NewProtocolError("exchange.encode", err)
			}
			if err := tr.send(frame); err != nil {
				if ex.metrics != nil {
					ex.metrics.RecordError(ex.connID)
				}
				return err
			}
			if ex.metrics != nil {
				ex.metrics.RecordSent(ex.connID, len(frame))
			}
		}
	}
	return nil
}

// Receive pulls one message from the bounded received-message queue,
// blocking until one arrives or ctx is done. Used when AutoDispatch is
// false (e.g. the handshake's manual-queue MessageExchange, §4.3 step 1).
func (ex *MessageExchange) Receive(ctx context.Context) (*message.ProtocolMessage, error) {
	select {
	case m := <-ex.queue:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceiveTimeout is Receive bounded by a fixed duration, returning a
// TimeoutError on expiry (used by the handshake's HandshakeMsgTimeout /
// ConnectionAttemptTimeout waits).
func (ex *MessageExchange) ReceiveTimeout(d time.Duration) (*message.ProtocolMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	m, err := ex.Receive(ctx)
	if err != nil {
		return nil, protoerr.NewTimeoutError("exchange.receive", d, err)
	}
	return m, nil
}

// Start launches the receive loop and the reassembly-deadline sweep as
// cooperative goroutines. Calling Start twice is a no-op.
func (ex *MessageExchange) Start(ctx context.Context) {
	ex.mu.Lock()
	if ex.started {
		ex.mu.Unlock()
		return
	}
	ex.started = true
	runCtx, cancel := context.WithCancel(ctx)
	ex.cancel = cancel
	ex.mu.Unlock()

	ex.wg.Add(2)
	go ex.receiveLoop(runCtx)
	go ex.sweepLoop(runCtx)
}

// Stop halts the receive loop and sweep goroutine and waits for them to
// exit.
func (ex *MessageExchange) Stop() {
	ex.mu.Lock()
	if !ex.started {
		ex.mu.Unlock()
		return
	}
	ex.started = false
	cancel := ex.cancel
	ex.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ex.wg.Wait()
}

// receiveLoop is the single cooperative task of §4.2's "Receive loop":
// round-robins every registered transport, pulling up to ReceiveBuffer
// bytes per tick and running the §4.1 parser over the accumulated buffer.
func (ex *MessageExchange) receiveLoop(ctx context.Context) {
	defer ex.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ex.pollOnce()
		}
	}
}

func (ex *MessageExchange) pollOnce() {
	ex.mu.Lock()
	order := make([]string, len(ex.order))
	copy(order, ex.order)
	transports := make(map[string]*transport, len(ex.transports))
	for k, v := range ex.transports {
		transports[k] = v
	}
	ex.mu.Unlock()

	buf := bufpool.Get(ex.cfg.ReceiveBuffer)
	defer bufpool.Put(buf)

	for _, id := range order {
		tr, ok := transports[id]
		if !ok {
			continue
		}
		n, err := tr.recv(buf)
		if n > 0 {
			tr.parser.Feed(buf[:n])
			if ex.metrics != nil {
				ex.metrics.RecordReceived(ex.connID, n)
			}
			ex.drainTransport(tr)
		}
		if err != nil {
			if ex.metrics != nil {
				ex.metrics.RecordError(ex.connID)
			}
		}
	}
}

func (ex *MessageExchange) drainTransport(tr *transport) {
	for {
		msg, ok, err := tr.parser.Next()
		if err != nil {
			logger.Logger().Warn("exchange: frame parse error, resyncing", "error", err)
			continue
		}
		if !ok {
			return
		}
		ex.handleDecoded(msg)
	}
}

func (ex *MessageExchange) handleDecoded(msg *message.ProtocolMessage) {
	if msg.MessageType == message.TypeHeartbeat {
		return
	}

	if msg.IsChunk {
		ex.mu.Lock()
		if _, tracked := ex.deadlines[msg.MessageID]; !tracked {
			ex.deadlines[msg.MessageID] = time.Now().Add(ex.cfg.HeartbeatInterval * ReassemblyDeadlineMultiplier)
		}
		ex.mu.Unlock()

		body, err := ex.reassembler.Feed(msg)
		if err != nil {
			logger.Logger().Warn("exchange: chunk reassembly error", "error", err)
			return
		}
		if body == nil {
			return
		}

		ex.mu.Lock()
		delete(ex.deadlines, msg.MessageID)
		ex.mu.Unlock()

		reconstructed, err := message.Decode(body)
		if err != nil {
			logger.Logger().Warn("exchange: reassembled message decode failed", "error", err)
			return
		}
		msg = reconstructed
	}

	if ex.metrics != nil {
		ex.metrics.RecordLatency(ex.connID, msg.Age(time.Now()))
	}

	if ex.cfg.AutoDispatch {
		ex.mu.Lock()
		h, ok := ex.handlers[msg.MessageType]
		ex.mu.Unlock()
		if !ok {
			logger.Logger().Debug("exchange: no handler registered, dropping message", "message_type", string(msg.MessageType))
			return
		}
		h(msg)
		return
	}

	select {
	case ex.queue <- msg:
	default:
		// Bounded queue is full; drop the oldest entry to admit this one
		// (§4.2: "oldest-drop is acceptable but must be documented").
		select {
		case <-ex.queue:
		default:
		}
		select {
		case ex.queue <- msg:
		default:
		}
	}
}

// sweepLoop evicts chunk reassemblies that have sat incomplete past their
// deadline (§6), at a cadence of one HeartbeatInterval.
func (ex *MessageExchange) sweepLoop(ctx context.Context) {
	defer ex.wg.Done()
	interval := ex.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ex.sweepOnce()
		}
	}
}

func (ex *MessageExchange) sweepOnce() {
	now := time.Now()
	ex.mu.Lock()
	var expired []string
	for id, deadline := range ex.deadlines {
		if now.After(deadline) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(ex.deadlines, id)
	}
	ex.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	n := ex.reassembler.Evict(expired)
	if n > 0 {
		logger.Logger().Warn("exchange: evicted expired chunk reassemblies", "count", n)
	}
}
