package clients

import (
	"net"
	"sync"
)

// StreamPair is one TCP (optionally TLS) socket dedicated to a single
// StreamKind. Reader and writer halves are the same net.Conn; the split
// naming follows §3's ClientConnection definition, which treats a stream as
// a (reader_half, writer_half) bundle even when both sides share one socket.
type StreamPair struct {
	Kind StreamKind
	Conn net.Conn

	mu     sync.Mutex
	closed bool
}

// NewStreamPair wraps an established net.Conn for the given kind.
func NewStreamPair(kind StreamKind, conn net.Conn) *StreamPair {
	return &StreamPair{Kind: kind, Conn: conn}
}

// Closed reports whether this pair has already been torn down.
func (p *StreamPair) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes the underlying socket exactly once.
func (p *StreamPair) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.Conn != nil {
		return p.Conn.Close()
	}
	return nil
}

// ClientConnection is the client-addressed bundle of StreamPairs
// established at handshake time. Exactly one exists per connected client;
// it is single-shot — once closed it is never reused, a fresh one is
// created on reconnect.
type ClientConnection struct {
	mu      sync.RWMutex
	streams map[StreamKind]*StreamPair
	closed  bool
}

// NewClientConnection creates an empty connection bundle ready to receive
// stream pairs as the handshake (or a reconnect) provisions them.
func NewClientConnection() *ClientConnection {
	return &ClientConnection{streams: make(map[StreamKind]*StreamPair)}
}

// SetStream installs (or replaces, on reopen) the pair for kind.
func (c *ClientConnection) SetStream(kind StreamKind, pair *StreamPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[kind] = pair
}

// Stream returns the pair for kind, or nil if not provisioned.
func (c *ClientConnection) Stream(kind StreamKind) *StreamPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streams[kind]
}

// Kinds returns the set of provisioned stream kinds.
func (c *ClientConnection) Kinds() []StreamKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StreamKind, 0, len(c.streams))
	for k := range c.streams {
		out = append(out, k)
	}
	return out
}

// Closed reports whether Close has already run.
func (c *ClientConnection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close tears down every stream pair. Safe to call more than once.
func (c *ClientConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var firstErr error
	for _, pair := range c.streams {
		if err := pair.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
