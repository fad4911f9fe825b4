// Package message implements the wire protocol of §4.1: the ProtocolMessage
// envelope, its JSON-over-bytes framing, and chunk splitting/reassembly for
// payloads larger than MaxChunk.
package message

import (
	"encoding/json"
	"time"
)

// ProtocolMessage is the unit of communication exchanged between every
// connection handler and stream handler in the fabric.
type ProtocolMessage struct {
	MessageType Type           `json:"message_type"`
	Timestamp   float64        `json:"timestamp"`
	SequenceID  uint64         `json:"sequence_id"`
	MessageID   string         `json:"message_id,omitempty"`
	IsChunk     bool           `json:"is_chunk,omitempty"`
	ChunkIndex  uint32         `json:"chunk_index,omitempty"`
	TotalChunks uint32         `json:"total_chunks,omitempty"`
	Source      string         `json:"source"`
	Target      string         `json:"target,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// New builds a ProtocolMessage stamped with the current time, leaving the
// caller to set SequenceID (assigned by the sender's exchange instance).
func New(msgType Type, source string, payload map[string]any) *ProtocolMessage {
	return &ProtocolMessage{
		MessageType: msgType,
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
		Source:      source,
		Payload:     payload,
	}
}

// Age returns how long ago m was stamped, per §4.2's latency metric
// (now - message.timestamp on receive).
func (m *ProtocolMessage) Age(now time.Time) time.Duration {
	sent := time.Unix(0, int64(m.Timestamp*1e9))
	return now.Sub(sent)
}

// Clone returns a shallow copy of m suitable for per-transport target
// mutation (§4.2 send contract: "if message.target is empty, set it to the
// current transport_id").
func (m *ProtocolMessage) Clone() *ProtocolMessage {
	cp := *m
	return &cp
}

// Decode parses the JSON body of a reassembled message (the concatenation
// of every chunk's data) back into a ProtocolMessage, for callers that hold
// raw bytes produced by Reassembler.Feed.
func Decode(b []byte) (*ProtocolMessage, error) {
	return unmarshal(b)
}

func marshal(m *ProtocolMessage) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshal(b []byte) (*ProtocolMessage, error) {
	var m ProtocolMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
