package message

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Split divides m's serialized payload into ⌈S/maxChunk⌉ chunk messages when
// its serialized size exceeds maxChunk (§4.1 Chunking). It returns nil, nil
// if m does not need chunking.
func Split(m *ProtocolMessage, maxChunk int) ([]*ProtocolMessage, error) {
	body, err := marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body) <= maxChunk {
		return nil, nil
	}

	messageID := uuid.NewString()
	total := (len(body) + maxChunk - 1) / maxChunk
	chunks := make([]*ProtocolMessage, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxChunk
		end := start + maxChunk
		if end > len(body) {
			end = len(body)
		}
		chunks = append(chunks, &ProtocolMessage{
			MessageType: m.MessageType,
			Timestamp:   m.Timestamp,
			SequenceID:  m.SequenceID,
			MessageID:   messageID,
			IsChunk:     true,
			ChunkIndex:  uint32(i),
			TotalChunks: uint32(total),
			Source:      m.Source,
			Target:      m.Target,
			Payload: map[string]any{
				"data":          base64.StdEncoding.EncodeToString(body[start:end]),
				"original_type": string(m.MessageType),
			},
		})
	}
	return chunks, nil
}

// Reassembler tracks in-flight chunked messages by message_id, per §4.2's
// reassembly contract: a map message_id -> slot_vector[total_chunks]. Feed
// runs on the exchange's receive loop while Evict runs on its separate sweep
// loop, so pending is guarded by mu rather than left to the caller.
type Reassembler struct {
	mu      sync.Mutex
	pending map[string]*partial
}

type partial struct {
	slots    [][]byte
	filled   int
	total    int
	carrier  ProtocolMessage
	deadline int64 // unix nanos, set by caller; zero means no deadline tracked here
}

// NewReassembler creates an empty chunk reassembly table.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[string]*partial)}
}

// Feed accepts one chunk ProtocolMessage and returns the fully reassembled
// serialized payload once every index for its message_id has arrived, or nil
// if the message is still incomplete.
func (r *Reassembler) Feed(chunk *ProtocolMessage) ([]byte, error) {
	if !chunk.IsChunk {
		return nil, fmt.Errorf("message: Feed called with non-chunk message")
	}
	if chunk.TotalChunks == 0 || chunk.ChunkIndex >= chunk.TotalChunks {
		return nil, fmt.Errorf("message: chunk index %d out of range for total %d", chunk.ChunkIndex, chunk.TotalChunks)
	}

	data, _ := chunk.Payload["data"].(string)
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("message: chunk payload not base64: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[chunk.MessageID]
	if !ok {
		p = &partial{
			slots:   make([][]byte, chunk.TotalChunks),
			total:   int(chunk.TotalChunks),
			carrier: *chunk,
		}
		r.pending[chunk.MessageID] = p
	}

	idx := int(chunk.ChunkIndex)
	if p.slots[idx] == nil {
		p.slots[idx] = raw
		p.filled++
	} else {
		p.slots[idx] = raw
	}

	if p.filled < p.total {
		return nil, nil
	}

	delete(r.pending, chunk.MessageID)
	total := 0
	for _, s := range p.slots {
		total += len(s)
	}
	out := make([]byte, 0, total)
	for _, s := range p.slots {
		out = append(out, s...)
	}
	return out, nil
}

// Evict removes every pending reassembly whose message_id is in expired,
// called by the exchange layer's sweep goroutine (§6: 10*heartbeat_interval
// deadline). Returns the number of entries dropped.
func (r *Reassembler) Evict(expired []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range expired {
		if _, ok := r.pending[id]; ok {
			delete(r.pending, id)
			n++
		}
	}
	return n
}

// PendingIDs returns the message_ids currently awaiting completion. The
// exchange's sweep goroutine does not call it; it tracks deadlines itself.
func (r *Reassembler) PendingIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	return ids
}
