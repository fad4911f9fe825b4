package message

import (
	"bytes"
	"encoding/binary"

	protoerr "github.com/kvmfabric/kvmfabric/internal/errors"
)

// Encode serializes m into a framed byte slice: uint32_be(length) || "PY" ||
// body, where body is the JSON encoding of m (§4.1 Serialization).
func Encode(m *ProtocolMessage) ([]byte, error) {
	body, err := marshal(m)
	if err != nil {
		return nil, protoerr.NewProtocolError("frame.encode", err)
	}
	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	out[4], out[5] = frameMarker[0], frameMarker[1]
	copy(out[headerSize:], body)
	return out, nil
}

// Parser implements the persistent-buffer receive parser of §4.1: callers
// feed it bytes as they arrive over the transport, and it yields fully
// decoded messages, silently resyncing past invalid or oversize frames. Not
// safe for concurrent use; one Parser per transport read loop.
type Parser struct {
	buf      []byte
	maxChunk int
}

// NewParser creates a parser bounding frame bodies at MaxFrameSize(maxChunk).
func NewParser(maxChunk int) *Parser {
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunk
	}
	return &Parser{maxChunk: maxChunk}
}

// Feed appends newly read bytes to the parser's pending buffer.
func (p *Parser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// Next attempts to decode one ProtocolMessage from the pending buffer. It
// returns (msg, true, nil) on success and (nil, false, nil) if more data is
// needed. The error result is always nil: invalid, oversize and undecodable
// frames are not reported; Next resyncs past them internally.
func (p *Parser) Next() (*ProtocolMessage, bool, error) {
	for {
		if len(p.buf) < headerSize {
			return nil, false, nil
		}
		if p.buf[4] != frameMarker[0] || p.buf[5] != frameMarker[1] {
			// Search for the next "PY" occurrence anywhere in the buffer and
			// discard everything before its would-be 4-byte length prefix
			// (§4.1 step 2). If the marker sits too close to the start to
			// have a full prefix ahead of it, skip past it and keep looking.
			search := 0
			for {
				idx := bytes.Index(p.buf[search:], frameMarker[:])
				if idx < 0 {
					// No marker in the buffer; retain only enough trailing
					// bytes to still catch a marker split across reads.
					if len(p.buf) > 1 {
						p.buf = p.buf[len(p.buf)-1:]
					}
					break
				}
				markerPos := search + idx
				lenStart := markerPos - lengthPrefixSize
				if lenStart < 0 {
					search = markerPos + 1
					continue
				}
				p.buf = p.buf[lenStart:]
				break
			}
			continue
		}

		l := binary.BigEndian.Uint32(p.buf[0:4])
		if int(l) > MaxFrameSize(p.maxChunk) {
			p.buf = p.buf[1:]
			continue
		}
		need := headerSize + int(l)
		if len(p.buf) < need {
			return nil, false, nil
		}
		body := p.buf[headerSize:need]
		msg, err := unmarshal(body)
		if err != nil {
			p.buf = p.buf[1:]
			continue
		}
		p.buf = p.buf[need:]
		return msg, true, nil
	}
}
