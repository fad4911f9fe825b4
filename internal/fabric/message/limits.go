package message

// DefaultMaxChunk is the default split boundary for outgoing messages larger
// than MaxChunk bytes once serialized (§4.1 Chunking, §4.2 Configuration).
const DefaultMaxChunk = 1024

// MaxFrameSize bounds a single frame's body length; frames claiming to be
// larger are treated as corrupt and trigger byte-level resync (§4.1 step 3).
func MaxFrameSize(maxChunk int) int {
	return maxChunk * 100
}

// frameMarker is emitted literally immediately after the 4-byte length
// prefix of every frame (§4.1 Serialization).
var frameMarker = [2]byte{'P', 'Y'}

// lengthPrefixSize is the size in bytes of the frame's length prefix.
const lengthPrefixSize = 4

// headerSize is lengthPrefixSize + len(frameMarker): the fixed portion of a
// frame preceding its body.
const headerSize = lengthPrefixSize + 2
