// Package clients holds the data model shared by the server and client
// connection handlers: stream kinds, screen positions, client identity and
// its live connection state.
package clients

import "fmt"

// StreamKind identifies the purpose of one dedicated TCP (optionally TLS)
// stream. Values are wire-visible and must never be reassigned.
type StreamKind int

const (
	Command   StreamKind = 0
	Mouse     StreamKind = 1
	Keyboard  StreamKind = 4
	Clipboard StreamKind = 12
	File      StreamKind = 16
)

// String renders a StreamKind for logs and config files.
func (k StreamKind) String() string {
	switch k {
	case Command:
		return "command"
	case Mouse:
		return "mouse"
	case Keyboard:
		return "keyboard"
	case Clipboard:
		return "clipboard"
	case File:
		return "file"
	default:
		return fmt.Sprintf("stream-kind-%d", int(k))
	}
}

// ParseStreamKind resolves a canonical name back into a StreamKind.
func ParseStreamKind(s string) (StreamKind, bool) {
	switch s {
	case "command":
		return Command, true
	case "mouse":
		return Mouse, true
	case "keyboard":
		return Keyboard, true
	case "clipboard":
		return Clipboard, true
	case "file":
		return File, true
	default:
		return 0, false
	}
}
