package message

// Type is the wire-visible discriminant for a ProtocolMessage. The original
// dispatch dynamically matched a free-form message_type string; this
// implementation pins it to a closed tagged set so handlers register
// against a typed discriminant instead of a string (§9 REDESIGN FLAGS).
type Type string

const (
	TypeExchange  Type = "exchange"
	TypeHeartbeat Type = "heartbeat"
	TypeMouse     Type = "mouse"
	TypeKeyboard  Type = "keyboard"
	TypeClipboard Type = "clipboard"
	TypeScreen    Type = "screen"
	TypeFile      Type = "file"
	TypeCommand   Type = "command"
)

// IsReserved reports whether t is one of the protocol's own built-in
// message types (as opposed to a user-defined extension tag).
func IsReserved(t Type) bool {
	switch t {
	case TypeExchange, TypeHeartbeat, TypeMouse, TypeKeyboard, TypeClipboard, TypeScreen, TypeFile, TypeCommand:
		return true
	default:
		return false
	}
}
