// Package iface declares the external collaborator contracts §6 names as
// out of scope for this repository: OS-specific mouse/keyboard/clipboard
// capture and injection, and the edge-detection geometry that decides when
// the cursor crosses a screen edge. The fabric consumes these as plain Go
// interfaces; it never implements a platform backend itself.
package iface

import "github.com/kvmfabric/kvmfabric/internal/fabric/clients"

// MouseAction enumerates the kinds of mouse activity a MouseSource emits.
type MouseAction string

const (
	MouseMove     MouseAction = "move"
	MousePosition MouseAction = "position"
	MouseClick    MouseAction = "click"
	MouseRClick   MouseAction = "rclick"
	MouseScroll   MouseAction = "scroll"
)

// MouseEvent mirrors §6's MouseEvent{x,y,dx,dy,button,action,is_pressed}.
// X and Y are normalized to [0,1] of the producer screen unless Action is
// MouseMove, in which case DX/DY carry a relative delta instead.
type MouseEvent struct {
	X, Y      float64
	DX, DY    float64
	Button    string
	Action    MouseAction
	IsPressed bool
}

// KeyboardAction enumerates key transitions a KeyboardSource emits.
type KeyboardAction string

const (
	KeyPress   KeyboardAction = "press"
	KeyRelease KeyboardAction = "release"
)

// KeyboardEvent mirrors §6's KeyboardEvent{key, action}. Key is a canonical
// key name; the canonicalization scheme itself is a platform-backend
// concern, not specified here.
type KeyboardEvent struct {
	Key    string
	Action KeyboardAction
}

// ClipboardEvent mirrors §6's ClipboardEvent{content, content_type}.
type ClipboardEvent struct {
	Content     string
	ContentType string
}

// MouseSource emits locally captured mouse activity for forwarding to the
// active client. Events must be consumed promptly; a slow consumer applies
// backpressure only as far as the stream handler's bounded queue (§5).
type MouseSource interface {
	Events() <-chan MouseEvent
}

// MouseSink injects a received MouseEvent into the local OS input queue.
type MouseSink interface {
	Inject(MouseEvent) error
}

// KeyboardSource emits locally captured keyboard activity.
type KeyboardSource interface {
	Events() <-chan KeyboardEvent
}

// KeyboardSink injects a received KeyboardEvent into the local OS input queue.
type KeyboardSink interface {
	Inject(KeyboardEvent) error
}

// ClipboardSource emits local clipboard contents when they change.
type ClipboardSource interface {
	Events() <-chan ClipboardEvent
}

// ClipboardSink writes a received ClipboardEvent to the local clipboard.
type ClipboardSink interface {
	Inject(ClipboardEvent) error
}

// CrossScreen is the command an EdgeDetector issues on an edge crossing
// (§6): Position names the screen the cursor crossed into (clients.None
// when control returns to the server's own screen), and NormalizedX/Y carry
// the crossing point for the sink side to seed its cursor position.
type CrossScreen struct {
	Position     clients.ScreenPosition
	NormalizedX  float64
	NormalizedY  float64
}

// EdgeDetector emits CrossScreen commands when the cursor crosses the
// server screen's boundary into (or back out of) a neighboring client's
// screen. The geometry deciding "when" is an external collaborator; the
// fabric only reacts to the resulting CrossScreen stream by dispatching
// ActiveScreenChanged (server) or ClientActive/ClientInactive (client).
type EdgeDetector interface {
	CrossScreens() <-chan CrossScreen
}
