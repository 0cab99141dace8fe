package isobus

// Endpoint is the boundary the core consumes to reach a physical or
// simulated CAN port. It is intentionally the only place in the core where
// host-specific I/O appears; SocketCAN adapters, virtual buses, and test
// doubles all implement this small capability set.
//
// Both Send and Recv are non-blocking: Recv returns ErrNoFrame when no
// frame is currently available instead of blocking the caller, so that
// Router.Update can drain every port in a single pass without stalling.
type Endpoint interface {
	// Send transmits frame. Implementations must accept any 8-byte
	// extended-identifier frame; non-blocking.
	Send(frame Frame) error
	// Recv returns the next received frame, or ErrNoFrame if none is
	// currently queued. Non-blocking.
	Recv() (Frame, error)
	// CanSend reports whether the endpoint is currently able to accept a
	// frame (e.g. the underlying link is up).
	CanSend() bool
	// CanRecv reports whether the endpoint may currently have frames
	// queued for Recv.
	CanRecv() bool
	// Name identifies the endpoint for diagnostics.
	Name() string
}

// ErrNoFrame is returned by Endpoint.Recv when no frame is queued. It is a
// normal, expected condition rather than a failure and is never wrapped in
// EndpointError by the router.
var ErrNoFrame = errNoFrame{}

type errNoFrame struct{}

func (errNoFrame) Error() string { return "isobus: no frame available" }
