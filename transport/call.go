package transport

import (
	"sync/atomic"
	"time"

	"gbx-controller/protocol"
	"gbx-controller/value"
)

// Call is an in-flight request. It is resolved exactly once: either Result
// or Error is set, then the Call is sent on Done.
type Call struct {
	Handle      protocol.Handle
	Method      string
	Params      []value.Value
	SubmittedAt time.Time

	Result value.Value
	Error  error // *value.Fault for a remote fault
	Done   chan *Call

	abandoned atomic.Bool
}

// done never blocks: Done is buffered and written once.
func (c *Call) done() {
	select {
	case c.Done <- c:
	default:
	}
}

// Abandoned reports whether the caller stopped waiting for this call.
func (c *Call) Abandoned() bool { return c.abandoned.Load() }
