// Package message defines the envelopes exchanged between the controller and
// the dedicated server.
//
// A Call travels client → server with a request handle; the server answers
// with a Response on the same handle. An Event is a server-initiated Call
// sent on an event handle and is never answered.
package message

import "gbx-controller/value"

// Call is a remote procedure invocation.
type Call struct {
	Method string        // e.g. "GetPlayerList", "system.listMethods"
	Params []value.Value // positional arguments, may be empty
}

// Response carries either a result or a fault, never both.
//
//   - success: Result is set (value.Nil{} for an empty result), Fault is nil.
//   - failure: Fault is set, Result is nil.
type Response struct {
	Result value.Value
	Fault  *value.Fault
}

// Event is an unsolicited notification pushed by the server.
type Event struct {
	Method string
	Args   []value.Value
}

// EventFromCall reinterprets a decoded call document as an event.
func EventFromCall(c *Call) *Event {
	return &Event{Method: c.Method, Args: c.Params}
}
