package transport

import "gbx-controller/message"

// EventSink receives server-pushed events. HandleEvent runs on the receive
// goroutine, one event at a time, in wire order.
type EventSink interface {
	HandleEvent(ev *message.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev *message.Event)

func (f EventSinkFunc) HandleEvent(ev *message.Event) { f(ev) }
