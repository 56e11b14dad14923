package callback

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gbx-controller/message"
	"gbx-controller/transport"
)

// Queue hands events from the receive loop to a goroutine of the caller's
// choosing. HandleEvent never blocks: when the buffer is full the event is
// dropped and counted.
type Queue struct {
	events  chan *message.Event
	next    transport.EventSink
	dropped atomic.Uint64
	log     zerolog.Logger
}

var _ transport.EventSink = (*Queue)(nil)

// NewQueue buffers up to size events for next.
func NewQueue(size int, next transport.EventSink) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		events: make(chan *message.Event, size),
		next:   next,
		log:    log.Logger.With().Str("component", "callback_queue").Logger(),
	}
}

func (q *Queue) HandleEvent(ev *message.Event) {
	select {
	case q.events <- ev:
	default:
		n := q.dropped.Add(1)
		q.log.Warn().Str("method", ev.Method).Uint64("dropped", n).Msg("event queue full")
	}
}

// Run delivers queued events to next until ctx ends. Events still queued
// when ctx ends are discarded.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-q.events:
			q.next.HandleEvent(ev)
		}
	}
}

// Len reports how many events wait for delivery.
func (q *Queue) Len() int { return len(q.events) }

func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
