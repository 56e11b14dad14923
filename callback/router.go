package callback

import (
	"sync"

	"github.com/rs/zerolog"

	"gbx-controller/message"
	"gbx-controller/transport"
)

// Router is an event sink dispatching each event to the handlers registered
// for its bare name. Handlers run on the goroutine that delivers the event,
// in registration order; put a Queue in front of the Router to keep slow
// handlers off the connection's receive loop.
type Router struct {
	log zerolog.Logger

	mu    sync.RWMutex
	raw   map[string][]func(*message.Event)
	typed map[string][]func(any)
	all   []func(*message.Event)
}

var _ transport.EventSink = (*Router)(nil)

func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		log:   logger,
		raw:   make(map[string][]func(*message.Event)),
		typed: make(map[string][]func(any)),
	}
}

// On registers fn for every event whose bare name is name.
func (r *Router) On(name string, fn func(*message.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw[name] = append(r.raw[name], fn)
}

// OnAny registers fn for every event.
func (r *Router) OnAny(fn func(*message.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, fn)
}

func (r *Router) onTyped(name string, fn func(any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typed[name] = append(r.typed[name], fn)
}

func (r *Router) OnPlayerConnect(fn func(PlayerConnect)) {
	r.onTyped(NamePlayerConnect, func(v any) { fn(v.(PlayerConnect)) })
}

func (r *Router) OnPlayerDisconnect(fn func(PlayerDisconnect)) {
	r.onTyped(NamePlayerDisconnect, func(v any) { fn(v.(PlayerDisconnect)) })
}

func (r *Router) OnPlayerChat(fn func(PlayerChat)) {
	r.onTyped(NamePlayerChat, func(v any) { fn(v.(PlayerChat)) })
}

func (r *Router) OnBeginMap(fn func(BeginMap)) {
	r.onTyped(NameBeginMap, func(v any) { fn(v.(BeginMap)) })
}

func (r *Router) OnEndMap(fn func(EndMap)) {
	r.onTyped(NameEndMap, func(v any) { fn(v.(EndMap)) })
}

// HandleEvent implements transport.EventSink. An event whose arguments do
// not fit its callback type is logged and skipped by the typed handlers;
// raw handlers still see it.
func (r *Router) HandleEvent(ev *message.Event) {
	name := Name(ev.Method)

	r.mu.RLock()
	all := r.all
	raw := r.raw[name]
	typed := r.typed[name]
	r.mu.RUnlock()

	for _, fn := range all {
		fn(ev)
	}
	for _, fn := range raw {
		fn(ev)
	}
	if len(typed) == 0 {
		if len(all) == 0 && len(raw) == 0 {
			r.log.Debug().Str("method", ev.Method).Msg("no handler")
		}
		return
	}
	cb, err := Parse(ev)
	if err != nil {
		r.log.Warn().Err(err).Str("method", ev.Method).Msg("malformed callback")
		return
	}
	for _, fn := range typed {
		fn(cb)
	}
}
