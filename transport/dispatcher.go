// Package transport implements the dispatcher: request/response correlation
// and event demultiplexing over one framed connection.
//
// Many goroutines may submit calls concurrently. Each request gets a unique
// handle, and a single background goroutine (recvLoop) reads every frame,
// routing responses to the call that owns the handle and events to the
// registered sink.
//
//	goroutine-1 ──Submit(h=0x80000000)──┐
//	goroutine-2 ──Submit(h=0x80000001)──┼──→ single conn ──→ dedicated server
//	goroutine-3 ──Submit(h=0x80000002)──┘
//
//	recvLoop:  ←── response(h=0x80000001) → pending[h] → goroutine-2 wakes up
//	           ←── event(h=0x00000007)    → sink.HandleEvent, in arrival order
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gbx-controller/codec"
	"gbx-controller/message"
	"gbx-controller/protocol"
	"gbx-controller/value"
)

// State is the lifecycle of a Dispatcher. It only moves forward.
type State int32

const (
	StateIdle     State = iota // constructed, receive loop not started
	StateRunning               // accepting submissions
	StateDraining              // tearing down, submissions rejected
	StateStopped               // every pending call resolved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// DefaultUnknownHandleLimit is how many responses for handles nobody is
// waiting on a connection tolerates before it is torn down.
const DefaultUnknownHandleLimit = 8

// Dispatcher owns one connection after its handshake.
type Dispatcher struct {
	conn    net.Conn
	codec   codec.Codec
	log     zerolog.Logger
	metrics *Collector

	maxPayload   int
	unknownLimit int

	sending sync.Mutex // serializes frame writes; taken before mu

	mu      sync.Mutex // guards state, started, next, pending, err
	state   State
	started bool
	next    protocol.Handle
	pending map[protocol.Handle]*Call
	err     error

	sink    atomic.Pointer[sinkHolder]
	unknown int // receive goroutine only

	teardownOnce sync.Once
	done         chan struct{}
}

type sinkHolder struct{ sink EventSink }

type Option func(*Dispatcher)

func WithCodec(c codec.Codec) Option { return func(d *Dispatcher) { d.codec = c } }

func WithLogger(l zerolog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithMetrics records dispatcher activity on c. A Collector may be shared by
// several dispatchers.
func WithMetrics(c *Collector) Option { return func(d *Dispatcher) { d.metrics = c } }

// WithMaxPayload bounds inbound and outbound frame payloads.
func WithMaxPayload(n int) Option { return func(d *Dispatcher) { d.maxPayload = n } }

// WithUnknownHandleLimit sets how many unknown response handles are
// tolerated before teardown. Zero tolerates them forever (each one is still
// logged and counted).
func WithUnknownHandleLimit(n int) Option { return func(d *Dispatcher) { d.unknownLimit = n } }

// WithEventSink installs the event sink before the receive loop starts, so
// no early event is missed.
func WithEventSink(s EventSink) Option { return func(d *Dispatcher) { d.SetEventSink(s) } }

// NewDispatcher wraps a connection whose handshake has completed. The
// dispatcher is Idle until Start.
func NewDispatcher(conn net.Conn, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conn:         conn,
		codec:        codec.XMLCodec{},
		log:          log.Logger.With().Str("component", "dispatcher").Logger(),
		maxPayload:   protocol.DefaultMaxPayload,
		unknownLimit: DefaultUnknownHandleLimit,
		next:         protocol.FirstRequestHandle,
		pending:      make(map[protocol.Handle]*Call),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the receive loop and opens the dispatcher for submissions.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateIdle:
	case StateRunning:
		return errors.New("dispatcher already started")
	default:
		return &ClosedError{Cause: d.err}
	}
	d.state = StateRunning
	d.started = true
	go d.recvLoop()
	return nil
}

// Submit encodes and sends a request, returning its pending Call. Submit
// never blocks on the response; wait on Call.Done. Errors detected before
// anything was written (not ready, closed, unencodable, too large) are
// reported through the returned Call as well.
func (d *Dispatcher) Submit(method string, params []value.Value) *Call {
	call := &Call{
		Method: method,
		Params: params,
		Done:   make(chan *Call, 1),
	}

	payload, err := d.codec.EncodeCall(&message.Call{Method: method, Params: params})
	if err != nil {
		call.Error = err
		call.done()
		return call
	}
	if len(payload) > d.maxPayload {
		call.Error = fmt.Errorf("%w: %s request is %d bytes", protocol.ErrOversizedFrame, method, len(payload))
		call.done()
		return call
	}

	d.sending.Lock()
	defer d.sending.Unlock()

	// Register BEFORE writing: the response can arrive as soon as the last
	// byte leaves, and the receive loop must find the entry.
	d.mu.Lock()
	switch d.state {
	case StateRunning:
	case StateIdle:
		d.mu.Unlock()
		call.Error = ErrNotReady
		call.done()
		return call
	default:
		cause := d.err
		d.mu.Unlock()
		call.Error = &ClosedError{Cause: cause}
		call.done()
		return call
	}
	call.Handle = d.allocate()
	call.SubmittedAt = time.Now()
	d.pending[call.Handle] = call
	d.mu.Unlock()
	d.metrics.submitted()

	d.log.Debug().Str("method", method).Uint32("handle", uint32(call.Handle)).Msg("submit")

	if err := protocol.Encode(d.conn, call.Handle, payload); err != nil {
		err = fmt.Errorf("write %s: %w", method, err)
		if d.remove(call.Handle) {
			d.metrics.resolved(outcomeClosed, call.SubmittedAt)
			call.Error = &ClosedError{Cause: err}
			call.done()
		}
		d.teardown(err)
	}
	return call
}

// Call submits a request and waits for its outcome. If ctx ends first the
// call is abandoned: Call returns ctx.Err(), the handle stays reserved until
// the response arrives, and that response is discarded.
func (d *Dispatcher) Call(ctx context.Context, method string, params []value.Value) (value.Value, error) {
	call := d.Submit(method, params)
	select {
	case <-call.Done:
		return call.Result, call.Error
	case <-ctx.Done():
		call.abandoned.Store(true)
		select {
		case <-call.Done:
			return call.Result, call.Error
		default:
		}
		return nil, ctx.Err()
	}
}

// SetEventSink replaces the event sink. It may be called at any time; events
// already being delivered finish on the previous sink. nil discards events.
func (d *Dispatcher) SetEventSink(s EventSink) {
	if s == nil {
		d.sink.Store(nil)
		return
	}
	d.sink.Store(&sinkHolder{sink: s})
}

// Close tears the connection down. Pending calls fail with
// ErrConnectionClosed. Done is closed once the receive loop has exited.
func (d *Dispatcher) Close() error {
	d.teardown(ErrClosed)
	return nil
}

// Abort is Close with a cause of the caller's choosing, reported by Err and
// attached to the ClosedError of every pending call.
func (d *Dispatcher) Abort(cause error) {
	d.teardown(cause)
}

// Done is closed when the dispatcher has stopped.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err reports why the dispatcher stopped, or nil while it runs.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Pending returns the number of unresolved calls, abandoned ones included.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// allocate returns the next request handle that is not pending. Handles
// increase monotonically and wrap within the request range. Caller holds mu.
func (d *Dispatcher) allocate() protocol.Handle {
	for {
		h := d.next
		d.next++
		if d.next < protocol.FirstRequestHandle {
			d.next = protocol.FirstRequestHandle
		}
		if _, busy := d.pending[h]; !busy {
			return h
		}
	}
}

func (d *Dispatcher) remove(h protocol.Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[h]; !ok {
		return false
	}
	delete(d.pending, h)
	return true
}

// recvLoop runs in a dedicated goroutine, continuously reading frames from
// the connection. It is the only reader: a byte stream must be consumed
// sequentially to keep frame boundaries intact.
func (d *Dispatcher) recvLoop() {
	defer close(d.done)
	for {
		header, payload, err := protocol.Decode(d.conn, d.maxPayload)
		if err != nil {
			d.teardown(fmt.Errorf("read: %w", err))
			return
		}

		switch header.Handle.Kind() {
		case protocol.KindEvent:
			d.deliver(header.Handle, payload)
		case protocol.KindRequest:
			if err := d.resolve(header.Handle, payload); err != nil {
				d.teardown(err)
				return
			}
		}
	}
}

// resolve completes the call owning h. It returns an error only when the
// connection must be torn down.
func (d *Dispatcher) resolve(h protocol.Handle, payload []byte) error {
	d.mu.Lock()
	call, ok := d.pending[h]
	if ok {
		delete(d.pending, h)
	}
	d.mu.Unlock()

	if !ok {
		d.unknown++
		d.metrics.unknownHandle()
		d.log.Warn().Uint32("handle", uint32(h)).Int("seen", d.unknown).Msg("response for unknown handle")
		if d.unknownLimit > 0 && d.unknown >= d.unknownLimit {
			return fmt.Errorf("%w: %d responses without a pending request, last %#x", ErrUnknownHandle, d.unknown, uint32(h))
		}
		return nil
	}

	outcome := outcomeOK
	resp, err := d.codec.DecodeResponse(payload)
	switch {
	case err != nil:
		outcome = outcomeDecodeError
		call.Error = fmt.Errorf("%w: %s: %w", ErrDecode, call.Method, err)
	case resp.Fault != nil:
		outcome = outcomeFault
		call.Error = resp.Fault
	default:
		call.Result = resp.Result
	}
	if call.abandoned.Load() {
		outcome = outcomeAbandoned
		d.log.Debug().Str("method", call.Method).Uint32("handle", uint32(h)).Msg("discarding response to abandoned call")
	}
	d.metrics.resolved(outcome, call.SubmittedAt)
	call.done()
	return nil
}

// deliver hands one event to the sink on the receive goroutine. A sink that
// blocks stalls the whole connection; sinks needing isolation hand events
// off to their own goroutine.
func (d *Dispatcher) deliver(h protocol.Handle, payload []byte) {
	c, err := d.codec.DecodeCall(payload)
	if err != nil {
		d.metrics.event(eventDropped)
		d.log.Warn().Err(err).Uint32("handle", uint32(h)).Msg("dropping undecodable event")
		return
	}
	holder := d.sink.Load()
	if holder == nil {
		d.metrics.event(eventUnhandled)
		d.log.Debug().Str("method", c.Method).Msg("no event sink")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.metrics.event(eventPanicked)
			d.log.Error().Interface("panic", r).Str("method", c.Method).Msg("event sink panicked")
		}
	}()
	holder.sink.HandleEvent(message.EventFromCall(c))
	d.metrics.event(eventDelivered)
}

// teardown runs once: reject new submissions, close the connection, resolve
// every pending call with ErrConnectionClosed, then report Stopped.
func (d *Dispatcher) teardown(cause error) {
	d.teardownOnce.Do(func() {
		d.mu.Lock()
		d.state = StateDraining
		d.err = cause
		started := d.started
		pending := d.pending
		d.pending = make(map[protocol.Handle]*Call)
		d.mu.Unlock()

		d.conn.Close()

		closed := &ClosedError{Cause: cause}
		for _, call := range pending {
			call.Error = closed
			d.metrics.resolved(outcomeClosed, call.SubmittedAt)
			call.done()
		}

		d.mu.Lock()
		d.state = StateStopped
		d.mu.Unlock()

		ev := d.log.Info()
		if !errors.Is(cause, ErrClosed) {
			ev = d.log.Error()
		}
		ev.Err(cause).Int("failed_calls", len(pending)).Msg("connection torn down")

		if !started {
			close(d.done)
		}
	})
}
