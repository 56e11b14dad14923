// Package server is a dedicated-server peer speaking the remote-control
// protocol. It is used as the local development peer of the CLI and as the
// far end of the end-to-end tests.
//
// Request processing pipeline:
//
//	Accept conn → handshake → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → DecodeCall → Middleware Chain → method handler → EncodeResponse → write response
//
// Events travel the other way: Broadcast encodes one methodCall and writes
// it on an event handle to every connection that enabled callbacks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gbx-controller/codec"
	"gbx-controller/message"
	"gbx-controller/middleware"
	"gbx-controller/protocol"
	"gbx-controller/registry"
	"gbx-controller/value"
)

// Fault codes used by the built-in dispatch.
const (
	FaultParse          = -32700
	FaultMethodNotFound = -32601
	FaultInvalidParams  = -32602
	FaultInternal       = -32603
)

// DefaultVersions is what the server announces unless WithVersions says
// otherwise.
var DefaultVersions = protocol.Versions{
	Control: protocol.Version{Major: 2},
	Script:  protocol.Version{Major: 3, Minor: 3},
}

type connKey struct{}

// conn is one accepted controller connection.
type conn struct {
	net.Conn
	writeMu   sync.Mutex
	callbacks atomic.Bool
}

func (c *conn) write(handle protocol.Handle, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Encode(c, handle, payload)
}

// Option configures a Server.
type Option func(*Server)

func WithVersions(v protocol.Versions) Option { return func(s *Server) { s.versions = v } }

func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.log = l } }

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) { s.handshakeTimeout = d }
}

// WithService sets the registry service name the server announces itself under.
func WithService(name string) Option { return func(s *Server) { s.service = name } }

func WithMaxPayload(n int) Option { return func(s *Server) { s.maxPayload = n } }

// Server accepts controller connections and answers their calls.
type Server struct {
	versions         protocol.Versions
	log              zerolog.Logger
	codec            codec.Codec
	handshakeTimeout time.Duration
	maxPayload       int
	service          string

	mu          sync.RWMutex
	handlers    map[string]middleware.Invoker
	conns       map[*conn]struct{}
	middlewares []middleware.Middleware
	handler     middleware.Invoker

	listener      net.Listener
	registry      registry.Registry
	advertiseAddr string
	ready         chan struct{}
	readyOnce     sync.Once

	requests  sync.WaitGroup // in-flight requests
	connsWG   sync.WaitGroup // connection readers
	shutdown  atomic.Bool
	nextEvent atomic.Uint32
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		versions:         DefaultVersions,
		log:              log.Logger.With().Str("component", "server").Logger(),
		codec:            codec.XMLCodec{},
		handshakeTimeout: 5 * time.Second,
		maxPayload:       protocol.DefaultMaxPayload,
		service:          registry.DefaultService,
		handlers:         make(map[string]middleware.Invoker),
		conns:            make(map[*conn]struct{}),
		ready:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers["system.listMethods"] = s.listMethods
	s.handlers["EnableCallbacks"] = s.enableCallbacks
	return s
}

// Handle registers the handler for method, replacing any earlier one.
func (s *Server) Handle(method string, h middleware.Invoker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be registered before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on address and serves until Shutdown. advertiseAddr is what
// gets registered in reg; pass a nil reg to skip discovery.
func (s *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener. An empty advertiseAddr
// registers the listener's own address.
func (s *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	s.listener = listener
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}
	s.advertiseAddr = advertiseAddr
	if reg != nil {
		s.registry = reg
		err := reg.Register(context.Background(), s.service, registry.Instance{
			Addr:     advertiseAddr,
			Weight:   1,
			Preamble: s.versions.Preamble(),
		}, 10)
		if err != nil {
			listener.Close()
			return fmt.Errorf("register %s: %w", advertiseAddr, err)
		}
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Info().Str("addr", listener.Addr().String()).Str("preamble", s.versions.Preamble()).Msg("serving")

	for {
		nc, err := listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		c := &conn{Conn: nc}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.connsWG.Add(1)
		go s.handleConn(c)
	}
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the listening address; valid after Ready.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Conns reports the number of open connections.
func (s *Server) Conns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleConn(c *conn) {
	defer s.connsWG.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()
	logger := s.log.With().Str("remote", c.RemoteAddr().String()).Logger()

	if s.handshakeTimeout > 0 {
		c.SetDeadline(time.Now().Add(s.handshakeTimeout))
	}
	remote, err := protocol.AcceptHandshake(c, s.versions)
	if err != nil {
		logger.Warn().Err(err).Msg("handshake failed")
		return
	}
	c.SetDeadline(time.Time{})
	logger.Debug().Str("preamble", remote.Preamble()).Msg("controller connected")

	for {
		header, body, err := protocol.Decode(c, s.maxPayload)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Msg("connection ended")
			}
			return
		}
		// controllers never push events
		if header.Handle.Kind() != protocol.KindRequest {
			logger.Warn().Uint32("handle", uint32(header.Handle)).Msg("ignoring frame on event handle")
			continue
		}
		if !s.track() {
			logger.Debug().Msg("shutting down, request dropped")
			return
		}
		go s.handleRequest(c, header.Handle, body)
	}
}

// track counts one more in-flight request unless shutdown has begun. The
// flag is read under mu, which Shutdown holds while setting it, so no Add
// can slip in once Shutdown waits on requests.
func (s *Server) track() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown.Load() {
		return false
	}
	s.requests.Add(1)
	return true
}

func (s *Server) handleRequest(c *conn, handle protocol.Handle, body []byte) {
	defer s.requests.Done()

	resp := &message.Response{}
	call, err := s.codec.DecodeCall(body)
	if err != nil {
		resp.Fault = &value.Fault{Code: FaultParse, Message: err.Error()}
	} else {
		ctx := context.WithValue(context.Background(), connKey{}, c)
		result, err := s.handler(ctx, call.Method, call.Params)
		switch {
		case err == nil:
			if result == nil {
				result = value.Nil{}
			}
			resp.Result = result
		default:
			var fault *value.Fault
			if !errors.As(err, &fault) {
				fault = &value.Fault{Code: FaultInternal, Message: err.Error()}
			}
			resp.Fault = fault
		}
	}

	payload, err := s.codec.EncodeResponse(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("encode response")
		payload, _ = s.codec.EncodeResponse(&message.Response{
			Fault: &value.Fault{Code: FaultInternal, Message: "unencodable result"},
		})
	}
	if err := c.write(handle, payload); err != nil {
		s.log.Debug().Err(err).Uint32("handle", uint32(handle)).Msg("write response")
	}
}

// dispatch is the innermost handler of the middleware chain.
func (s *Server) dispatch(ctx context.Context, method string, args []value.Value) (value.Value, error) {
	s.mu.RLock()
	h, ok := s.handlers[method]
	s.mu.RUnlock()
	if !ok {
		return nil, &value.Fault{Code: FaultMethodNotFound, Message: fmt.Sprintf("Method %s not found", method)}
	}
	return h(ctx, method, args)
}

func (s *Server) listMethods(ctx context.Context, method string, args []value.Value) (value.Value, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return value.From(names)
}

func (s *Server) enableCallbacks(ctx context.Context, method string, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return nil, InvalidParams(method)
	}
	enable, err := value.AsBool(args[0])
	if err != nil {
		return nil, InvalidParams(method)
	}
	if c, ok := ctx.Value(connKey{}).(*conn); ok {
		c.callbacks.Store(enable)
	}
	return value.Bool(true), nil
}

// InvalidParams is the fault handlers return for arguments of the wrong
// number or shape.
func InvalidParams(method string) *value.Fault {
	return &value.Fault{Code: FaultInvalidParams, Message: fmt.Sprintf("%s: invalid parameters", method)}
}

// Broadcast pushes an event to every connection with callbacks enabled and
// returns how many received it.
func (s *Server) Broadcast(method string, args ...value.Value) (int, error) {
	payload, err := s.codec.EncodeCall(&message.Call{Method: method, Params: args})
	if err != nil {
		return 0, err
	}
	handle := protocol.Handle(s.nextEvent.Add(1)) & (protocol.FirstRequestHandle - 1)

	s.mu.RLock()
	targets := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		if c.callbacks.Load() {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.write(handle, payload); err != nil {
			s.log.Debug().Err(err).Str("method", method).Msg("event not delivered")
			continue
		}
		sent++
	}
	return sent, nil
}

// Shutdown deregisters the server, stops accepting, waits for in-flight
// requests until ctx ends and then closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.registry != nil {
		if err := s.registry.Deregister(ctx, s.service, s.advertiseAddr); err != nil {
			s.log.Warn().Err(err).Msg("deregister")
		}
	}

	s.mu.Lock()
	s.shutdown.Store(true)
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.requests.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timeout waiting for ongoing requests to finish: %w", ctx.Err())
	}

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.connsWG.Wait()
	s.log.Info().Msg("shut down")
	return err
}
