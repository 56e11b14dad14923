// Package client is the façade a controller talks to: it dials a dedicated
// server, performs the handshake, starts the dispatcher and exposes the
// typed remote procedures of Remote.
package client

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

	"gbx-controller/loadbalance"
	"gbx-controller/middleware"
	"gbx-controller/protocol"
	"gbx-controller/registry"
	"gbx-controller/transport"
	"gbx-controller/value"
)

// ConnState is the lifecycle of a Client's connection.
type ConnState int32

const (
	Disconnected ConnState = iota
	Handshaking
	Ready
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("conn_state(%d)", int32(s))
}

// DefaultVersions is what a Client declares unless WithVersions says
// otherwise.
var DefaultVersions = protocol.Versions{
	Control: protocol.Version{Major: 2},
	Script:  protocol.Version{Major: 3},
}

type options struct {
	versions         protocol.Versions
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	logger           zerolog.Logger
	metrics          *transport.Collector
	middlewares      []middleware.Middleware
	maxPayload       int
	unknownLimit     int
	sink             transport.EventSink

	user, password   string
	apiVersion       string
	scriptAPIVersion string
	enableCallbacks  bool
	keepAlive        time.Duration
}

type Option func(*options)

func WithVersions(v protocol.Versions) Option { return func(o *options) { o.versions = v } }

func WithDialTimeout(d time.Duration) Option { return func(o *options) { o.dialTimeout = d } }

// WithHandshakeTimeout bounds the preamble exchange and session setup.
func WithHandshakeTimeout(d time.Duration) Option { return func(o *options) { o.handshakeTimeout = d } }

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

func WithMetrics(c *transport.Collector) Option { return func(o *options) { o.metrics = c } }

// WithMiddleware wraps every call, typed or not. The first middleware runs
// outermost.
func WithMiddleware(m ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, m...) }
}

func WithMaxPayload(n int) Option { return func(o *options) { o.maxPayload = n } }

func WithUnknownHandleLimit(n int) Option { return func(o *options) { o.unknownLimit = n } }

// WithEventSink installs the sink before the dispatcher starts.
func WithEventSink(s transport.EventSink) Option { return func(o *options) { o.sink = s } }

// WithCredentials makes Dial authenticate right after the handshake.
func WithCredentials(user, password string) Option {
	return func(o *options) { o.user, o.password = user, password }
}

// WithAPIVersion makes Dial call SetApiVersion, e.g. "2023-04-24".
func WithAPIVersion(v string) Option { return func(o *options) { o.apiVersion = v } }

// WithScriptAPIVersion makes Dial select the mode-script callback version.
func WithScriptAPIVersion(v string) Option { return func(o *options) { o.scriptAPIVersion = v } }

// WithCallbacks makes Dial ask the server to push events.
func WithCallbacks() Option { return func(o *options) { o.enableCallbacks = true } }

// WithKeepAlive probes the server with GetVersion every interval. A probe
// failing for any reason other than a fault closes the client; there is no
// reconnect.
func WithKeepAlive(interval time.Duration) Option { return func(o *options) { o.keepAlive = interval } }

func newOptions(opts []Option) *options {
	o := &options{
		versions:         DefaultVersions,
		dialTimeout:      5 * time.Second,
		handshakeTimeout: 5 * time.Second,
		logger:           log.Logger.With().Str("component", "client").Logger(),
		maxPayload:       protocol.DefaultMaxPayload,
		unknownLimit:     transport.DefaultUnknownHandleLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Client is one controller connection to one dedicated server.
type Client struct {
	conn   net.Conn
	d      *transport.Dispatcher
	invoke middleware.Invoker
	log    zerolog.Logger

	state  atomic.Int32
	local  protocol.Versions
	remote protocol.Versions

	stopKeepAlive chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// Dial connects to a dedicated server's remote-control port.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	dialer := net.Dialer{Timeout: o.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newClient(ctx, conn, o)
}

// NewClient runs the handshake and session setup on an established
// connection. The connection is closed if either fails.
func NewClient(ctx context.Context, conn net.Conn, opts ...Option) (*Client, error) {
	return newClient(ctx, conn, newOptions(opts))
}

// DialService discovers the instances of service, lets bal pick one and
// dials it.
func DialService(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, service string, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	instance, err := bal.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", service, err)
	}
	o := newOptions(opts)
	o.logger.Info().Str("service", service).Str("addr", instance.Addr).
		Str("balancer", bal.Name()).Msg("picked dedicated server")
	return Dial(ctx, instance.Addr, opts...)
}

func newClient(ctx context.Context, conn net.Conn, o *options) (*Client, error) {
	c := &Client{
		conn:          conn,
		log:           o.logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		local:         o.versions,
		stopKeepAlive: make(chan struct{}),
	}
	c.state.Store(int32(Handshaking))

	remote, err := c.handshake(ctx, o)
	if err != nil {
		c.state.Store(int32(Closed))
		conn.Close()
		return nil, err
	}
	c.remote = remote

	dopts := []transport.Option{
		transport.WithLogger(c.log.With().Str("component", "dispatcher").Logger()),
		transport.WithMaxPayload(o.maxPayload),
		transport.WithUnknownHandleLimit(o.unknownLimit),
		transport.WithMetrics(o.metrics),
	}
	if o.sink != nil {
		dopts = append(dopts, transport.WithEventSink(o.sink))
	}
	c.d = transport.NewDispatcher(conn, dopts...)
	c.invoke = middleware.Chain(o.middlewares...)(c.d.Call)
	if err := c.d.Start(); err != nil {
		conn.Close()
		return nil, err
	}
	c.state.Store(int32(Ready))
	c.log.Info().Str("preamble", remote.Preamble()).Msg("connected")

	if err := c.setup(ctx, o); err != nil {
		c.Close()
		return nil, err
	}

	if o.keepAlive > 0 {
		c.wg.Add(1)
		go c.keepAliveLoop(o.keepAlive)
	}
	return c, nil
}

// handshake exchanges preambles under the handshake timeout; cancelling ctx
// interrupts it by expiring the connection deadline.
func (c *Client) handshake(ctx context.Context, o *options) (protocol.Versions, error) {
	if o.handshakeTimeout > 0 {
		c.conn.SetDeadline(time.Now().Add(o.handshakeTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})

	remote, err := protocol.Handshake(c.conn, c.local)
	if !stop() {
		return protocol.Versions{}, fmt.Errorf("handshake: %w", ctx.Err())
	}
	if err != nil {
		return remote, fmt.Errorf("handshake: %w", err)
	}
	c.conn.SetDeadline(time.Time{})
	return remote, nil
}

func (c *Client) setup(ctx context.Context, o *options) error {
	if o.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.handshakeTimeout)
		defer cancel()
	}
	if o.user != "" {
		if err := c.Authenticate(ctx, o.user, o.password); err != nil {
			return fmt.Errorf("authenticate as %s: %w", o.user, err)
		}
	}
	if o.apiVersion != "" {
		if err := c.SetApiVersion(ctx, o.apiVersion); err != nil {
			return fmt.Errorf("set api version: %w", err)
		}
	}
	if o.scriptAPIVersion != "" {
		if err := c.SetScriptApiVersion(ctx, o.scriptAPIVersion); err != nil {
			return fmt.Errorf("set script api version: %w", err)
		}
	}
	if o.enableCallbacks {
		if err := c.EnableCallbacks(ctx, true); err != nil {
			return fmt.Errorf("enable callbacks: %w", err)
		}
	}
	return nil
}

func (c *Client) keepAliveLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopKeepAlive:
			return
		case <-c.d.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		_, err := c.GetVersion(ctx)
		cancel()

		var fault *value.Fault
		if err != nil && !errors.As(err, &fault) {
			c.log.Error().Err(err).Msg("keepalive failed")
			c.d.Abort(fmt.Errorf("keepalive: %w", err))
			return
		}
	}
}

// Call invokes method with Go-native arguments converted by value.Args. An
// argument that cannot be represented fails the call before anything is
// sent.
func (c *Client) Call(ctx context.Context, method string, args ...any) (value.Value, error) {
	vals, err := value.Args(args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return c.Invoke(ctx, method, vals)
}

// Invoke runs one call through the middleware chain and the dispatcher.
func (c *Client) Invoke(ctx context.Context, method string, args []value.Value) (value.Value, error) {
	return c.invoke(ctx, method, args)
}

// SetEventSink replaces the event sink at any time.
func (c *Client) SetEventSink(s transport.EventSink) { c.d.SetEventSink(s) }

// Close tears the connection down and fails every pending call.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopKeepAlive)
		c.d.Close()
		c.wg.Wait()
		c.state.Store(int32(Closed))
		c.log.Info().Msg("closed")
	})
	return nil
}

// Done is closed when the connection has stopped, whatever the reason.
func (c *Client) Done() <-chan struct{} { return c.d.Done() }

// Err reports why the connection stopped.
func (c *Client) Err() error { return c.d.Err() }

func (c *Client) State() ConnState {
	if s := ConnState(c.state.Load()); s != Ready {
		return s
	}
	if c.d.State() >= transport.StateDraining {
		return Closed
	}
	return Ready
}

// Versions returns what this side declared and what the server declared.
func (c *Client) Versions() (local, remote protocol.Versions) { return c.local, c.remote }

func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Dispatcher exposes the underlying dispatcher, e.g. for its pending count.
func (c *Client) Dispatcher() *transport.Dispatcher { return c.d }
