package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gbx-controller/codec"
	"gbx-controller/message"
	"gbx-controller/middleware"
	"gbx-controller/protocol"
	"gbx-controller/registry"
	"gbx-controller/value"
)

func startServer(t *testing.T, reg registry.Registry, opts ...Option) (*Server, *Dedicated) {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	s := NewServer(opts...)
	d := NewDedicated(s, "test server")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.ServeListener(l, "", reg) }()
	<-s.Ready()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		if err := <-served; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return s, d
}

// rawConn is a controller speaking the wire protocol by hand.
type rawConn struct {
	t    *testing.T
	conn net.Conn
	next protocol.Handle
}

func dialRaw(t *testing.T, s *Server) *rawConn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := protocol.Handshake(conn, DefaultVersions); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return &rawConn{t: t, conn: conn, next: protocol.FirstRequestHandle}
}

func (r *rawConn) send(method string, params ...value.Value) protocol.Handle {
	r.t.Helper()
	payload, err := codec.XMLCodec{}.EncodeCall(&message.Call{Method: method, Params: params})
	if err != nil {
		r.t.Fatalf("encode: %v", err)
	}
	h := r.next
	r.next++
	if err := protocol.Encode(r.conn, h, payload); err != nil {
		r.t.Fatalf("write: %v", err)
	}
	return h
}

func (r *rawConn) read() (*protocol.Header, []byte) {
	r.t.Helper()
	header, body, err := protocol.Decode(r.conn, protocol.DefaultMaxPayload)
	if err != nil {
		r.t.Fatalf("read: %v", err)
	}
	return header, body
}

// call sends one request and reads frames until its response, skipping events.
func (r *rawConn) call(method string, params ...value.Value) *message.Response {
	r.t.Helper()
	h := r.send(method, params...)
	for {
		header, body := r.read()
		if header.Handle.Kind() == protocol.KindEvent {
			continue
		}
		if header.Handle != h {
			r.t.Fatalf("response on handle %#x, want %#x", header.Handle, h)
		}
		resp, err := codec.XMLCodec{}.DecodeResponse(body)
		if err != nil {
			r.t.Fatalf("decode response: %v", err)
		}
		return resp
	}
}

func TestCallAndUnknownMethod(t *testing.T) {
	s, _ := startServer(t, nil)
	r := dialRaw(t, s)

	resp := r.call("GetServerName")
	if resp.Fault != nil || !value.Equal(resp.Result, value.String("test server")) {
		t.Fatalf("unexpected response %+v", resp)
	}

	resp = r.call("NoSuchMethod")
	if resp.Fault == nil || resp.Fault.Code != FaultMethodNotFound {
		t.Fatalf("expect method-not-found fault, got %+v", resp)
	}

	resp = r.call("GetPlayerInfo", value.Int(3))
	if resp.Fault == nil || resp.Fault.Code != FaultInvalidParams {
		t.Fatalf("expect invalid-params fault, got %+v", resp)
	}
}

func TestUndecodableRequestGetsFault(t *testing.T) {
	s, _ := startServer(t, nil)
	r := dialRaw(t, s)

	if err := protocol.Encode(r.conn, 0x80000001, []byte("<methodCall><oops")); err != nil {
		t.Fatalf("write: %v", err)
	}
	header, body := r.read()
	if header.Handle != 0x80000001 {
		t.Fatalf("unexpected handle %#x", header.Handle)
	}
	resp, err := codec.XMLCodec{}.DecodeResponse(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Fault == nil || resp.Fault.Code != FaultParse {
		t.Fatalf("expect parse fault, got %+v", resp)
	}
}

func TestListMethods(t *testing.T) {
	s, _ := startServer(t, nil)
	r := dialRaw(t, s)

	resp := r.call("system.listMethods")
	names, err := value.AsStrings(resp.Result)
	if err != nil {
		t.Fatalf("unexpected result %+v: %v", resp, err)
	}
	want := map[string]bool{"system.listMethods": false, "EnableCallbacks": false, "GetPlayerList": false, "Kick": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Fatalf("%s missing from %v", n, names)
		}
	}
}

func TestConcurrentRequestsOnOneConnection(t *testing.T) {
	s, _ := startServer(t, nil)
	release := make(chan struct{})
	s.Handle("Block", func(ctx context.Context, method string, args []value.Value) (value.Value, error) {
		<-release
		return value.String("unblocked"), nil
	})
	r := dialRaw(t, s)

	slow := r.send("Block")
	fast := r.send("GetStatus")

	// the second request is answered while the first is still blocked
	header, _ := r.read()
	if header.Handle != fast {
		t.Fatalf("expect %#x answered first, got %#x", fast, header.Handle)
	}
	close(release)
	header, _ = r.read()
	if header.Handle != slow {
		t.Fatalf("expect %#x, got %#x", slow, header.Handle)
	}
}

func TestMiddlewareErrorsBecomeFaults(t *testing.T) {
	s := NewServer(WithLogger(zerolog.Nop()))
	NewDedicated(s, "limited")
	s.Use(middleware.RateLimitMiddleware(0.001, 1))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.ServeListener(l, "", nil)
	<-s.Ready()
	defer s.Shutdown(context.Background())

	r := dialRaw(t, s)
	if resp := r.call("GetStatus"); resp.Fault != nil {
		t.Fatalf("first call should pass, got %+v", resp.Fault)
	}
	resp := r.call("GetStatus")
	if resp.Fault == nil || resp.Fault.Code != FaultInternal {
		t.Fatalf("expect rate limit fault, got %+v", resp)
	}
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	s, d := startServer(t, nil)
	subscribed := dialRaw(t, s)
	silent := dialRaw(t, s)

	if resp := subscribed.call("EnableCallbacks", value.Bool(true)); resp.Fault != nil {
		t.Fatalf("EnableCallbacks: %+v", resp.Fault)
	}
	// make sure the silent connection is registered before broadcasting
	silent.call("GetStatus")

	if err := d.Connect("alice", "Alice", false); err != nil {
		t.Fatalf("connect: %v", err)
	}

	header, body := subscribed.read()
	if header.Handle.Kind() != protocol.KindEvent {
		t.Fatalf("expect event handle, got %#x", header.Handle)
	}
	call, err := codec.XMLCodec{}.DecodeCall(body)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if call.Method != EventPlayerConnect || len(call.Params) != 2 || !value.Equal(call.Params[0], value.String("alice")) {
		t.Fatalf("unexpected event %+v", call)
	}

	silent.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var nerr net.Error
	if _, _, err := protocol.Decode(silent.conn, protocol.DefaultMaxPayload); !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("silent connection received something: %v", err)
	}
}

func TestKickPushesDisconnectBeforeResponse(t *testing.T) {
	s, d := startServer(t, nil)
	r := dialRaw(t, s)
	r.call("EnableCallbacks", value.Bool(true))
	d.Connect("bob", "Bob", false)
	r.read() // PlayerConnect

	h := r.send("Kick", value.String("bob"), value.String("bye"))
	header, body := r.read()
	call, err := codec.XMLCodec{}.DecodeCall(body)
	if err != nil || header.Handle.Kind() != protocol.KindEvent || call.Method != EventPlayerDisconnect {
		t.Fatalf("expect PlayerDisconnect first, got %#x %+v %v", header.Handle, call, err)
	}
	if !value.Equal(call.Params[1], value.String("bye")) {
		t.Fatalf("unexpected reason %v", call.Params[1])
	}
	header, _ = r.read()
	if header.Handle != h {
		t.Fatalf("expect response on %#x, got %#x", h, header.Handle)
	}
	if len(d.Players()) != 0 {
		t.Fatalf("bob still connected")
	}

	resp := r.call("Kick", value.String("bob"))
	if resp.Fault == nil || resp.Fault.Code != FaultRefused || resp.Fault.Message != "Login unknown." {
		t.Fatalf("expect Login unknown fault, got %+v", resp)
	}
}

func TestHandshakeMismatchClosesConnection(t *testing.T) {
	s, _ := startServer(t, nil)
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = protocol.Handshake(conn, protocol.Versions{Control: protocol.Version{Major: 1}})
	if !errors.Is(err, protocol.ErrVersionMismatch) {
		t.Fatalf("expect version mismatch, got %v", err)
	}
	if _, _, err := protocol.Decode(conn, protocol.DefaultMaxPayload); !errors.Is(err, io.EOF) {
		t.Fatalf("expect the server to hang up, got %v", err)
	}
}

func TestPagingAndSettings(t *testing.T) {
	s, d := startServer(t, nil)
	r := dialRaw(t, s)
	for _, login := range []string{"a", "b", "c"} {
		d.Connect(login, login, false)
	}

	resp := r.call("GetPlayerList", value.Int(2), value.Int(1))
	list, err := value.AsList(resp.Result)
	if err != nil || len(list) != 2 {
		t.Fatalf("unexpected page %+v", resp)
	}
	rec, _ := value.AsRecord(list[0])
	if login, _ := rec.Get("Login"); !value.Equal(login, value.String("b")) {
		t.Fatalf("page starts at %v", login)
	}

	r.call("SetMaxPlayers", value.Int(10))
	resp = r.call("GetMaxPlayers")
	rec, _ = value.AsRecord(resp.Result)
	cur, _ := rec.Get("CurrentValue")
	next, _ := rec.Get("NextValue")
	if !value.Equal(cur, value.Int(32)) || !value.Equal(next, value.Int(10)) {
		t.Fatalf("unexpected max players %v/%v", cur, next)
	}
	r.call("RestartMap")
	resp = r.call("GetMaxPlayers")
	rec, _ = value.AsRecord(resp.Result)
	if cur, _ = rec.Get("CurrentValue"); !value.Equal(cur, value.Int(10)) {
		t.Fatalf("max players not applied on map change: %v", cur)
	}

	r.call("WriteFile", value.String("Maps/x.Map.Gbx"), value.Binary{1, 2, 3})
	if data, ok := d.File("Maps/x.Map.Gbx"); !ok || len(data) != 3 {
		t.Fatalf("file not stored: %v", data)
	}
}

func TestRegistryAnnouncement(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	s := NewServer(WithLogger(zerolog.Nop()), WithService("dedicated-test"))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.ServeListener(l, "", reg) }()
	<-s.Ready()

	instances, _ := reg.Discover(context.Background(), "dedicated-test")
	if len(instances) != 1 || instances[0].Addr != s.Addr().String() || instances[0].Preamble != DefaultVersions.Preamble() {
		t.Fatalf("unexpected instances %+v", instances)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("serve returned %v", err)
	}
	instances, _ = reg.Discover(context.Background(), "dedicated-test")
	if len(instances) != 0 {
		t.Fatalf("still registered after shutdown: %+v", instances)
	}
}

func TestShutdownWhileRequestsArrive(t *testing.T) {
	s := NewServer(WithLogger(zerolog.Nop()))
	NewDedicated(s, "busy server")
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.ServeListener(l, "", nil) }()
	<-s.Ready()

	payload, err := codec.XMLCodec{}.EncodeCall(&message.Call{Method: "GetServerName"})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		conn, err := net.Dial("tcp", s.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		if _, err := protocol.Handshake(conn, DefaultVersions); err != nil {
			t.Fatalf("handshake: %v", err)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			io.Copy(io.Discard, conn)
		}()
		go func() {
			defer wg.Done()
			for h := protocol.FirstRequestHandle; ; h++ {
				if err := protocol.Encode(conn, h, payload); err != nil {
					return
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
	wg.Wait()

	if n := s.Conns(); n != 0 {
		t.Fatalf("expect no connections after shutdown, got %d", n)
	}
	if s.track() {
		t.Fatal("a request was admitted after shutdown")
	}
}
