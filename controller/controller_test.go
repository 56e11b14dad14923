package controller

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbx-controller/client"
	"gbx-controller/player"
	"gbx-controller/server"
)

type fixture struct {
	dedicated *server.Dedicated
	store     *player.SQLStore
	ctrl      *Controller
	clock     atomic.Int64 // unix seconds
}

func (f *fixture) now() time.Time { return time.Unix(f.clock.Load(), 0) }

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	srv := server.NewServer(server.WithLogger(zerolog.Nop()))
	d := server.NewDedicated(srv, "controller test")
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.ServeListener(l, "", nil)
	<-srv.Ready()
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	c, err := client.Dial(ctx, srv.Addr().String(), client.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	store, err := player.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{dedicated: d, store: store}
	f.clock.Store(time.Now().Unix())
	opts = append([]Option{
		WithLogger(zerolog.Nop()),
		WithAdmins("admin"),
		WithClock(f.now),
	}, opts...)
	f.ctrl = New(c, store, opts...)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		f.ctrl.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c.SetEventSink(f.ctrl.Sink())
	require.NoError(t, c.EnableCallbacks(ctx, true))
	return f
}

// messagesTo returns the chat lines sent to login alone.
func (f *fixture) messagesTo(login string) []string {
	var out []string
	for _, m := range f.dedicated.Messages() {
		if len(m.To) == 1 && m.To[0] == login {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fixture) waitMessage(t *testing.T, login, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, m := range f.messagesTo(login) {
			if strings.Contains(m, substr) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "no message to %s containing %q: %v", login, substr, f.messagesTo(login))
}

func (f *fixture) connect(t *testing.T, login string) {
	t.Helper()
	require.NoError(t, f.dedicated.Connect(login, strings.ToUpper(login), false))
	f.waitMessage(t, login, "Welcome")
}

func TestGreetsAndStoresPlayers(t *testing.T) {
	f := setup(t)
	f.connect(t, "alice")

	assert.Equal(t, []string{"Welcome ALICE! Type /help for commands."}, f.messagesTo("alice"))
	rec, err := f.store.GetPlayer(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "ALICE", rec.NickName)
	assert.Equal(t, 1, rec.Visits)

	require.True(t, f.dedicated.Disconnect("alice"))
	require.NoError(t, f.dedicated.Connect("alice", "ALICE", false))
	f.waitMessage(t, "alice", "Welcome back ALICE! Visit number 2.")
}

func TestDisconnectRecordsLastSeen(t *testing.T) {
	f := setup(t)
	f.connect(t, "bob")

	require.True(t, f.dedicated.Disconnect("bob"))
	require.Eventually(t, func() bool {
		rec, err := f.store.GetPlayer(context.Background(), "bob")
		return err == nil && rec.LastSeen.Equal(f.now())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAdminKick(t *testing.T) {
	f := setup(t)
	f.connect(t, "admin")
	f.connect(t, "bob")

	require.NoError(t, f.dedicated.Say("admin", "//kick bob be nice"))
	broadcast := func() []string {
		var out []string
		for _, m := range f.dedicated.Messages() {
			if len(m.To) == 0 {
				out = append(out, m.Text)
			}
		}
		return out
	}
	require.Eventually(t, func() bool { return len(broadcast()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"bob was kicked by admin."}, broadcast())
	require.Len(t, f.dedicated.Players(), 1)
	assert.Equal(t, "admin", f.dedicated.Players()[0].Login)
}

func TestPlayerCannotKick(t *testing.T) {
	f := setup(t)
	f.connect(t, "carol")
	f.connect(t, "dave")

	require.NoError(t, f.dedicated.Say("carol", "//kick dave"))
	f.waitMessage(t, "carol", "//kick: requires admin")
	assert.Len(t, f.dedicated.Players(), 2)
}

func TestKickUnknownLoginReportsFault(t *testing.T) {
	f := setup(t)
	f.connect(t, "admin")

	require.NoError(t, f.dedicated.Say("admin", "//kick ghost"))
	f.waitMessage(t, "admin", "kick failed: fault -1000: Login unknown.")
}

func TestPlayerCommands(t *testing.T) {
	f := setup(t)
	f.connect(t, "erin")

	require.NoError(t, f.dedicated.Say("erin", "/help"))
	f.waitMessage(t, "erin", "/seen <login>")
	for _, m := range f.messagesTo("erin") {
		assert.NotContains(t, m, "//kick")
	}

	require.NoError(t, f.dedicated.Say("erin", "/version"))
	f.waitMessage(t, "erin", "ManiaPlanet 3.3.0")

	require.NoError(t, f.dedicated.Say("erin", "/seen nobody"))
	f.waitMessage(t, "erin", "nobody has never been here.")

	f.clock.Add(60)
	require.NoError(t, f.dedicated.Say("erin", "/seen erin"))
	f.waitMessage(t, "erin", "erin was last seen")

	require.NoError(t, f.dedicated.Say("erin", "/seen"))
	f.waitMessage(t, "erin", "usage: /seen <login>")

	require.NoError(t, f.dedicated.Say("erin", "just chatting"))
	require.NoError(t, f.dedicated.Say("erin", "/dance"))
	f.waitMessage(t, "erin", "/dance: unknown command")
}

func TestAdminMapAndNameCommands(t *testing.T) {
	f := setup(t)
	f.dedicated.AddMap(server.Map{UID: "u2", Name: "A02"})
	f.connect(t, "admin")

	require.NoError(t, f.dedicated.Say("admin", "//skip"))
	require.Eventually(t, func() bool { return f.dedicated.CurrentMap().Name == "A02" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.dedicated.Say("admin", "//name My  Fancy Server"))
	require.Eventually(t, func() bool { return f.dedicated.Name() == "My Fancy Server" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.dedicated.Say("admin", "//help"))
	f.waitMessage(t, "admin", "//help: unknown command")
	require.NoError(t, f.dedicated.Say("admin", "/help"))
	f.waitMessage(t, "admin", "//kick <login> [message]")
	assert.Zero(t, f.ctrl.Dropped())
}
