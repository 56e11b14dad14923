// Package controller is the application driving a dedicated server: it
// records players as they come and go, greets them and runs chat commands.
//
// Handlers call the server back, so they must not run on the connection's
// receive loop. The controller therefore feeds its router through a
// callback.Queue drained by Run.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gbx-controller/callback"
	"gbx-controller/client"
	"gbx-controller/command"
	"gbx-controller/player"
	"gbx-controller/transport"
)

// handler runs one command after it passed its family's checks.
type handler func(ctx context.Context, login string, cmd *command.Command) error

type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option { return func(c *Controller) { c.log = l } }

// WithAdmins grants the admin role to logins.
func WithAdmins(logins ...string) Option {
	return func(c *Controller) {
		for _, l := range logins {
			c.admins[l] = true
		}
	}
}

// WithCallTimeout bounds the calls one event handler makes.
func WithCallTimeout(d time.Duration) Option { return func(c *Controller) { c.timeout = d } }

// WithQueueSize sets how many events may wait for the handlers.
func WithQueueSize(n int) Option { return func(c *Controller) { c.queueSize = n } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

type Controller struct {
	remote    client.Remote
	store     player.Store
	log       zerolog.Logger
	admins    map[string]bool
	timeout   time.Duration
	queueSize int
	now       func() time.Time

	router   *callback.Router
	queue    *callback.Queue
	families []command.Family
	handlers map[string]handler
}

func New(remote client.Remote, store player.Store, opts ...Option) *Controller {
	c := &Controller{
		remote:    remote,
		store:     store,
		log:       log.Logger.With().Str("component", "controller").Logger(),
		admins:    make(map[string]bool),
		timeout:   10 * time.Second,
		queueSize: 256,
		now:       time.Now,
		families:  []command.Family{command.AdminCommands(), command.PlayerCommands()},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handlers = map[string]handler{
		"player/help":    c.help,
		"player/version": c.version,
		"player/seen":    c.seen,
		"admin/kick":     c.kick,
		"admin/skip":     c.skip,
		"admin/restart":  c.restart,
		"admin/name":     c.rename,
	}

	c.router = callback.NewRouter(c.log)
	c.router.OnPlayerConnect(c.onPlayerConnect)
	c.router.OnPlayerDisconnect(c.onPlayerDisconnect)
	c.router.OnPlayerChat(c.onPlayerChat)
	c.router.OnBeginMap(func(cb callback.BeginMap) {
		c.log.Info().Str("map", cb.Map.Name).Str("uid", cb.Map.UID).Msg("map begins")
	})
	c.queue = callback.NewQueue(c.queueSize, c.router)
	return c
}

// Sink is what the client must deliver events to.
func (c *Controller) Sink() transport.EventSink { return c.queue }

// Run handles events until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info().Msg("controller running")
	return c.queue.Run(ctx)
}

// Dropped reports how many events were lost because the handlers lagged.
func (c *Controller) Dropped() uint64 { return c.queue.Dropped() }

func (c *Controller) role(login string) command.Role {
	if c.admins[login] {
		return command.RoleAdmin
	}
	return command.RolePlayer
}

func (c *Controller) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *Controller) reply(ctx context.Context, login, text string) {
	if err := c.remote.ChatSendServerMessageToLogin(ctx, text, login); err != nil {
		c.log.Warn().Err(err).Str("login", login).Msg("reply failed")
	}
}

func (c *Controller) onPlayerConnect(cb callback.PlayerConnect) {
	ctx, cancel := c.context()
	defer cancel()
	logger := c.log.With().Str("login", cb.Login).Logger()

	info, err := c.remote.GetPlayerInfo(ctx, cb.Login)
	if err != nil {
		logger.Warn().Err(err).Msg("player info unavailable")
		info = &client.PlayerInfo{Login: cb.Login, NickName: cb.Login}
	}
	if err := c.store.UpsertPlayer(ctx, *info); err != nil {
		logger.Error().Err(err).Msg("store player")
	}

	greeting := fmt.Sprintf("Welcome %s! Type /help for commands.", info.NickName)
	if rec, err := c.store.GetPlayer(ctx, cb.Login); err == nil && rec.Visits > 1 {
		greeting = fmt.Sprintf("Welcome back %s! Visit number %d.", info.NickName, rec.Visits)
	}
	c.reply(ctx, cb.Login, greeting)
	logger.Info().Bool("spectator", cb.IsSpectator).Msg("player connected")
}

func (c *Controller) onPlayerDisconnect(cb callback.PlayerDisconnect) {
	ctx, cancel := c.context()
	defer cancel()
	if err := c.store.MarkSeen(ctx, cb.Login, c.now()); err != nil && !errors.Is(err, player.ErrNotFound) {
		c.log.Error().Err(err).Str("login", cb.Login).Msg("mark seen")
	}
	c.log.Info().Str("login", cb.Login).Str("reason", cb.Reason).Msg("player disconnected")
}

func (c *Controller) onPlayerChat(cb callback.PlayerChat) {
	if cb.PlayerUID == 0 {
		return
	}
	family, cmd, ok := command.Parse(cb.Text, c.families...)
	if !ok {
		return
	}
	ctx, cancel := c.context()
	defer cancel()
	logger := c.log.With().Str("login", cb.Login).Str("command", cmd.Text).Logger()

	if err := family.Check(command.Context{Login: cb.Login, Role: c.role(cb.Login), Command: cmd}); err != nil {
		logger.Info().Err(err).Msg("command rejected")
		c.reply(ctx, cb.Login, err.Error())
		return
	}
	h, ok := c.handlers[family.Name()+"/"+cmd.Name]
	if !ok {
		c.reply(ctx, cb.Login, cmd.Name+": not available")
		return
	}
	if err := h(ctx, cb.Login, cmd); err != nil {
		logger.Warn().Err(err).Msg("command failed")
		c.reply(ctx, cb.Login, cmd.Name+" failed: "+err.Error())
		return
	}
	logger.Debug().Msg("command done")
}

func (c *Controller) help(ctx context.Context, login string, cmd *command.Command) error {
	var lines []string
	for _, f := range c.families {
		if !f.Allows(c.role(login)) {
			continue
		}
		for _, s := range f.Specs() {
			lines = append(lines, fmt.Sprintf("%s%s: %s", f.Prefix(), s.Usage, s.Help))
		}
	}
	c.reply(ctx, login, strings.Join(lines, "\n"))
	return nil
}

func (c *Controller) version(ctx context.Context, login string, cmd *command.Command) error {
	v, err := c.remote.GetVersion(ctx)
	if err != nil {
		return err
	}
	c.reply(ctx, login, fmt.Sprintf("%s %s (%s)", v.Name, v.Version, v.Build))
	return nil
}

func (c *Controller) seen(ctx context.Context, login string, cmd *command.Command) error {
	target := cmd.Args[0]
	rec, err := c.store.GetPlayer(ctx, target)
	if errors.Is(err, player.ErrNotFound) {
		c.reply(ctx, login, fmt.Sprintf("%s has never been here.", target))
		return nil
	}
	if err != nil {
		return err
	}
	c.reply(ctx, login, fmt.Sprintf("%s was last seen %s ago (%d visits).",
		target, c.now().Sub(rec.LastSeen).Round(time.Second), rec.Visits))
	return nil
}

func (c *Controller) kick(ctx context.Context, login string, cmd *command.Command) error {
	target := cmd.Args[0]
	var message []string
	if rest := cmd.Rest(1); rest != "" {
		message = append(message, rest)
	}
	if err := c.remote.Kick(ctx, target, message...); err != nil {
		return err
	}
	return c.remote.ChatSendServerMessage(ctx, fmt.Sprintf("%s was kicked by %s.", target, login))
}

func (c *Controller) skip(ctx context.Context, login string, cmd *command.Command) error {
	return c.remote.NextMap(ctx)
}

func (c *Controller) restart(ctx context.Context, login string, cmd *command.Command) error {
	return c.remote.RestartMap(ctx)
}

func (c *Controller) rename(ctx context.Context, login string, cmd *command.Command) error {
	return c.remote.SetServerName(ctx, cmd.Rest(0))
}
