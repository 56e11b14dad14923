// Package api is the controller's admin HTTP surface: read the server state,
// talk in the chat, kick players, scrape metrics.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gbx-controller/client"
	"gbx-controller/transport"
	"gbx-controller/value"
)

type Handler struct {
	remote   client.Remote
	apiKey   string
	gatherer prometheus.Gatherer
	timeout  time.Duration
}

// NewHandler serves remote. An empty apiKey leaves /v1 open; a nil gatherer
// disables /metrics.
func NewHandler(remote client.Remote, apiKey string, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		remote:   remote,
		apiKey:   apiKey,
		gatherer: gatherer,
		timeout:  10 * time.Second,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.HTTPErrorHandler = errorHandler(e)

	v1 := e.Group("/v1")
	if h.apiKey != "" {
		v1.Use(h.authMiddleware)
	}
	v1.GET("/status", h.status)
	v1.GET("/players", h.listPlayers)
	v1.POST("/chat", h.chat)
	v1.POST("/players/:login/kick", h.kick)

	if h.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get("X-GBX-API-Key")
		if key == "" {
			key = c.QueryParam("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
		}
		return next(c)
	}
}

func (h *Handler) context(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), h.timeout)
}

type statusResponse struct {
	Name       string          `json:"name"`
	Status     *client.Status  `json:"status"`
	Version    *client.Version `json:"version"`
	Map        *client.MapInfo `json:"map"`
	MaxPlayers *client.Setting `json:"max_players"`
}

func (h *Handler) status(c echo.Context) error {
	ctx, cancel := h.context(c)
	defer cancel()

	var (
		resp statusResponse
		err  error
	)
	if resp.Name, err = h.remote.GetServerName(ctx); err != nil {
		return err
	}
	if resp.Status, err = h.remote.GetStatus(ctx); err != nil {
		return err
	}
	if resp.Version, err = h.remote.GetVersion(ctx); err != nil {
		return err
	}
	if resp.Map, err = h.remote.GetCurrentMapInfo(ctx); err != nil {
		return err
	}
	if resp.MaxPlayers, err = h.remote.GetMaxPlayers(ctx); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) listPlayers(c echo.Context) error {
	ctx, cancel := h.context(c)
	defer cancel()
	players, err := h.remote.GetPlayerList(ctx)
	if err != nil {
		return err
	}
	if players == nil {
		players = []client.PlayerInfo{}
	}
	return c.JSON(http.StatusOK, players)
}

type chatRequest struct {
	Text string `json:"text"`
	// To is a comma-separated list of logins; empty sends to everyone.
	To string `json:"to"`
}

func (h *Handler) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	ctx, cancel := h.context(c)
	defer cancel()

	var err error
	if req.To == "" {
		err = h.remote.ChatSendServerMessage(ctx, req.Text)
	} else {
		err = h.remote.ChatSendServerMessageToLogin(ctx, req.Text, req.To)
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type kickRequest struct {
	Message string `json:"message"`
}

func (h *Handler) kick(c echo.Context) error {
	var req kickRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return err
		}
	}
	ctx, cancel := h.context(c)
	defer cancel()

	var message []string
	if req.Message != "" {
		message = append(message, req.Message)
	}
	if err := h.remote.Kick(ctx, c.Param("login"), message...); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type faultResponse struct {
	Message string `json:"message"`
	Code    int    `json:"fault_code"`
}

// errorHandler maps remote errors to HTTP statuses: a fault is the server
// refusing (422), a closed connection means the server is gone (503), a
// timeout is 504, anything else from the server side 502.
func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			e.DefaultHTTPErrorHandler(err, c)
			return
		}
		var fault *value.Fault
		switch {
		case errors.As(err, &fault):
			c.JSON(http.StatusUnprocessableEntity, faultResponse{Message: fault.Message, Code: fault.Code})
		case errors.Is(err, transport.ErrConnectionClosed):
			e.DefaultHTTPErrorHandler(echo.NewHTTPError(http.StatusServiceUnavailable, "dedicated server unavailable"), c)
		case errors.Is(err, context.DeadlineExceeded):
			e.DefaultHTTPErrorHandler(echo.NewHTTPError(http.StatusGatewayTimeout, "dedicated server timed out"), c)
		default:
			e.DefaultHTTPErrorHandler(echo.NewHTTPError(http.StatusBadGateway, err.Error()), c)
		}
	}
}
