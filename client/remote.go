package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gbx-controller/value"
)

// ErrRejected is returned when a procedure that answers with a boolean
// answered false.
var ErrRejected = errors.New("remote rejected the request")

// Remote is the typed surface of a dedicated server. Every method is a thin
// wrapper over one remote procedure: arguments are converted, the call goes
// through the middleware chain, and the result is projected into Go types.
// A remote fault is returned as *value.Fault, a result of the wrong shape as
// value.ErrUnexpectedShape.
type Remote interface {
	Authenticate(ctx context.Context, user, password string) error
	SetApiVersion(ctx context.Context, version string) error
	SetScriptApiVersion(ctx context.Context, version string) error
	EnableCallbacks(ctx context.Context, enable bool) error

	GetVersion(ctx context.Context) (*Version, error)
	GetStatus(ctx context.Context) (*Status, error)

	GetPlayerList(ctx context.Context) ([]PlayerInfo, error)
	GetPlayerListPage(ctx context.Context, count, offset int) ([]PlayerInfo, error)
	GetPlayerInfo(ctx context.Context, login string) (*PlayerInfo, error)
	Kick(ctx context.Context, login string, message ...string) error
	Ban(ctx context.Context, login, message string) error

	ChatSendServerMessage(ctx context.Context, text string) error
	ChatSendServerMessageToLogin(ctx context.Context, text, logins string) error

	GetServerName(ctx context.Context) (string, error)
	SetServerName(ctx context.Context, name string) error
	GetMaxPlayers(ctx context.Context) (*Setting, error)
	SetMaxPlayers(ctx context.Context, n int) error

	NextMap(ctx context.Context) error
	RestartMap(ctx context.Context) error
	GetCurrentMapInfo(ctx context.Context) (*MapInfo, error)
	GetMapList(ctx context.Context, count, offset int) ([]MapInfo, error)

	TriggerModeScriptEventArray(ctx context.Context, method string, params []string) error
	WriteFile(ctx context.Context, name string, data []byte) error
	ListMethods(ctx context.Context) ([]string, error)
}

var _ Remote = (*Client)(nil)

type Version struct {
	Name       string `json:"name"`
	TitleID    string `json:"title_id,omitempty"`
	Version    string `json:"version"`
	Build      string `json:"build,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
}

type Status struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

// PlayerInfo is one entry of the player list.
type PlayerInfo struct {
	Login           string `json:"login"`
	NickName        string `json:"nickname"`
	PlayerID        int    `json:"player_id"`
	TeamID          int    `json:"team_id"`
	SpectatorStatus int    `json:"spectator_status"`
	LadderRanking   int    `json:"ladder_ranking"`
	Flags           int    `json:"flags"`
}

// Setting is a server option with the value in effect and the value that
// applies from the next map on.
type Setting struct {
	Current int `json:"current"`
	Next    int `json:"next"`
}

type MapInfo struct {
	UID         string `json:"uid"`
	Name        string `json:"name"`
	FileName    string `json:"file_name,omitempty"`
	Author      string `json:"author,omitempty"`
	Environment string `json:"environment,omitempty"`
	MapType     string `json:"map_type,omitempty"`
	GoldTime    int    `json:"gold_time,omitempty"`
}

// ParseVersion projects a GetVersion result.
func ParseVersion(v value.Value) (*Version, error) {
	out := &Version{}
	err := value.FieldsOf(v).
		String("Name", &out.Name, true).
		String("TitleId", &out.TitleID, false).
		String("Version", &out.Version, true).
		String("Build", &out.Build, false).
		String("ApiVersion", &out.APIVersion, false).
		Err()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ParsePlayerInfo projects one player record. Only the login is required.
func ParsePlayerInfo(v value.Value) (*PlayerInfo, error) {
	out := &PlayerInfo{}
	err := value.FieldsOf(v).
		String("Login", &out.Login, true).
		String("NickName", &out.NickName, false).
		Int("PlayerId", &out.PlayerID, false).
		Int("TeamId", &out.TeamID, false).
		Int("SpectatorStatus", &out.SpectatorStatus, false).
		Int("LadderRanking", &out.LadderRanking, false).
		Int("Flags", &out.Flags, false).
		Err()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ParseMapInfo projects a map record; shared with the map callbacks.
func ParseMapInfo(v value.Value) (*MapInfo, error) {
	out := &MapInfo{}
	err := value.FieldsOf(v).
		String("UId", &out.UID, true).
		String("Name", &out.Name, true).
		String("FileName", &out.FileName, false).
		String("Author", &out.Author, false).
		String("Environnement", &out.Environment, false).
		String("MapType", &out.MapType, false).
		Int("GoldTime", &out.GoldTime, false).
		Err()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseList[T any](v value.Value, parse func(value.Value) (*T, error)) ([]T, error) {
	list, err := value.AsList(v)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(list))
	for i, item := range list {
		x, err := parse(item)
		if err != nil {
			var se *value.ShapeError
			if errors.As(err, &se) {
				path := fmt.Sprintf("[%d]", i)
				if se.Path != "" {
					path += "." + se.Path
				}
				return nil, &value.ShapeError{Path: path, Want: se.Want, Got: se.Got}
			}
			return nil, err
		}
		out = append(out, *x)
	}
	return out, nil
}

// expectTrue calls a procedure that answers with a boolean.
func (c *Client) expectTrue(ctx context.Context, method string, args ...any) error {
	result, err := c.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	ok, err := value.AsBool(result)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", method, ErrRejected)
	}
	return nil
}

func (c *Client) Authenticate(ctx context.Context, user, password string) error {
	return c.expectTrue(ctx, "Authenticate", user, password)
}

func (c *Client) SetApiVersion(ctx context.Context, version string) error {
	return c.expectTrue(ctx, "SetApiVersion", version)
}

// SetScriptApiVersion selects the version of the mode-script callbacks,
// which is negotiated through a script event rather than a procedure.
func (c *Client) SetScriptApiVersion(ctx context.Context, version string) error {
	return c.TriggerModeScriptEventArray(ctx, "XmlRpc.SetApiVersion", []string{version})
}

func (c *Client) EnableCallbacks(ctx context.Context, enable bool) error {
	return c.expectTrue(ctx, "EnableCallbacks", enable)
}

func (c *Client) GetVersion(ctx context.Context) (*Version, error) {
	result, err := c.Call(ctx, "GetVersion")
	if err != nil {
		return nil, err
	}
	return ParseVersion(result)
}

func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	result, err := c.Call(ctx, "GetStatus")
	if err != nil {
		return nil, err
	}
	out := &Status{}
	err = value.FieldsOf(result).
		Int("Code", &out.Code, true).
		String("Name", &out.Name, true).
		Err()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetPlayerList returns every connected player.
func (c *Client) GetPlayerList(ctx context.Context) ([]PlayerInfo, error) {
	result, err := c.Call(ctx, "GetPlayerList")
	if err != nil {
		return nil, err
	}
	return parseList(result, ParsePlayerInfo)
}

// GetPlayerListPage returns at most count players starting at offset.
func (c *Client) GetPlayerListPage(ctx context.Context, count, offset int) ([]PlayerInfo, error) {
	result, err := c.Call(ctx, "GetPlayerList", count, offset)
	if err != nil {
		return nil, err
	}
	return parseList(result, ParsePlayerInfo)
}

func (c *Client) GetPlayerInfo(ctx context.Context, login string) (*PlayerInfo, error) {
	result, err := c.Call(ctx, "GetPlayerInfo", login)
	if err != nil {
		return nil, err
	}
	return ParsePlayerInfo(result)
}

// Kick disconnects a player, optionally showing them a message.
func (c *Client) Kick(ctx context.Context, login string, message ...string) error {
	if len(message) > 0 {
		return c.expectTrue(ctx, "Kick", login, strings.Join(message, " "))
	}
	return c.expectTrue(ctx, "Kick", login)
}

func (c *Client) Ban(ctx context.Context, login, message string) error {
	return c.expectTrue(ctx, "Ban", login, message)
}

func (c *Client) ChatSendServerMessage(ctx context.Context, text string) error {
	return c.expectTrue(ctx, "ChatSendServerMessage", text)
}

// ChatSendServerMessageToLogin sends text to a comma-separated list of logins.
func (c *Client) ChatSendServerMessageToLogin(ctx context.Context, text, logins string) error {
	return c.expectTrue(ctx, "ChatSendServerMessageToLogin", text, logins)
}

func (c *Client) GetServerName(ctx context.Context) (string, error) {
	result, err := c.Call(ctx, "GetServerName")
	if err != nil {
		return "", err
	}
	return value.AsString(result)
}

func (c *Client) SetServerName(ctx context.Context, name string) error {
	return c.expectTrue(ctx, "SetServerName", name)
}

func (c *Client) GetMaxPlayers(ctx context.Context) (*Setting, error) {
	result, err := c.Call(ctx, "GetMaxPlayers")
	if err != nil {
		return nil, err
	}
	out := &Setting{}
	err = value.FieldsOf(result).
		Int("CurrentValue", &out.Current, true).
		Int("NextValue", &out.Next, true).
		Err()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetMaxPlayers(ctx context.Context, n int) error {
	return c.expectTrue(ctx, "SetMaxPlayers", n)
}

func (c *Client) NextMap(ctx context.Context) error {
	return c.expectTrue(ctx, "NextMap")
}

func (c *Client) RestartMap(ctx context.Context) error {
	return c.expectTrue(ctx, "RestartMap")
}

func (c *Client) GetCurrentMapInfo(ctx context.Context) (*MapInfo, error) {
	result, err := c.Call(ctx, "GetCurrentMapInfo")
	if err != nil {
		return nil, err
	}
	return ParseMapInfo(result)
}

func (c *Client) GetMapList(ctx context.Context, count, offset int) ([]MapInfo, error) {
	result, err := c.Call(ctx, "GetMapList", count, offset)
	if err != nil {
		return nil, err
	}
	return parseList(result, ParseMapInfo)
}

func (c *Client) TriggerModeScriptEventArray(ctx context.Context, method string, params []string) error {
	if params == nil {
		params = []string{}
	}
	return c.expectTrue(ctx, "TriggerModeScriptEventArray", method, params)
}

// WriteFile stores data under name in the server's UserData/Maps directory.
func (c *Client) WriteFile(ctx context.Context, name string, data []byte) error {
	return c.expectTrue(ctx, "WriteFile", name, data)
}

func (c *Client) ListMethods(ctx context.Context) ([]string, error) {
	result, err := c.Call(ctx, "system.listMethods")
	if err != nil {
		return nil, err
	}
	return value.AsStrings(result)
}
