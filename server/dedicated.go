package server

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gbx-controller/value"
)

// Callbacks pushed by Dedicated.
const (
	EventPlayerConnect    = "ManiaPlanet.PlayerConnect"
	EventPlayerDisconnect = "ManiaPlanet.PlayerDisconnect"
	EventPlayerChat       = "ManiaPlanet.PlayerChat"
	EventBeginMap         = "ManiaPlanet.BeginMap"
	EventEndMap           = "ManiaPlanet.EndMap"
)

// FaultRefused is the code a dedicated server uses for most refusals
// (unknown login, bad credentials, ...).
const FaultRefused = -1000

// Player is a connected player as the in-memory server sees it.
type Player struct {
	Login           string
	NickName        string
	PlayerID        int
	TeamID          int
	SpectatorStatus int
	LadderRanking   int
	Flags           int
}

func (p Player) record() *value.Record {
	return value.NewRecord(
		value.Field{Name: "Login", Value: value.String(p.Login)},
		value.Field{Name: "NickName", Value: value.String(p.NickName)},
		value.Field{Name: "PlayerId", Value: value.Int(p.PlayerID)},
		value.Field{Name: "TeamId", Value: value.Int(p.TeamID)},
		value.Field{Name: "SpectatorStatus", Value: value.Int(p.SpectatorStatus)},
		value.Field{Name: "LadderRanking", Value: value.Int(p.LadderRanking)},
		value.Field{Name: "Flags", Value: value.Int(p.Flags)},
	)
}

type Map struct {
	UID         string
	Name        string
	FileName    string
	Author      string
	Environment string
	MapType     string
	GoldTime    int
}

func (m Map) record() *value.Record {
	return value.NewRecord(
		value.Field{Name: "UId", Value: value.String(m.UID)},
		value.Field{Name: "Name", Value: value.String(m.Name)},
		value.Field{Name: "FileName", Value: value.String(m.FileName)},
		value.Field{Name: "Author", Value: value.String(m.Author)},
		value.Field{Name: "Environnement", Value: value.String(m.Environment)},
		value.Field{Name: "MapType", Value: value.String(m.MapType)},
		value.Field{Name: "GoldTime", Value: value.Int(m.GoldTime)},
	)
}

// ChatMessage is a server message sent through one of the chat procedures.
// To is empty for messages sent to everyone.
type ChatMessage struct {
	To   []string
	Text string
}

// Dedicated is an in-memory dedicated server: it keeps players, maps and
// settings, answers the remote procedures a controller uses and pushes the
// matching callbacks through its Server.
type Dedicated struct {
	srv *Server

	mu               sync.Mutex
	name             string
	user, password   string
	apiVersion       string
	scriptAPIVersion string
	maxPlayers       int
	nextMaxPlayers   int
	players          []Player
	nextPlayerID     int
	banned           map[string]string
	maps             []Map
	current          int
	chat             []ChatMessage
	files            map[string][]byte
}

// NewDedicated registers the procedures of a dedicated server called name
// on srv.
func NewDedicated(srv *Server, name string) *Dedicated {
	d := &Dedicated{
		srv:            srv,
		name:           name,
		apiVersion:     "2013-04-16",
		maxPlayers:     32,
		nextMaxPlayers: 32,
		nextPlayerID:   1,
		banned:         make(map[string]string),
		files:          make(map[string][]byte),
		maps: []Map{{
			UID: "olsKnq_qAghcVAnEkoeUnVHFZei", Name: "A01", FileName: "Campaigns/A01.Map.Gbx",
			Author: "Nadeo", Environment: "Stadium", MapType: "Race", GoldTime: 23000,
		}},
	}
	d.register()
	return d
}

// SetCredentials makes Authenticate accept only user/password.
func (d *Dedicated) SetCredentials(user, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.user, d.password = user, password
}

func (d *Dedicated) register() {
	procedures := map[string]func([]value.Value) (value.Value, error){
		"Authenticate":                 d.authenticate,
		"SetApiVersion":                d.setAPIVersion,
		"TriggerModeScriptEventArray":  d.triggerModeScriptEventArray,
		"GetVersion":                   d.getVersion,
		"GetStatus":                    d.getStatus,
		"GetPlayerList":                d.getPlayerList,
		"GetPlayerInfo":                d.getPlayerInfo,
		"Kick":                         d.kick,
		"Ban":                          d.ban,
		"ChatSendServerMessage":        d.chatSendServerMessage,
		"ChatSendServerMessageToLogin": d.chatSendServerMessageToLogin,
		"GetServerName":                d.getServerName,
		"SetServerName":                d.setServerName,
		"GetMaxPlayers":                d.getMaxPlayers,
		"SetMaxPlayers":                d.setMaxPlayers,
		"NextMap":                      d.nextMap,
		"RestartMap":                   d.restartMap,
		"GetCurrentMapInfo":            d.getCurrentMapInfo,
		"GetMapList":                   d.getMapList,
		"WriteFile":                    d.writeFile,
	}
	for name, proc := range procedures {
		name, proc := name, proc
		d.srv.Handle(name, func(ctx context.Context, method string, args []value.Value) (value.Value, error) {
			result, err := proc(args)
			if err == errParams {
				return nil, InvalidParams(name)
			}
			return result, err
		})
	}
}

// errParams is turned into an InvalidParams fault naming the procedure.
var errParams = &value.Fault{Code: FaultInvalidParams}

func arity(args []value.Value, least, most int) error {
	if len(args) < least || len(args) > most {
		return errParams
	}
	return nil
}

func argString(args []value.Value, i int) (string, error) {
	s, err := value.AsString(args[i])
	if err != nil {
		return "", errParams
	}
	return s, nil
}

func argInt(args []value.Value, i int) (int, error) {
	n, err := value.AsInt(args[i])
	if err != nil {
		return 0, errParams
	}
	return int(n), nil
}

func page(n int, args []value.Value) (lo, hi int, err error) {
	if len(args) == 0 {
		return 0, n, nil
	}
	if len(args) < 2 {
		return 0, 0, errParams
	}
	count, err := argInt(args, 0)
	if err != nil {
		return 0, 0, err
	}
	offset, err := argInt(args, 1)
	if err != nil || count < 0 || offset < 0 {
		return 0, 0, errParams
	}
	lo = min(offset, n)
	hi = min(lo+count, n)
	return lo, hi, nil
}

func refused(msg string) error { return &value.Fault{Code: FaultRefused, Message: msg} }

func (d *Dedicated) authenticate(args []value.Value) (value.Value, error) {
	if err := arity(args, 2, 2); err != nil {
		return nil, err
	}
	user, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	password, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.user != "" && (user != d.user || password != d.password) {
		return nil, refused("Permission denied.")
	}
	return value.Bool(true), nil
}

func (d *Dedicated) setAPIVersion(args []value.Value) (value.Value, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	v, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.apiVersion = v
	d.mu.Unlock()
	return value.Bool(true), nil
}

func (d *Dedicated) triggerModeScriptEventArray(args []value.Value) (value.Value, error) {
	if err := arity(args, 2, 2); err != nil {
		return nil, err
	}
	method, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	params, err := value.AsStrings(args[1])
	if err != nil {
		return nil, errParams
	}
	if method == "XmlRpc.SetApiVersion" && len(params) == 1 {
		d.mu.Lock()
		d.scriptAPIVersion = params[0]
		d.mu.Unlock()
	}
	return value.Bool(true), nil
}

func (d *Dedicated) getVersion(args []value.Value) (value.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return value.NewRecord(
		value.Field{Name: "Name", Value: value.String("ManiaPlanet")},
		value.Field{Name: "TitleId", Value: value.String("TMStadium@nadeo")},
		value.Field{Name: "Version", Value: value.String("3.3.0")},
		value.Field{Name: "Build", Value: value.String("2019-10-23_20_00")},
		value.Field{Name: "ApiVersion", Value: value.String(d.apiVersion)},
	), nil
}

func (d *Dedicated) getStatus(args []value.Value) (value.Value, error) {
	return value.NewRecord(
		value.Field{Name: "Code", Value: value.Int(4)},
		value.Field{Name: "Name", Value: value.String("Running - Play")},
	), nil
}

func (d *Dedicated) getPlayerList(args []value.Value) (value.Value, error) {
	if err := arity(args, 0, 3); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lo, hi, err := page(len(d.players), args)
	if err != nil {
		return nil, err
	}
	out := make(value.List, 0, hi-lo)
	for _, p := range d.players[lo:hi] {
		out = append(out, p.record())
	}
	return out, nil
}

func (d *Dedicated) getPlayerInfo(args []value.Value) (value.Value, error) {
	if err := arity(args, 1, 2); err != nil {
		return nil, err
	}
	login, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.find(login)
	if i < 0 {
		return nil, refused("Login unknown.")
	}
	return d.players[i].record(), nil
}

func (d *Dedicated) find(login string) int {
	for i, p := range d.players {
		if p.Login == login {
			return i
		}
	}
	return -1
}

// remove drops a player and announces it. The lock must not be held.
func (d *Dedicated) remove(login, reason string) bool {
	d.mu.Lock()
	i := d.find(login)
	if i < 0 {
		d.mu.Unlock()
		return false
	}
	d.players = append(d.players[:i], d.players[i+1:]...)
	d.mu.Unlock()
	d.srv.Broadcast(EventPlayerDisconnect, value.String(login), value.String(reason))
	return true
}

func (d *Dedicated) kick(args []value.Value) (value.Value, error) {
	if err := arity(args, 1, 2); err != nil {
		return nil, err
	}
	login, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	reason := "kicked"
	if len(args) == 2 {
		if reason, err = argString(args, 1); err != nil {
			return nil, err
		}
	}
	if !d.remove(login, reason) {
		return nil, refused("Login unknown.")
	}
	return value.Bool(true), nil
}

func (d *Dedicated) ban(args []value.Value) (value.Value, error) {
	if err := arity(args, 1, 2); err != nil {
		return nil, err
	}
	login, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	reason := "banned"
	if len(args) == 2 {
		if reason, err = argString(args, 1); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	d.banned[login] = reason
	d.mu.Unlock()
	d.remove(login, reason)
	return value.Bool(true), nil
}

func (d *Dedicated) chatSendServerMessage(args []value.Value) (value.Value, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	text, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.chat = append(d.chat, ChatMessage{Text: text})
	d.mu.Unlock()
	return value.Bool(true), nil
}

func (d *Dedicated) chatSendServerMessageToLogin(args []value.Value) (value.Value, error) {
	if err := arity(args, 2, 2); err != nil {
		return nil, err
	}
	text, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	logins, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	var to []string
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, login := range strings.Split(logins, ",") {
		login = strings.TrimSpace(login)
		if login == "" {
			continue
		}
		if d.find(login) < 0 {
			return nil, refused("Login unknown.")
		}
		to = append(to, login)
	}
	if len(to) == 0 {
		return nil, errParams
	}
	d.chat = append(d.chat, ChatMessage{To: to, Text: text})
	return value.Bool(true), nil
}

func (d *Dedicated) getServerName(args []value.Value) (value.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return value.String(d.name), nil
}

func (d *Dedicated) setServerName(args []value.Value) (value.Value, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	name, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
	return value.Bool(true), nil
}

func (d *Dedicated) getMaxPlayers(args []value.Value) (value.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return value.NewRecord(
		value.Field{Name: "CurrentValue", Value: value.Int(d.maxPlayers)},
		value.Field{Name: "NextValue", Value: value.Int(d.nextMaxPlayers)},
	), nil
}

// setMaxPlayers takes effect from the next map on.
func (d *Dedicated) setMaxPlayers(args []value.Value) (value.Value, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	n, err := argInt(args, 0)
	if err != nil || n <= 0 {
		return nil, errParams
	}
	d.mu.Lock()
	d.nextMaxPlayers = n
	d.mu.Unlock()
	return value.Bool(true), nil
}

// changeMap ends the current map, moves by step and begins the new one.
func (d *Dedicated) changeMap(step int) {
	d.mu.Lock()
	ended := d.maps[d.current]
	d.current = (d.current + step) % len(d.maps)
	begun := d.maps[d.current]
	d.maxPlayers = d.nextMaxPlayers
	d.mu.Unlock()

	d.srv.Broadcast(EventEndMap, ended.record())
	d.srv.Broadcast(EventBeginMap, begun.record())
}

func (d *Dedicated) nextMap(args []value.Value) (value.Value, error) {
	d.changeMap(1)
	return value.Bool(true), nil
}

func (d *Dedicated) restartMap(args []value.Value) (value.Value, error) {
	d.changeMap(0)
	return value.Bool(true), nil
}

func (d *Dedicated) getCurrentMapInfo(args []value.Value) (value.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maps[d.current].record(), nil
}

func (d *Dedicated) getMapList(args []value.Value) (value.Value, error) {
	if err := arity(args, 2, 2); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lo, hi, err := page(len(d.maps), args)
	if err != nil {
		return nil, err
	}
	out := make(value.List, 0, hi-lo)
	for _, m := range d.maps[lo:hi] {
		out = append(out, m.record())
	}
	return out, nil
}

func (d *Dedicated) writeFile(args []value.Value) (value.Value, error) {
	if err := arity(args, 2, 2); err != nil {
		return nil, err
	}
	name, err := argString(args, 0)
	if err != nil || name == "" || strings.Contains(name, "..") {
		return nil, errParams
	}
	data, err := value.AsBinary(args[1])
	if err != nil {
		return nil, errParams
	}
	d.mu.Lock()
	d.files[name] = append([]byte(nil), data...)
	d.mu.Unlock()
	return value.Bool(true), nil
}

// Connect adds a player and pushes PlayerConnect. A banned login is refused.
func (d *Dedicated) Connect(login, nickName string, spectator bool) error {
	d.mu.Lock()
	if reason, ok := d.banned[login]; ok {
		d.mu.Unlock()
		return fmt.Errorf("%s is banned: %s", login, reason)
	}
	if d.find(login) >= 0 {
		d.mu.Unlock()
		return fmt.Errorf("%s is already connected", login)
	}
	p := Player{Login: login, NickName: nickName, PlayerID: d.nextPlayerID}
	if spectator {
		p.SpectatorStatus = 1
	}
	d.nextPlayerID++
	d.players = append(d.players, p)
	d.mu.Unlock()

	d.srv.Broadcast(EventPlayerConnect, value.String(login), value.Bool(spectator))
	return nil
}

// Disconnect removes a player and pushes PlayerDisconnect.
func (d *Dedicated) Disconnect(login string) bool {
	return d.remove(login, "")
}

// Say pushes a PlayerChat callback as if login had typed text. Text starting
// with a slash is flagged as a command.
func (d *Dedicated) Say(login, text string) error {
	d.mu.Lock()
	i := d.find(login)
	if i < 0 {
		d.mu.Unlock()
		return fmt.Errorf("%s is not connected", login)
	}
	uid := d.players[i].PlayerID
	d.mu.Unlock()

	d.srv.Broadcast(EventPlayerChat, value.Int(uid), value.String(login),
		value.String(text), value.Bool(strings.HasPrefix(text, "/")))
	return nil
}

// AddMap appends a map to the rotation.
func (d *Dedicated) AddMap(m Map) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maps = append(d.maps, m)
}

func (d *Dedicated) Players() []Player {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Player(nil), d.players...)
}

func (d *Dedicated) Messages() []ChatMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ChatMessage(nil), d.chat...)
}

func (d *Dedicated) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *Dedicated) CurrentMap() Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maps[d.current]
}

// APIVersions reports what the controller selected.
func (d *Dedicated) APIVersions() (api, script string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apiVersion, d.scriptAPIVersion
}

func (d *Dedicated) File(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[name]
	return data, ok
}

func (d *Dedicated) Banned() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.banned))
	for login := range d.banned {
		out = append(out, login)
	}
	sort.Strings(out)
	return out
}
