// Package callback turns the events a dedicated server pushes into typed
// values and fans them out to handlers.
//
// Event methods carry a namespace ("ManiaPlanet.PlayerConnect",
// "TrackMania.PlayerConnect"); handlers are keyed by the bare name.
package callback

import (
	"errors"
	"fmt"
	"strings"

	"gbx-controller/client"
	"gbx-controller/message"
	"gbx-controller/value"
)

// Bare callback names.
const (
	NamePlayerConnect    = "PlayerConnect"
	NamePlayerDisconnect = "PlayerDisconnect"
	NamePlayerChat       = "PlayerChat"
	NameBeginMap         = "BeginMap"
	NameEndMap           = "EndMap"
)

// ErrUnknownCallback is returned by Parse for callbacks it has no type for.
var ErrUnknownCallback = errors.New("unknown callback")

type PlayerConnect struct {
	Login       string
	IsSpectator bool
}

type PlayerDisconnect struct {
	Login  string
	Reason string
}

// PlayerChat is a chat line. PlayerUID 0 is the server itself.
type PlayerChat struct {
	PlayerUID int
	Login     string
	Text      string
	IsCommand bool
}

type BeginMap struct {
	Map client.MapInfo
}

type EndMap struct {
	Map client.MapInfo
}

// Name strips the namespace from an event method.
func Name(method string) string {
	if i := strings.LastIndexByte(method, '.'); i >= 0 {
		return method[i+1:]
	}
	return method
}

// Parse decodes ev into one of the callback types of this package.
func Parse(ev *message.Event) (any, error) {
	a := &args{method: ev.Method, vals: ev.Args}
	var out any
	switch Name(ev.Method) {
	case NamePlayerConnect:
		out = PlayerConnect{Login: a.str(0), IsSpectator: a.boolean(1)}
	case NamePlayerDisconnect:
		cb := PlayerDisconnect{Login: a.str(0)}
		if len(ev.Args) > 1 {
			cb.Reason = a.str(1)
		}
		out = cb
	case NamePlayerChat:
		out = PlayerChat{PlayerUID: a.integer(0), Login: a.str(1), Text: a.str(2), IsCommand: a.boolean(3)}
	case NameBeginMap:
		out = BeginMap{Map: a.mapInfo(0)}
	case NameEndMap:
		out = EndMap{Map: a.mapInfo(0)}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCallback, ev.Method)
	}
	if a.err != nil {
		return nil, a.err
	}
	return out, nil
}

// args reads positional event arguments, remembering the first failure.
type args struct {
	method string
	vals   []value.Value
	err    error
}

// at returns argument i. Callbacks gain trailing arguments across API
// versions, so extra arguments are ignored and only missing ones fail.
func (a *args) at(i int, want value.Kind) (value.Value, bool) {
	if a.err != nil {
		return nil, false
	}
	if i >= len(a.vals) {
		a.err = fmt.Errorf("%s: %w", a.method, &value.ShapeError{Path: fmt.Sprintf("[%d]", i), Want: want, Got: value.KindNil})
		return nil, false
	}
	return a.vals[i], true
}

func (a *args) fail(i int, err error) {
	var se *value.ShapeError
	if errors.As(err, &se) {
		path := fmt.Sprintf("[%d]", i)
		if se.Path != "" {
			path += "." + se.Path
		}
		err = &value.ShapeError{Path: path, Want: se.Want, Got: se.Got}
	}
	a.err = fmt.Errorf("%s: %w", a.method, err)
}

func (a *args) str(i int) string {
	v, ok := a.at(i, value.KindString)
	if !ok {
		return ""
	}
	s, err := value.AsString(v)
	if err != nil {
		a.fail(i, err)
	}
	return s
}

func (a *args) boolean(i int) bool {
	v, ok := a.at(i, value.KindBool)
	if !ok {
		return false
	}
	b, err := value.AsBool(v)
	if err != nil {
		a.fail(i, err)
	}
	return b
}

func (a *args) integer(i int) int {
	v, ok := a.at(i, value.KindInt)
	if !ok {
		return 0
	}
	n, err := value.AsInt(v)
	if err != nil {
		a.fail(i, err)
	}
	return int(n)
}

func (a *args) mapInfo(i int) client.MapInfo {
	v, ok := a.at(i, value.KindRecord)
	if !ok {
		return client.MapInfo{}
	}
	m, err := client.ParseMapInfo(v)
	if err != nil {
		a.fail(i, err)
		return client.MapInfo{}
	}
	return *m
}

