// Package command parses chat commands and decides who may run them.
//
// Commands come in families distinguished by prefix: player commands start
// with "/", admin commands with "//". A family only parses; executing a
// command is the controller's business.
package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrRejected matches every *Rejection.
var ErrRejected = errors.New("command rejected")

// Rejection explains why a parsed command may not run.
type Rejection struct {
	Command string
	Reason  string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Command, r.Reason)
}

func (r *Rejection) Is(target error) bool { return target == ErrRejected }

type Role int

const (
	RolePlayer Role = iota
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RolePlayer:
		return "player"
	case RoleAdmin:
		return "admin"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Command is one parsed chat command.
type Command struct {
	Family string
	Name   string   // lower case, without prefix
	Args   []string // whitespace separated
	Text   string   // the line as typed
}

// Rest joins the arguments from i on, e.g. a kick message.
func (c *Command) Rest(i int) string {
	if i >= len(c.Args) {
		return ""
	}
	return strings.Join(c.Args[i:], " ")
}

// Context is what Check decides on.
type Context struct {
	Login   string
	Role    Role
	Command *Command
}

type Family interface {
	Name() string
	Prefix() string
	// Parse returns the command in text, or false when text does not belong
	// to this family.
	Parse(text string) (*Command, bool)
	// Check returns a *Rejection when ctx may not run its command.
	Check(ctx Context) error
	Allows(role Role) bool
	Specs() []Spec
}

// Spec describes one command of a family.
type Spec struct {
	Name    string
	Usage   string
	Help    string
	MinArgs int
}

type prefixFamily struct {
	name    string
	prefix  string
	minRole Role
	specs   map[string]Spec
}

// NewFamily builds a family of the commands in specs, typed after prefix and
// reserved to minRole and above.
func NewFamily(name, prefix string, minRole Role, specs ...Spec) Family {
	f := &prefixFamily{name: name, prefix: prefix, minRole: minRole, specs: make(map[string]Spec)}
	for _, s := range specs {
		f.specs[s.Name] = s
	}
	return f
}

func (f *prefixFamily) Name() string { return f.name }

func (f *prefixFamily) Prefix() string { return f.prefix }

// Allows reports whether role may use the family at all.
func (f *prefixFamily) Allows(role Role) bool { return role >= f.minRole }

func (f *prefixFamily) Parse(text string) (*Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, f.prefix) {
		return nil, false
	}
	body := text[len(f.prefix):]
	// "//kick" is not the player command "/kick"
	if body == "" || strings.HasPrefix(body, "/") {
		return nil, false
	}
	fields := strings.Fields(body)
	return &Command{
		Family: f.name,
		Name:   strings.ToLower(fields[0]),
		Args:   fields[1:],
		Text:   text,
	}, true
}

func (f *prefixFamily) Check(ctx Context) error {
	cmd := ctx.Command
	spec, ok := f.specs[cmd.Name]
	if !ok {
		return &Rejection{Command: f.prefix + cmd.Name, Reason: "unknown command"}
	}
	if !f.Allows(ctx.Role) {
		return &Rejection{Command: f.prefix + cmd.Name, Reason: fmt.Sprintf("requires %s", f.minRole)}
	}
	if len(cmd.Args) < spec.MinArgs {
		return &Rejection{Command: f.prefix + cmd.Name, Reason: "usage: " + f.prefix + spec.Usage}
	}
	return nil
}

func (f *prefixFamily) Specs() []Spec {
	out := make([]Spec, 0, len(f.specs))
	for _, s := range f.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PlayerCommands is the "/" family everyone may use.
func PlayerCommands() Family {
	return NewFamily("player", "/", RolePlayer,
		Spec{Name: "help", Usage: "help", Help: "list the commands you may use"},
		Spec{Name: "version", Usage: "version", Help: "show the server version"},
		Spec{Name: "seen", Usage: "seen <login>", Help: "when a player was last here", MinArgs: 1},
	)
}

// AdminCommands is the "//" family reserved to admins.
func AdminCommands() Family {
	return NewFamily("admin", "//", RoleAdmin,
		Spec{Name: "kick", Usage: "kick <login> [message]", Help: "disconnect a player", MinArgs: 1},
		Spec{Name: "skip", Usage: "skip", Help: "go to the next map"},
		Spec{Name: "restart", Usage: "restart", Help: "restart the current map"},
		Spec{Name: "name", Usage: "name <server name>", Help: "rename the server", MinArgs: 1},
	)
}

// Parse finds the family text belongs to.
func Parse(text string, families ...Family) (Family, *Command, bool) {
	for _, f := range families {
		if cmd, ok := f.Parse(text); ok {
			return f, cmd, true
		}
	}
	return nil, nil, false
}
