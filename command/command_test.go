package command

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	player, admin := PlayerCommands(), AdminCommands()
	tests := []struct {
		text   string
		family string
		name   string
		args   []string
	}{
		{"/help", "player", "help", nil},
		{"  /SEEN bob  ", "player", "seen", []string{"bob"}},
		{"//kick bob see you", "admin", "kick", []string{"bob", "see", "you"}},
		{"//skip", "admin", "skip", nil},
	}
	for _, tt := range tests {
		f, cmd, ok := Parse(tt.text, player, admin)
		if !ok {
			t.Fatalf("%q: not parsed", tt.text)
		}
		if f.Name() != tt.family || cmd.Family != tt.family || cmd.Name != tt.name {
			t.Fatalf("%q: got %s/%s", tt.text, cmd.Family, cmd.Name)
		}
		if len(cmd.Args) != len(tt.args) {
			t.Fatalf("%q: args %v, want %v", tt.text, cmd.Args, tt.args)
		}
		for i := range tt.args {
			if cmd.Args[i] != tt.args[i] {
				t.Fatalf("%q: args %v, want %v", tt.text, cmd.Args, tt.args)
			}
		}
	}

	for _, text := range []string{"hello", "/", "//", "///x", ""} {
		if _, _, ok := Parse(text, player, admin); ok {
			t.Fatalf("%q should not parse", text)
		}
	}
	if _, ok := player.Parse("//kick bob"); ok {
		t.Fatalf("player family parsed an admin command")
	}
}

func TestRest(t *testing.T) {
	_, cmd, _ := Parse("//kick bob see you", AdminCommands())
	if got := cmd.Rest(1); got != "see you" {
		t.Fatalf("Rest(1) = %q", got)
	}
	if got := cmd.Rest(5); got != "" {
		t.Fatalf("Rest(5) = %q", got)
	}
}

func TestCheck(t *testing.T) {
	player, admin := PlayerCommands(), AdminCommands()
	check := func(f Family, text string, role Role) error {
		cmd, ok := f.Parse(text)
		if !ok {
			t.Fatalf("%q: not parsed", text)
		}
		return f.Check(Context{Login: "x", Role: role, Command: cmd})
	}

	if err := check(player, "/help", RolePlayer); err != nil {
		t.Fatalf("/help: %v", err)
	}
	if err := check(admin, "//kick bob", RoleAdmin); err != nil {
		t.Fatalf("//kick as admin: %v", err)
	}

	var rej *Rejection
	err := check(admin, "//kick bob", RolePlayer)
	if !errors.Is(err, ErrRejected) || !errors.As(err, &rej) || rej.Reason != "requires admin" {
		t.Fatalf("//kick as player: %v", err)
	}
	if err := check(admin, "//kick", RoleAdmin); !errors.As(err, &rej) || rej.Reason != "usage: //kick <login> [message]" {
		t.Fatalf("//kick without login: %v", err)
	}
	if err := check(player, "/dance", RoleAdmin); !errors.As(err, &rej) || rej.Reason != "unknown command" {
		t.Fatalf("/dance: %v", err)
	}
}

func TestSpecsSorted(t *testing.T) {
	specs := AdminCommands().Specs()
	want := []string{"kick", "name", "restart", "skip"}
	if len(specs) != len(want) {
		t.Fatalf("got %d specs", len(specs))
	}
	for i, s := range specs {
		if s.Name != want[i] {
			t.Fatalf("specs[%d] = %s, want %s", i, s.Name, want[i])
		}
	}
}

func TestAllows(t *testing.T) {
	if AdminCommands().Allows(RolePlayer) || !AdminCommands().Allows(RoleAdmin) {
		t.Fatalf("admin family must be reserved to admins")
	}
	if !PlayerCommands().Allows(RolePlayer) || PlayerCommands().Prefix() != "/" {
		t.Fatalf("player family must be open to everyone")
	}
}
