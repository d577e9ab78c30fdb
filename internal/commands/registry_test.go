package commands

import (
	"context"
	"flag"
	"io"
	"strings"
	"testing"

	"tasksync/internal/config"
	"tasksync/internal/engine"
)

type stubCmd struct {
	name    string
	aliases []string
}

func (c *stubCmd) Name() string                   { return c.name }
func (c *stubCmd) Aliases() []string              { return c.aliases }
func (c *stubCmd) Synopsis() string               { return "stub " + c.name }
func (c *stubCmd) Usage() string                  { return "tasksync " + c.name }
func (c *stubCmd) NeedsEngine() bool              { return false }
func (c *stubCmd) RegisterFlags(fs *flag.FlagSet) {}
func (c *stubCmd) Run(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string, out, errOut io.Writer) int {
	return 0
}

func TestRegistry_FindAndConflicts(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubCmd{name: "sync", aliases: []string{"s"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd, ok := r.Find("s"); !ok || cmd.Name() != "sync" {
		t.Errorf("expected alias to resolve to sync, got %v %v", cmd, ok)
	}

	if err := r.Register(&stubCmd{name: "s"}); err == nil {
		t.Error("expected name clashing with an alias to be rejected")
	}
	if err := r.Register(&stubCmd{name: "status", aliases: []string{"sync"}}); err == nil {
		t.Error("expected alias clashing with a name to be rejected")
	}
	if _, ok := r.Find("status"); ok {
		t.Error("expected rejected command not to be registered")
	}
}

func TestRegistry_AllSorted(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"sync", "add", "help"} {
		if err := r.Register(&stubCmd{name: n, aliases: []string{n + "-alias"}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	var names []string
	for _, c := range r.All() {
		names = append(names, c.Name())
	}
	if strings.Join(names, ",") != "add,help,sync" {
		t.Errorf("expected sorted unique commands, got %v", names)
	}
}

func TestHelp_UsesRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubCmd{name: "frobnicate"})

	var out strings.Builder
	code := (&HelpCmd{Registry: r}).Run(context.Background(), &config.Config{}, nil, nil, &out, io.Discard)
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "tasksync frobnicate") || !strings.Contains(out.String(), "stub frobnicate") {
		t.Errorf("expected registered command in help, got %q", out.String())
	}
}
