package commands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"tasksync/internal/config"
	"tasksync/internal/engine"
	"tasksync/internal/exitcode"
)

func init() {
	Register(&HelpCmd{})
}

// HelpCmd implements the help command. The command list is built from
// Registry, or DefaultRegistry when nil.
type HelpCmd struct {
	Registry *Registry
}

func (c *HelpCmd) Name() string      { return "help" }
func (c *HelpCmd) Aliases() []string { return nil }
func (c *HelpCmd) Synopsis() string  { return "Print usage" }
func (c *HelpCmd) Usage() string     { return "tasksync help" }
func (c *HelpCmd) NeedsEngine() bool { return false }

func (c *HelpCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *HelpCmd) Run(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string, out, errOut io.Writer) int {
	reg := c.Registry
	if reg == nil {
		reg = DefaultRegistry
	}

	var b strings.Builder
	b.WriteString("Usage:\n")
	fmt.Fprintf(&b, "  %-46s %s\n", "tasksync", "List open tasks")
	for _, cmd := range reg.All() {
		fmt.Fprintf(&b, "  %-46s %s\n", cmd.Usage(), cmd.Synopsis())
	}
	b.WriteString(helpNotes)
	fmt.Fprint(out, b.String())
	return exitcode.Success
}

const helpNotes = `
Providers: caldav, google, dropbox
Policies:  last-write-wins (default), manual
A <ref> is the number shown by 'tasksync tasks' or a task ID prefix.

Common flags:
  --config <dir>   Override config directory
  --quiet          Suppress informational output
  --debug          Print debug logs to stderr
`
