package commands

import (
	"context"
	"flag"
	"fmt"
	"io"

	"tasksync/internal/config"
	"tasksync/internal/engine"
	"tasksync/internal/exitcode"
	"tasksync/internal/output"
)

func init() {
	Register(&StatusCmd{})
}

// StatusCmd implements the status command.
type StatusCmd struct{}

func (c *StatusCmd) Name() string      { return "status" }
func (c *StatusCmd) Aliases() []string { return nil }
func (c *StatusCmd) Synopsis() string  { return "Show provider sync state" }
func (c *StatusCmd) Usage() string     { return "tasksync status [common flags]" }
func (c *StatusCmd) NeedsEngine() bool { return true }

func (c *StatusCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *StatusCmd) Run(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string, out, errOut io.Writer) int {
	tasks, err := eng.Store.ListTasks(ctx)
	if err != nil {
		return reportError(errOut, err)
	}
	tombs, err := eng.Store.Tombstones(ctx)
	if err != nil {
		return reportError(errOut, err)
	}
	fmt.Fprintf(out, "local: %d task(s), %d pending deletion(s)\n", len(tasks), len(tombs))

	providers := eng.Providers()
	if len(providers) == 0 {
		if !cfg.Quiet {
			fmt.Fprintln(out, "no providers configured")
		}
		return exitcode.Success
	}

	for _, id := range providers {
		state, err := eng.Sync.State(ctx, id)
		if err != nil {
			return reportError(errOut, err)
		}
		authState := ""
		if m, err := eng.Manager(id); err == nil {
			authState = m.State().String()
		}
		output.FormatStatus(out, id, state, authState, eng.Unavailable(id))
	}
	return exitcode.Success
}
