package commands

import (
	"context"
	"flag"
	"fmt"
	"io"

	"tasksync/internal/config"
	"tasksync/internal/engine"
	"tasksync/internal/exitcode"
	"tasksync/internal/syncer"
)

func init() {
	Register(&DisableCmd{})
	Register(&EnableCmd{})
}

// DisableCmd implements the disable command.
type DisableCmd struct{}

func (c *DisableCmd) Name() string      { return "disable" }
func (c *DisableCmd) Aliases() []string { return nil }
func (c *DisableCmd) Synopsis() string  { return "Stop syncing with a provider" }
func (c *DisableCmd) Usage() string     { return "tasksync disable caldav|google|dropbox" }
func (c *DisableCmd) NeedsEngine() bool { return true }

func (c *DisableCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *DisableCmd) Run(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string, out, errOut io.Writer) int {
	id, ok := providerArg(args, errOut)
	if !ok {
		return exitcode.UserError
	}
	if err := eng.Sync.Disable(ctx, id); err != nil {
		return reportError(errOut, err)
	}
	if !cfg.Quiet {
		fmt.Fprintln(out, "ok")
	}
	return exitcode.Success
}

// EnableCmd re-enables a disabled provider.
type EnableCmd struct{}

func (c *EnableCmd) Name() string      { return "enable" }
func (c *EnableCmd) Aliases() []string { return nil }
func (c *EnableCmd) Synopsis() string  { return "Resume syncing with a provider" }
func (c *EnableCmd) Usage() string     { return "tasksync enable caldav|google|dropbox" }
func (c *EnableCmd) NeedsEngine() bool { return true }

func (c *EnableCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *EnableCmd) Run(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string, out, errOut io.Writer) int {
	id, ok := providerArg(args, errOut)
	if !ok {
		return exitcode.UserError
	}
	if _, err := eng.Sync.Configure(ctx, id, func(s *syncer.ProviderSyncState) {
		s.Enabled = true
	}); err != nil {
		return reportError(errOut, err)
	}
	if !cfg.Quiet {
		fmt.Fprintln(out, "ok")
	}
	return exitcode.Success
}
