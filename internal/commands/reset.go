package commands

import (
	"context"
	"flag"
	"fmt"
	"io"

	"tasksync/internal/config"
	"tasksync/internal/engine"
	"tasksync/internal/exitcode"
	"tasksync/internal/service"
)

func init() {
	Register(&ResetCmd{})
}

// ResetCmd implements the reset command. It forgets the provider's sync
// state; with --remote the encrypted Dropbox snapshot is deleted too.
type ResetCmd struct {
	remote bool
}

// SetRemote sets the --remote flag (for testing).
func (c *ResetCmd) SetRemote(remote bool) {
	c.remote = remote
}

func (c *ResetCmd) Name() string      { return "reset" }
func (c *ResetCmd) Aliases() []string { return nil }
func (c *ResetCmd) Synopsis() string  { return "Forget a provider's sync state" }
func (c *ResetCmd) Usage() string     { return "tasksync reset [--remote] caldav|google|dropbox" }
func (c *ResetCmd) NeedsEngine() bool { return true }

func (c *ResetCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.remote, "remote", false, "")
}

func (c *ResetCmd) Run(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string, out, errOut io.Writer) int {
	id, ok := providerArg(args, errOut)
	if !ok {
		return exitcode.UserError
	}

	if c.remote {
		if id != service.ProviderDropbox {
			fmt.Fprintln(errOut, "error: --remote only applies to dropbox")
			return exitcode.UserError
		}
		if eng.Snapshots == nil {
			return reportError(errOut, fmt.Errorf("%w: dropbox", engine.ErrNotConfigured))
		}
		if eng.Sync.Running(id) {
			fmt.Fprintln(errOut, "error: a dropbox sync is running")
			return exitcode.BackendError
		}
		if err := eng.Snapshots.Remove(ctx); err != nil {
			return reportError(errOut, err)
		}
	}

	if err := eng.Sync.Reset(ctx, id); err != nil {
		return reportError(errOut, err)
	}
	if !cfg.Quiet {
		fmt.Fprintln(out, "ok")
	}
	return exitcode.Success
}
