package commands

import (
	"context"
	"flag"
	"fmt"
	"io"

	"tasksync/internal/config"
	"tasksync/internal/conflict"
	"tasksync/internal/engine"
	"tasksync/internal/exitcode"
	"tasksync/internal/output"
	"tasksync/internal/service"
	"tasksync/internal/syncer"
)

func init() {
	Register(&SyncCmd{})
}

// SyncCmd implements the sync command.
type SyncCmd struct {
	provider string
	policy   string
}

// SetProvider limits the run to one provider (for testing).
func (c *SyncCmd) SetProvider(p string) {
	c.provider = p
}

// SetPolicy sets the conflict policy (for testing).
func (c *SyncCmd) SetPolicy(p string) {
	c.policy = p
}

func (c *SyncCmd) Name() string      { return "sync" }
func (c *SyncCmd) Aliases() []string { return nil }
func (c *SyncCmd) Synopsis() string  { return "Synchronize with remote providers" }
func (c *SyncCmd) Usage() string {
	return "tasksync sync [--provider caldav|google|dropbox] [--policy last-write-wins|manual]"
}
func (c *SyncCmd) NeedsEngine() bool { return true }

func (c *SyncCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.provider, "provider", "", "")
	fs.StringVar(&c.policy, "policy", "", "")
}

func (c *SyncCmd) Run(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string, out, errOut io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintf(errOut, "error: unexpected argument: %s\n", args[0])
		return exitcode.UserError
	}

	policy := eng.Settings.Policy()
	if c.policy != "" {
		p, err := conflict.ParsePolicy(c.policy)
		if err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return exitcode.UserError
		}
		policy = p
	}

	providers := eng.Providers()
	if c.provider != "" {
		id, err := parseProvider(c.provider)
		if err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return exitcode.UserError
		}
		providers = []service.ProviderID{id}
	}
	if len(providers) == 0 {
		fmt.Fprintf(errOut, "error: no providers configured (edit %s)\n", cfg.SettingsPath())
		return exitcode.AuthError
	}

	opts := syncer.SyncOptions{Policy: policy}
	if !cfg.Quiet {
		opts.Progress = func(p syncer.Progress) { output.FormatProgress(errOut, p) }
	}

	code := exitcode.Success
	for _, id := range providers {
		if err := eng.Unavailable(id); err != nil {
			code = worse(code, reportError(errOut, err))
			continue
		}

		res, err := eng.Sync.SyncOnce(ctx, id, opts)
		if res != nil {
			output.FormatSyncResult(out, res)
			if len(res.Errors) > 0 {
				code = worse(code, exitcode.BackendError)
			}
		}
		if err != nil {
			code = worse(code, reportError(errOut, err))
		}
	}

	// A tombstone can go once every registered provider has carried it.
	if n, err := eng.Store.PruneTombstones(ctx, eng.Sync.Providers()); err != nil {
		code = worse(code, reportError(errOut, err))
	} else if n > 0 && cfg.Debug {
		fmt.Fprintf(errOut, "pruned %d tombstone(s)\n", n)
	}
	return code
}
