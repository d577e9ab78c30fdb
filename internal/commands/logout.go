package commands

import (
	"context"
	"flag"
	"fmt"
	"io"

	"tasksync/internal/auth"
	"tasksync/internal/config"
	"tasksync/internal/engine"
	"tasksync/internal/exitcode"
	"tasksync/internal/service"
)

func init() {
	Register(&LogoutCmd{})
}

// LogoutCmd implements the logout command.
type LogoutCmd struct{}

func (c *LogoutCmd) Name() string      { return "logout" }
func (c *LogoutCmd) Aliases() []string { return nil }
func (c *LogoutCmd) Synopsis() string  { return "Remove stored credentials" }
func (c *LogoutCmd) Usage() string     { return "tasksync logout [common flags] dropbox|google" }
func (c *LogoutCmd) NeedsEngine() bool { return true }

func (c *LogoutCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *LogoutCmd) Run(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string, out, errOut io.Writer) int {
	id, ok := providerArg(args, errOut)
	if !ok {
		return exitcode.UserError
	}
	if id == service.ProviderCalDAV {
		fmt.Fprintf(errOut, "error: caldav uses the username and password in %s\n", cfg.SettingsPath())
		return exitcode.UserError
	}

	if !cfg.HasToken(string(id)) {
		if !cfg.Quiet {
			fmt.Fprintln(out, "not logged in")
		}
		return exitcode.Success
	}

	// The provider may no longer be configured; the token file still goes.
	var err error
	if m, merr := eng.Manager(id); merr == nil {
		err = m.Logout()
	} else {
		err = auth.FileTokenStore{Path: cfg.TokenPath(string(id))}.Remove()
	}
	if err != nil {
		fmt.Fprintf(errOut, "error: failed to remove token: %v\n", err)
		return exitcode.AuthError
	}

	if !cfg.Quiet {
		fmt.Fprintln(out, "ok")
	}
	return exitcode.Success
}
