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
	"tasksync/internal/syncer"
)

func init() {
	Register(&LoginCmd{})
}

// LoginCmd implements the login command.
type LoginCmd struct{}

func (c *LoginCmd) Name() string      { return "login" }
func (c *LoginCmd) Aliases() []string { return nil }
func (c *LoginCmd) Synopsis() string  { return "Authorize access to Dropbox or Google" }
func (c *LoginCmd) Usage() string     { return "tasksync login [common flags] dropbox|google" }
func (c *LoginCmd) NeedsEngine() bool { return true }

func (c *LoginCmd) RegisterFlags(fs *flag.FlagSet) {}

// EngineOptions installs the loopback authorizer. The URL goes to errOut
// so stdout stays clean; a pasted redirect URL is read from in.
func (c *LoginCmd) EngineOptions(in io.Reader, errOut io.Writer) []engine.Option {
	return []engine.Option{engine.WithAuthorizer(&auth.LoopbackAuthorizer{Out: errOut, In: in})}
}

func (c *LoginCmd) Run(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string, out, errOut io.Writer) int {
	id, ok := providerArg(args, errOut)
	if !ok {
		return exitcode.UserError
	}
	if id == service.ProviderCalDAV {
		fmt.Fprintf(errOut, "error: caldav uses the username and password in %s\n", cfg.SettingsPath())
		return exitcode.UserError
	}

	m, err := eng.Manager(id)
	if err != nil {
		if id == service.ProviderGoogle && !cfg.HasOAuthClient() {
			printGoogleSetup(errOut, cfg)
			return exitcode.AuthError
		}
		if id == service.ProviderDropbox {
			fmt.Fprintf(errOut, "error: dropbox.app_key is not set in %s\n", cfg.SettingsPath())
			return exitcode.AuthError
		}
		return reportError(errOut, err)
	}

	// A stored token that can still be used or refreshed is enough.
	if m.State() == auth.Authorized {
		if _, err := m.Token(ctx); err == nil {
			if !cfg.Quiet {
				fmt.Fprintln(out, "already logged in")
			}
			return exitcode.Success
		}
	}

	outcome, err := m.Authorize(ctx)
	if err != nil {
		return reportError(errOut, err)
	}
	if outcome.Cancelled {
		fmt.Fprintln(errOut, "error: login cancelled")
		return exitcode.AuthError
	}

	if _, err := eng.Sync.Configure(ctx, id, func(s *syncer.ProviderSyncState) {
		s.NeedsReauth = false
	}); err != nil {
		return reportError(errOut, err)
	}

	if !cfg.Quiet {
		fmt.Fprintln(out, "ok")
	}
	return exitcode.Success
}

func printGoogleSetup(errOut io.Writer, cfg *config.Config) {
	fmt.Fprintf(errOut, "error: %s not found in %s\n\n", config.OAuthClientFile, cfg.Dir)
	fmt.Fprintln(errOut, "To sync with Google Tasks, you need OAuth credentials:")
	fmt.Fprintln(errOut, "")
	fmt.Fprintln(errOut, "1. Go to https://console.cloud.google.com/apis/credentials")
	fmt.Fprintln(errOut, "2. Create a project (or select an existing one)")
	fmt.Fprintln(errOut, "3. Enable the Google Tasks API:")
	fmt.Fprintln(errOut, "   https://console.cloud.google.com/apis/library/tasks.googleapis.com")
	fmt.Fprintln(errOut, "4. Create OAuth 2.0 credentials:")
	fmt.Fprintln(errOut, "   - Click 'Create Credentials' > 'OAuth client ID'")
	fmt.Fprintln(errOut, "   - Choose 'Desktop app' as application type")
	fmt.Fprintf(errOut, "   - Add %s as a redirect URI\n", auth.DefaultRedirectURL)
	fmt.Fprintln(errOut, "   - Download the JSON file")
	fmt.Fprintln(errOut, "5. Save it as:")
	fmt.Fprintf(errOut, "   %s\n", cfg.OAuthClientPath())
	fmt.Fprintln(errOut, "")
	fmt.Fprintln(errOut, "Then run 'tasksync login google' again.")
}
