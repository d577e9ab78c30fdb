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
	"tasksync/internal/service"
)

func init() {
	Register(&DiscoverCmd{})
}

// DiscoverCmd implements the discover command. It lists the calendars
// (CalDAV) or task lists (Google) of the configured todo provider and
// optionally stores one as the sync target.
type DiscoverCmd struct {
	selectNum int
}

// SetSelect sets the collection to select (for testing).
func (c *DiscoverCmd) SetSelect(n int) {
	c.selectNum = n
}

func (c *DiscoverCmd) Name() string      { return "discover" }
func (c *DiscoverCmd) Aliases() []string { return []string{"calendars"} }
func (c *DiscoverCmd) Synopsis() string  { return "List remote calendars and select one" }
func (c *DiscoverCmd) Usage() string     { return "tasksync discover [--select <n>]" }
func (c *DiscoverCmd) NeedsEngine() bool { return true }

func (c *DiscoverCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.selectNum, "select", 0, "")
}

func (c *DiscoverCmd) Run(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string, out, errOut io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintf(errOut, "error: unexpected argument: %s\n", args[0])
		return exitcode.UserError
	}
	if c.selectNum < 0 {
		fmt.Fprintf(errOut, "error: invalid selection: %d\n", c.selectNum)
		return exitcode.UserError
	}

	var (
		colls   []service.CalendarCollection
		setting string
		err     error
	)
	switch {
	case eng.CalDAV != nil:
		colls, err = eng.CalDAV.Discover(ctx)
		setting = engine.SettingCalDAVCollection
	case eng.Google != nil:
		colls, err = eng.Google.ListLists(ctx)
		setting = engine.SettingGoogleList
	default:
		if uerr := eng.Unavailable(service.ProviderGoogle); uerr != nil {
			return reportError(errOut, uerr)
		}
		fmt.Fprintf(errOut, "error: no todo provider configured (set todo_provider in %s)\n", cfg.SettingsPath())
		return exitcode.AuthError
	}
	if err != nil {
		return reportError(errOut, err)
	}

	if len(colls) == 0 {
		if !cfg.Quiet {
			fmt.Fprintln(out, "no calendars found")
		}
		return exitcode.Success
	}
	for i, coll := range colls {
		output.FormatCollection(out, i+1, coll)
	}

	if c.selectNum == 0 {
		return exitcode.Success
	}
	if c.selectNum > len(colls) {
		fmt.Fprintf(errOut, "error: selection out of range: %d\n", c.selectNum)
		return exitcode.UserError
	}
	chosen := colls[c.selectNum-1]
	if !chosen.SupportsTodos() {
		fmt.Fprintf(errOut, "error: calendar does not support tasks: %s\n", chosen.DisplayName)
		return exitcode.UserError
	}
	if err := eng.Store.SetSetting(ctx, setting, chosen.URL); err != nil {
		return reportError(errOut, err)
	}
	if !cfg.Quiet {
		fmt.Fprintf(out, "selected %s\n", chosen.URL)
	}
	return exitcode.Success
}
