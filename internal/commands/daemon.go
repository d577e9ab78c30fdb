package commands

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"sync"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/conflict"
	"tasksync/internal/engine"
	"tasksync/internal/exitcode"
	"tasksync/internal/output"
	"tasksync/internal/service"
	"tasksync/internal/syncer"
)

func init() {
	Register(&DaemonCmd{})
}

// DaemonCmd implements the daemon command. It runs auto-sync for every
// enabled provider until interrupted and follows policy and interval
// changes in config.yaml.
type DaemonCmd struct {
	interval time.Duration
}

// SetInterval overrides the configured interval (for testing).
func (c *DaemonCmd) SetInterval(d time.Duration) {
	c.interval = d
}

func (c *DaemonCmd) Name() string      { return "daemon" }
func (c *DaemonCmd) Aliases() []string { return nil }
func (c *DaemonCmd) Synopsis() string  { return "Sync in the background until interrupted" }
func (c *DaemonCmd) Usage() string     { return "tasksync daemon [--interval <duration>]" }
func (c *DaemonCmd) NeedsEngine() bool { return true }

func (c *DaemonCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.DurationVar(&c.interval, "interval", 0, "")
}

func (c *DaemonCmd) Run(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string, out, errOut io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintf(errOut, "error: unexpected argument: %s\n", args[0])
		return exitcode.UserError
	}

	interval := c.interval
	if interval == 0 {
		interval = eng.Settings.Sync.Interval
	}
	if interval <= 0 {
		fmt.Fprintf(errOut, "error: invalid interval: %s\n", interval)
		return exitcode.UserError
	}

	d := &daemon{eng: eng, out: &lockedWriter{w: out}, quiet: cfg.Quiet}
	policy, err := conflict.ParsePolicy(eng.Settings.Sync.Policy)
	if err != nil {
		return reportError(errOut, err)
	}
	providers, err := d.enabled(ctx)
	if err != nil {
		return reportError(errOut, err)
	}
	if len(providers) == 0 {
		fmt.Fprintln(errOut, "error: no enabled providers to sync")
		return exitcode.AuthError
	}
	if err := d.setPolicy(ctx, providers, policy); err != nil {
		return reportError(errOut, err)
	}
	if err := d.arm(ctx, providers, interval); err != nil {
		return reportError(errOut, err)
	}

	// config.yaml edits change the policy of the running timers. They also
	// re-arm them unless the --interval flag pins the interval.
	err = cfg.WatchSettings(func(s *config.Settings, err error) {
		if ctx.Err() != nil {
			return
		}
		logger := eng.Logs.Logger("daemon")
		if err != nil {
			logger.Printf("ignoring settings change: %v", err)
			return
		}
		if p, err := conflict.ParsePolicy(s.Sync.Policy); err != nil {
			logger.Printf("ignoring policy change: %v", err)
		} else if err := d.setPolicy(ctx, providers, p); err != nil {
			logger.Printf("applying policy: %v", err)
		}
		if c.interval != 0 || s.Sync.Interval <= 0 || s.Sync.Interval == eng.Sync.AutoSyncInterval(providers[0]) {
			return
		}
		if err := d.arm(ctx, providers, s.Sync.Interval); err != nil {
			logger.Printf("re-arming auto-sync: %v", err)
		}
	})
	if err != nil && cfg.Debug {
		fmt.Fprintf(errOut, "not watching settings: %v\n", err)
	}

	if !cfg.Quiet {
		fmt.Fprintf(errOut, "syncing %v every %s\n", providers, interval)
	}
	<-ctx.Done()
	eng.Sync.StopAll()
	return exitcode.Success
}

type daemon struct {
	eng   *engine.Engine
	out   io.Writer
	quiet bool

	mu     sync.Mutex
	policy conflict.Policy
}

func (d *daemon) enabled(ctx context.Context) ([]service.ProviderID, error) {
	var ids []service.ProviderID
	for _, id := range d.eng.Sync.Providers() {
		state, err := d.eng.Sync.State(ctx, id)
		if err != nil {
			return nil, err
		}
		if state.Enabled {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// setPolicy stores p as the conflict policy of every provider. Auto-sync
// cycles read it from there.
func (d *daemon) setPolicy(ctx context.Context, providers []service.ProviderID, p conflict.Policy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p == d.policy {
		return nil
	}
	for _, id := range providers {
		if _, err := d.eng.Sync.Configure(ctx, id, func(s *syncer.ProviderSyncState) {
			s.Policy = p
		}); err != nil {
			return err
		}
	}
	d.policy = p
	d.eng.Logs.Logger("daemon").Printf("conflict policy %s", p)
	return nil
}

func (d *daemon) arm(ctx context.Context, providers []service.ProviderID, interval time.Duration) error {
	for _, id := range providers {
		if err := d.eng.Sync.StartAutoSync(ctx, id, interval, d.synced); err != nil {
			return err
		}
	}
	return nil
}

// synced runs on the auto-sync timer goroutines.
func (d *daemon) synced(res *syncer.SyncResult) {
	if !d.quiet || len(res.Errors) > 0 {
		var buf bytes.Buffer
		output.FormatSyncResult(&buf, res)
		d.out.Write(buf.Bytes())
	}
	if _, err := d.eng.Store.PruneTombstones(context.Background(), d.eng.Sync.Providers()); err != nil {
		d.eng.Logs.Logger("daemon").Printf("pruning tombstones: %v", err)
	}
}

// lockedWriter serializes writes from concurrent auto-sync timers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
