package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/service"
	"tasksync/internal/syncerr"
)

type autoSync struct {
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// StartAutoSync runs SyncOnce for id every interval until StopAutoSync or
// ctx ends. The first cycle runs after one full interval. Calling it again
// replaces the running timer. A tick that finds a cycle already in flight
// is skipped. onSuccess runs on the timer goroutine and must not call
// StopAutoSync or StartAutoSync for the same provider.
func (o *Orchestrator) StartAutoSync(ctx context.Context, id service.ProviderID, interval time.Duration, onSuccess func(*SyncResult)) error {
	if interval <= 0 {
		return fmt.Errorf("auto-sync interval must be positive, got %s", interval)
	}
	o.mu.Lock()
	_, isTodo := o.todos[id]
	_, isSnap := o.snapshots[id]
	o.mu.Unlock()
	if !isTodo && !isSnap {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}

	if _, err := o.Configure(ctx, id, func(s *ProviderSyncState) {
		s.AutoSync = true
		s.Interval = interval
	}); err != nil {
		return err
	}

	actx, cancel := context.WithCancel(ctx)
	a := &autoSync{interval: interval, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	prev := o.auto[id]
	o.auto[id] = a
	o.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	go o.runAuto(actx, id, a, onSuccess)
	o.logf("%s: auto-sync every %s", id, interval)
	return nil
}

// StopAutoSync stops the timer for id and waits for a running tick to
// finish. Stopping a provider without a timer is a no-op.
func (o *Orchestrator) StopAutoSync(id service.ProviderID) {
	o.mu.Lock()
	a := o.auto[id]
	delete(o.auto, id)
	o.mu.Unlock()
	if a != nil {
		a.stop()
		o.logf("%s: auto-sync stopped", id)
	}
}

// StopAll stops every auto-sync timer.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	timers := o.auto
	o.auto = make(map[service.ProviderID]*autoSync)
	o.mu.Unlock()
	for _, a := range timers {
		a.stop()
	}
}

// AutoSyncInterval returns the active interval for id, or 0 when no timer runs.
func (o *Orchestrator) AutoSyncInterval(id service.ProviderID) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a := o.auto[id]; a != nil {
		return a.interval
	}
	return 0
}

func (a *autoSync) stop() {
	a.cancel()
	<-a.done
}

func (o *Orchestrator) runAuto(ctx context.Context, id service.ProviderID, a *autoSync, onSuccess func(*SyncResult)) {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := o.SyncOnce(ctx, id, SyncOptions{})
		switch {
		case errors.Is(err, syncerr.ErrBusy):
			o.logf("%s: auto-sync tick skipped, sync in progress", id)
		case err != nil:
			o.logf("%s: auto-sync: %v", id, err)
		case onSuccess != nil:
			onSuccess(res)
		}
	}
}
