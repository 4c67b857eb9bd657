/*
scheduler.go - Periodic folio and room health checks

PURPOSE:
  Runs the folio validator over every open folio, checks room status drift,
  purges synced offline operations past retention and evicts stale session
  metadata, on a fixed interval.

DESIGN:
  - One background goroutine driven by a ticker
  - Runs once immediately on Start
  - Each pass is bounded by the check interval so a slow pass never
    overlaps the next one
  - Folio drift is auto-fixed only when AutoFix is set; room drift is
    reported, never fixed, by the scheduler

USAGE:
  s := NewHealthScheduler(coordinator, rooms, queue, log)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: ValidateAllFolios / RoomDrift (manual runs)
  - folio/validator.go: drift detection
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/folio-engine/offline"
	"github.com/warp/folio-engine/stay"
)

// SchedulerActor is recorded in the audit trail for automatic fixes.
const SchedulerActor = "system:health"

// PassReport summarizes one scheduler pass.
type PassReport struct {
	FoliosWithDrift int
	RoomsWithDrift  int
	Purged          int
	SessionsEvicted int
}

// HealthScheduler runs periodic health checks.
type HealthScheduler struct {
	Coordinator   *stay.Coordinator
	Rooms         *stay.RoomReconciler
	Queue         *offline.Queue
	CheckInterval time.Duration
	AutoFix       bool
	Enabled       bool

	log    *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewHealthScheduler creates a scheduler with a 15 minute interval.
// rooms and queue may be nil.
func NewHealthScheduler(c *stay.Coordinator, rooms *stay.RoomReconciler, queue *offline.Queue, log *slog.Logger) *HealthScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &HealthScheduler{
		Coordinator:   c,
		Rooms:         rooms,
		Queue:         queue,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		log:           log.With("component", "health_scheduler"),
	}
}

// Start begins the scheduler.
func (hs *HealthScheduler) Start() {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if !hs.Enabled || hs.CheckInterval <= 0 {
		hs.log.Info("scheduler disabled, not starting")
		return
	}
	if hs.ticker != nil {
		return
	}

	hs.ticker = time.NewTicker(hs.CheckInterval)
	hs.stop = make(chan struct{})
	hs.wg.Add(1)

	go hs.run()

	hs.log.Info("scheduler started", "interval", hs.CheckInterval, "auto_fix", hs.AutoFix)
}

// Stop stops the scheduler and waits for a running pass to finish.
func (hs *HealthScheduler) Stop() {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hs.ticker != nil {
		hs.ticker.Stop()
		close(hs.stop)
		hs.wg.Wait()
		hs.ticker = nil
		hs.log.Info("scheduler stopped")
	}
}

func (hs *HealthScheduler) run() {
	defer hs.wg.Done()

	hs.pass()

	for {
		select {
		case <-hs.ticker.C:
			hs.pass()
		case <-hs.stop:
			return
		}
	}
}

func (hs *HealthScheduler) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), hs.CheckInterval)
	defer cancel()

	go func() {
		select {
		case <-hs.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	hs.RunNow(ctx)
}

// RunNow performs one pass synchronously (for testing/admin). Failures of
// one check are logged and do not stop the others.
func (hs *HealthScheduler) RunNow(ctx context.Context) PassReport {
	var rep PassReport

	reports, err := hs.Coordinator.ReconcileAll(ctx, "", hs.AutoFix, SchedulerActor)
	if err != nil {
		hs.log.Error("folio validation failed", "error", err)
	}
	rep.FoliosWithDrift = len(reports)
	for _, r := range reports {
		hs.log.Warn("folio drift",
			"folio_id", r.FolioID,
			"tenant_id", r.TenantID,
			"discrepancies", len(r.Discrepancies),
			"fixed", r.Fixed)
	}

	if hs.Rooms != nil {
		drift, err := hs.Rooms.Check(ctx, "")
		if err != nil {
			hs.log.Error("room drift check failed", "error", err)
		}
		rep.RoomsWithDrift = len(drift)
		for _, d := range drift {
			hs.log.Warn("room drift",
				"room_id", d.RoomID,
				"stored", d.Stored,
				"derived", d.Derived,
				"orphaned", d.Orphaned)
		}
	}

	if hs.Queue != nil {
		if n, err := hs.Queue.Purge(ctx); err != nil {
			hs.log.Error("queue purge failed", "error", err)
		} else {
			rep.Purged = n
		}
		if cache := hs.Queue.Sessions(); cache != nil {
			if n, err := cache.Evict(ctx); err != nil {
				hs.log.Error("session eviction failed", "error", err)
			} else {
				rep.SessionsEvicted = n
			}
		}
	}

	if rep.FoliosWithDrift > 0 || rep.RoomsWithDrift > 0 {
		hs.log.Info("health pass completed",
			"folios_with_drift", rep.FoliosWithDrift,
			"rooms_with_drift", rep.RoomsWithDrift,
			"purged", rep.Purged)
	}
	return rep
}

// NextRunTime returns when the next scheduled check will occur.
func (hs *HealthScheduler) NextRunTime() time.Time {
	return time.Now().Add(hs.CheckInterval)
}
