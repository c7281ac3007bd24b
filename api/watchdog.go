/*
watchdog.go - Stale run recovery

PURPOSE:
  A run must never sit in the running state forever. The orchestrator's
  own timeout covers the happy path; this watchdog covers the rest - a
  crashed or restarted process leaves orphaned running rows behind, and
  the watchdog sweeps them to failed so re-runs can be triggered.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A run is stale once its started_at is older than MaxRunAge
  - Forcing to failed uses the store's conditional transition, so a run
    that legitimately finishes between detection and forcing wins

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - MaxRunAge:     Age before a running run counts as stale (default: 15 minutes)

USAGE:
  wd := NewRunWatchdog(store)
  wd.Start()
  // ... later
  wd.Stop()

SEE ALSO:
  - engine/orchestrator.go: In-process run timeout
  - store/sqlite/sqlite.go: StaleRunningRuns, FailRun
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/posightful/bonus-engine/engine"
	"github.com/posightful/bonus-engine/store/sqlite"
)

// RunWatchdog forces orphaned running runs to failed.
type RunWatchdog struct {
	Store         *sqlite.Store
	CheckInterval time.Duration
	MaxRunAge     time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRunWatchdog creates a new watchdog.
func NewRunWatchdog(store *sqlite.Store) *RunWatchdog {
	return &RunWatchdog{
		Store:         store,
		CheckInterval: 1 * time.Minute,
		MaxRunAge:     15 * time.Minute,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the watchdog.
func (wd *RunWatchdog) Start() {
	wd.mu.Lock()
	defer wd.mu.Unlock()

	if !wd.Enabled {
		log.Println("[Watchdog] Disabled, not starting")
		return
	}

	wd.ticker = time.NewTicker(wd.CheckInterval)
	wd.wg.Add(1)

	go wd.run()

	log.Printf("[Watchdog] Started with check interval: %v, max run age: %v", wd.CheckInterval, wd.MaxRunAge)
}

// Stop halts the watchdog and waits for the sweep loop to exit.
func (wd *RunWatchdog) Stop() {
	wd.mu.Lock()
	defer wd.mu.Unlock()

	if wd.ticker == nil {
		return
	}

	wd.ticker.Stop()
	close(wd.stop)
	wd.wg.Wait()

	log.Println("[Watchdog] Stopped")
}

func (wd *RunWatchdog) run() {
	defer wd.wg.Done()

	for {
		select {
		case <-wd.ticker.C:
			wd.Sweep(context.Background())
		case <-wd.stop:
			return
		}
	}
}

// Sweep forces every stale running run to failed. Exported so tests and
// startup code can trigger a pass directly.
func (wd *RunWatchdog) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-wd.MaxRunAge)
	stale, err := wd.Store.StaleRunningRuns(ctx, cutoff)
	if err != nil {
		log.Printf("[Watchdog] Sweep failed: %v", err)
		return
	}

	for _, run := range stale {
		msg := fmt.Sprintf("forced to failed: running since %s exceeded max run age %v",
			run.StartedAt.Format(time.RFC3339), wd.MaxRunAge)
		err := wd.Store.FailRun(ctx, run.ID, msg, time.Now().UTC())
		switch {
		case err == nil:
			log.Printf("[Watchdog] Run %s forced to failed", run.ID)
		case errors.Is(err, engine.ErrRunTerminal):
			// Finished on its own between detection and forcing.
		default:
			log.Printf("[Watchdog] Could not force run %s: %v", run.ID, err)
		}
	}
}
