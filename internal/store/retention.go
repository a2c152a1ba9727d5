package store

import (
	"context"
	"os"
	"time"

	"sentinel/internal/logging"
)

// optimizeEvery is how many sweeps pass between ANALYZE runs.
const optimizeEvery = 24

// SweeperConfig configures the retention sweeper.
type SweeperConfig struct {
	// GeneralRetention applies to clipboard, app usage, and system events.
	GeneralRetention time.Duration

	// ScreenshotRetention applies to screenshot rows and their files.
	ScreenshotRetention time.Duration

	// Interval is the time between sweeps.
	Interval time.Duration
}

// Sweeper deletes expired rows on a fixed cadence. Expiry is wall-clock
// based only; rows that were never uploaded still age out.
type Sweeper struct {
	store *Store
	cfg   SweeperConfig
	log   *logging.Logger

	sweeps int
}

// NewSweeper creates a retention sweeper.
func NewSweeper(store *Store, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		store: store,
		cfg:   cfg,
		log:   logging.Default().WithComponent("retention"),
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.Sweep()

	ticker := time.NewTicker(sw.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.Sweep()
		}
	}
}

// Sweep performs a single retention pass and logs what it removed.
func (sw *Sweeper) Sweep() {
	now := time.Now()
	generalCutoff := now.Add(-sw.cfg.GeneralRetention)
	screenshotCutoff := now.Add(-sw.cfg.ScreenshotRetention)

	removedFiles := sw.removeScreenshotFiles(screenshotCutoff)

	var totalRows int64
	for _, table := range Tables {
		cutoff := generalCutoff
		if table == TableScreenshots {
			cutoff = screenshotCutoff
		}

		n, err := sw.store.DeleteOlderThan(table, cutoff)
		if err != nil {
			sw.log.Error("sweep failed", "table", string(table), "error", err)
			continue
		}
		if n > 0 {
			sw.log.Debug("expired rows removed", "table", string(table), "rows", n)
		}
		totalRows += n
	}

	sw.sweeps++
	if sw.sweeps%optimizeEvery == 0 {
		if err := sw.store.Optimize(); err != nil {
			sw.log.Warn("optimize failed", "error", err)
		}
	}

	stats, err := sw.store.Stats()
	if err != nil {
		sw.log.Warn("stats failed after sweep", "error", err)
		return
	}

	attrs := []any{"removed_rows", totalRows, "removed_files", removedFiles}
	for _, table := range Tables {
		ts := stats.Tables[table]
		attrs = append(attrs, string(table), ts.Total, string(table)+"_unsynced", ts.Unsynced)
	}
	sw.log.Info("retention sweep complete", attrs...)
}

// removeScreenshotFiles deletes the image files of expired screenshot rows.
// Files are removed before their rows so a crash mid-sweep leaves rows
// pointing at missing files rather than orphaned files on disk.
func (sw *Sweeper) removeScreenshotFiles(cutoff time.Time) int {
	paths, err := sw.store.ScreenshotFilesOlderThan(cutoff)
	if err != nil {
		sw.log.Error("list expired screenshot files failed", "error", err)
		return 0
	}

	removed := 0
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			sw.log.Warn("remove screenshot file failed", "path", path, "error", err)
			continue
		}
		removed++
	}

	return removed
}
