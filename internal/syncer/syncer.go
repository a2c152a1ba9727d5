// Package syncer uploads stored events to the collection backend in
// batches. Sync state is per row; retention never depends on it.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sentinel/internal/logging"
	"sentinel/internal/store"
)

// Config configures the sync engine.
type Config struct {
	// Endpoint is the base URL of the collection backend.
	Endpoint string

	// APIKey is sent as a bearer token on every request.
	APIKey string

	// Interval is the period between sync cycles.
	Interval time.Duration

	// BatchSize is the maximum rows per upload request.
	BatchSize int

	// RetryAttempts is how many times one batch is attempted.
	RetryAttempts int

	// RetryDelay is the base delay between attempts; attempt N waits
	// N times this.
	RetryDelay time.Duration

	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// batchRequest is the upload body for one table's batch.
type batchRequest struct {
	Table  string            `json:"table"`
	Events []json.RawMessage `json:"events"`
}

// Syncer runs periodic upload cycles. Each cycle uploads at most one batch
// per table, oldest rows first; rows are marked synced only after the
// backend accepts the whole batch.
type Syncer struct {
	store  *store.Store
	client *http.Client
	cfg    Config
	log    *logging.Logger

	kick chan struct{}
}

// New creates a syncer.
func New(st *store.Store, cfg Config) *Syncer {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	return &Syncer{
		store:  st,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    logging.Default().WithComponent("syncer"),
		kick:   make(chan struct{}, 1),
	}
}

// Kick requests an immediate sync cycle without waiting for the ticker.
func (s *Syncer) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run performs sync cycles until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		case <-s.kick:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce uploads one batch per table. A table whose batch fails is left
// unsynced for the next cycle; other tables still proceed.
func (s *Syncer) SyncOnce(ctx context.Context) {
	for _, table := range store.Tables {
		if err := s.syncTable(ctx, table); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("sync failed", "table", string(table), "error", err)
		}
	}
}

// syncTable uploads the oldest unsynced batch of one table.
func (s *Syncer) syncTable(ctx context.Context, table store.Table) error {
	items, err := s.store.ListUnsynced(table, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list unsynced: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	events := make([]json.RawMessage, len(items))
	ids := make([]int64, len(items))
	for i, item := range items {
		events[i] = item.Payload
		ids[i] = item.ID
	}

	if err := s.uploadWithRetry(ctx, table, events); err != nil {
		return err
	}

	if err := s.store.MarkSynced(table, ids, time.Now()); err != nil {
		// The backend has the rows but the local flag is unset; the
		// next cycle re-uploads them. Duplicates beat losses.
		return fmt.Errorf("mark synced: %w", err)
	}

	s.log.Info("batch synced", "table", string(table), "events", len(items))
	return nil
}

// uploadWithRetry submits a batch with retry logic.
func (s *Syncer) uploadWithRetry(ctx context.Context, table store.Table, events []json.RawMessage) error {
	var lastErr error

	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(s.cfg.RetryDelay * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := s.upload(ctx, table, events); err != nil {
			lastErr = err
			s.log.Warn("upload attempt failed", "table", string(table), "attempt", attempt+1, "error", err)
			continue
		}

		return nil
	}

	return lastErr
}

// upload performs one POST of a batch.
func (s *Syncer) upload(ctx context.Context, table store.Table, events []json.RawMessage) error {
	body, err := json.Marshal(&batchRequest{
		Table:  string(table),
		Events: events,
	})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	url := strings.TrimRight(s.cfg.Endpoint, "/") + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, string(msg))
	}

	return nil
}
