// Package service wires the background service together: storage, the IPC
// server, retention, liveness tracking, and the sync engine.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/dispatch"
	"sentinel/internal/event"
	"sentinel/internal/health"
	"sentinel/internal/ipc"
	"sentinel/internal/logging"
	"sentinel/internal/security"
	"sentinel/internal/store"
	"sentinel/internal/syncer"
)

// agentStaleAfter is how long an agent may go without pinging before it is
// flagged silent.
const agentStaleAfter = 2 * time.Minute

// Service is the assembled background service.
type Service struct {
	cfg     *config.Config
	store   *store.Store
	server  *ipc.Server
	sweeper *store.Sweeper
	syncer  *syncer.Syncer
	tracker *health.Tracker
	log     *logging.Logger
}

// New builds a service from configuration. The master key and database are
// opened here; failures are startup-fatal.
func New(cfg *config.Config) (*Service, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	// The key is loaded at startup even though the service itself does
	// not decrypt anything; a missing or corrupt key file should stop
	// the deployment before encrypted rows pile up.
	if _, err := security.LoadOrCreateKey(cfg.Service.KeyFile); err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}

	st, err := store.Open(cfg.Service.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	svc := &Service{
		cfg:   cfg,
		store: st,
		log:   logging.Default().WithComponent("service"),
	}

	svc.tracker = health.NewTracker(agentStaleAfter, svc.onAgentTransition)

	svc.sweeper = store.NewSweeper(st, store.SweeperConfig{
		GeneralRetention:    time.Duration(cfg.Retention.GeneralDays) * 24 * time.Hour,
		ScreenshotRetention: time.Duration(cfg.Retention.ScreenshotDays) * 24 * time.Hour,
		Interval:            time.Duration(cfg.Retention.SweepIntervalSec) * time.Second,
	})

	var forceSync func()
	if cfg.Sync.Enabled {
		svc.syncer = syncer.New(st, syncer.Config{
			Endpoint:      cfg.Sync.Endpoint,
			APIKey:        cfg.Sync.APIKey,
			Interval:      time.Duration(cfg.Sync.IntervalSec) * time.Second,
			BatchSize:     cfg.Sync.BatchSize,
			RetryAttempts: cfg.Sync.RetryAttempts,
			Timeout:       time.Duration(cfg.Sync.TimeoutSec) * time.Second,
		})
		forceSync = svc.syncer.Kick
	}

	dispatcher := dispatch.New(st, svc.tracker, forceSync, svc.sweeper.Sweep)

	server, err := ipc.NewServer(ipc.ServerConfig{
		ListenAddr:   cfg.Service.ListenAddr,
		AuthToken:    cfg.Service.AuthToken,
		ReadTimeout:  time.Duration(cfg.Service.ReadTimeoutSec) * time.Second,
		WriteTimeout: 10 * time.Second,
	}, dispatcher)
	if err != nil {
		st.Close()
		return nil, err
	}
	svc.server = server

	return svc, nil
}

// Run starts every component and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.server.Start(); err != nil {
		s.store.Close()
		return fmt.Errorf("start ipc server: %w", err)
	}

	s.recordLifecycle("service_started", "service started")
	s.log.Info("service running",
		"addr", s.server.Addr(),
		"database", s.cfg.Service.DatabasePath,
		"sync_enabled", s.cfg.Sync.Enabled)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.tracker.Run(ctx)
	}()
	if s.syncer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.syncer.Run(ctx)
		}()
	}

	<-ctx.Done()

	// The sweeper and syncer may be mid-statement on the store; join them
	// before closing it.
	wg.Wait()

	s.recordLifecycle("service_stopped", "service stopping")
	s.server.Stop()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	s.log.Info("service stopped")
	return nil
}

// Addr returns the bound IPC address.
func (s *Service) Addr() string {
	return s.server.Addr()
}

// onAgentTransition records agent liveness changes as system events.
func (s *Service) onAgentTransition(agentID string, status health.Status, lastPing time.Time) {
	severity := event.SeverityWarning
	message := fmt.Sprintf("agent %s went silent", agentID)
	if status == health.StatusAlive {
		severity = event.SeverityInfo
		message = fmt.Sprintf("agent %s resumed pinging", agentID)
	}

	_, err := s.store.InsertSystem(&event.System{
		Timestamp: time.Now().UTC(),
		EventType: "agent_liveness",
		Severity:  severity,
		Message:   message,
		Details:   fmt.Sprintf(`{"agent_id": %q, "last_ping": %q}`, agentID, lastPing.UTC().Format(time.RFC3339)),
	})
	if err != nil {
		s.log.Warn("record agent transition failed", "agent_id", agentID, "error", err)
	}
}

// recordLifecycle stores a service lifecycle system event.
func (s *Service) recordLifecycle(eventType, message string) {
	_, err := s.store.InsertSystem(&event.System{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  event.SeverityInfo,
		Message:   message,
	})
	if err != nil {
		s.log.Warn("record lifecycle event failed", "event_type", eventType, "error", err)
	}
}
