package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/event"
	"sentinel/internal/ipc"
	"sentinel/internal/logging"
)

// SenderConfig configures the sender.
type SenderConfig struct {
	// ReconnectDelay is the fixed wait between connection attempts. The
	// sender reconnects forever; the service being down is a normal state.
	ReconnectDelay time.Duration

	// PingInterval is how often a liveness ping is sent on an idle or
	// busy connection alike.
	PingInterval time.Duration
}

// Sender drains the queue toward the service. Delivery is at-least-once:
// an event is only discarded after the service acknowledges it, so a
// connection lost mid-send results in a resend, never a loss.
type Sender struct {
	client  *ipc.Client
	queue   *Queue
	agentID string
	cfg     SenderConfig
	log     *logging.Logger
}

// NewSender creates a sender over the given client. Each sender instance
// has a stable random agent ID used in pings.
func NewSender(client *ipc.Client, queue *Queue, cfg SenderConfig) *Sender {
	return &Sender{
		client:  client,
		queue:   queue,
		agentID: uuid.NewString(),
		cfg:     cfg,
		log:     logging.Default().WithComponent("sender"),
	}
}

// AgentID returns the sender's stable identifier.
func (s *Sender) AgentID() string {
	return s.agentID
}

// Run delivers queued events until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) {
	go s.pingLoop(ctx)

	for {
		ev, err := s.queue.Dequeue(ctx)
		if err != nil {
			return
		}

		if !s.deliver(ctx, ev) {
			return
		}
	}
}

// deliver sends one event, reconnecting and resending until the service
// acknowledges it. Returns false only when ctx is cancelled.
func (s *Sender) deliver(ctx context.Context, ev event.Event) bool {
	msgType, err := msgTypeFor(ev.Kind)
	if err != nil {
		s.log.Error("dropping event of unknown kind", "kind", string(ev.Kind))
		return true
	}

	for {
		if !s.ensureConnected(ctx) {
			return false
		}

		err := s.client.Send(msgType, json.RawMessage(ev.Payload))
		if err == nil {
			return true
		}

		if errors.Is(err, ipc.ErrUnauthorized) {
			// Token mismatch will not fix itself; keep retrying slowly
			// so a service-side token update is picked up.
			s.log.Error("service rejected auth token, retrying", "kind", string(ev.Kind))
		} else if errors.Is(err, ipc.ErrRejected) {
			s.log.Warn("service rejected event, discarding", "kind", string(ev.Kind), "error", err)
			return true
		} else {
			s.log.Warn("send failed, will reconnect", "kind", string(ev.Kind), "error", err)
		}

		if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
			return false
		}
	}
}

// ensureConnected blocks until the client is connected or ctx is cancelled.
// After a reconnect, accumulated queue drops are reported as one system
// event before normal traffic resumes.
func (s *Sender) ensureConnected(ctx context.Context) bool {
	if s.client.IsConnected() {
		return true
	}

	for {
		if err := s.client.Connect(ctx); err == nil {
			s.log.Info("connected to service")
			s.reportDrops()
			return true
		} else {
			s.log.Debug("connect failed", "error", err)
		}

		if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
			return false
		}
	}
}

// reportDrops sends a system event for events dropped while disconnected.
// Sent directly rather than queued so it cannot itself be dropped.
func (s *Sender) reportDrops() {
	dropped := s.queue.TakeDropped()
	if dropped == 0 {
		return
	}

	err := s.client.Send(ipc.MsgSystemEvent, &event.System{
		Timestamp: time.Now().UTC(),
		EventType: "events_dropped",
		Severity:  event.SeverityWarning,
		Message:   fmt.Sprintf("dropped %d events while queue was full", dropped),
		Details:   fmt.Sprintf(`{"dropped": %d}`, dropped),
	})
	if err != nil {
		s.log.Warn("drop report failed", "dropped", dropped, "error", err)
	} else {
		s.log.Info("reported dropped events", "dropped", dropped)
	}
}

// pingLoop sends liveness pings on its own cadence. Ping failures are not
// fatal here; the delivery path notices the dead connection on its next
// send.
func (s *Sender) pingLoop(ctx context.Context) {
	if s.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.client.IsConnected() {
				continue
			}
			err := s.client.Send(ipc.MsgPing, &event.Ping{
				AgentID:   s.agentID,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				s.log.Debug("ping failed", "error", err)
			}
		}
	}
}

// msgTypeFor maps an event kind to its wire message type.
func msgTypeFor(kind event.Kind) (ipc.MessageType, error) {
	switch kind {
	case event.KindScreenshot:
		return ipc.MsgScreenshot, nil
	case event.KindClipboard:
		return ipc.MsgClipboard, nil
	case event.KindAppUsage:
		return ipc.MsgAppUsage, nil
	case event.KindSystem:
		return ipc.MsgSystemEvent, nil
	default:
		return 0, fmt.Errorf("no message type for kind %q", kind)
	}
}

// sleepCtx sleeps for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
