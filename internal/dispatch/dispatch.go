// Package dispatch routes authenticated IPC messages to the service's
// storage, liveness tracking, and maintenance hooks.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sentinel/internal/event"
	"sentinel/internal/health"
	"sentinel/internal/ipc"
	"sentinel/internal/logging"
	"sentinel/internal/store"
)

// Dispatcher is the service-side ipc.Handler. Every event message is
// persisted before it is acknowledged; an ack is a durability promise.
type Dispatcher struct {
	store   *store.Store
	tracker *health.Tracker
	log     *logging.Logger

	// Maintenance hooks, wired at startup. Either may be nil.
	forceSync func()
	sweep     func()
}

// New creates a dispatcher. forceSync and sweep trigger an immediate sync
// cycle and retention sweep respectively; pass nil when the corresponding
// engine is disabled.
func New(st *store.Store, tracker *health.Tracker, forceSync, sweep func()) *Dispatcher {
	return &Dispatcher{
		store:     st,
		tracker:   tracker,
		log:       logging.Default().WithComponent("dispatch"),
		forceSync: forceSync,
		sweep:     sweep,
	}
}

// HandleMessage implements ipc.Handler.
func (d *Dispatcher) HandleMessage(ctx context.Context, conn *ipc.AgentConn, msgType ipc.MessageType, body json.RawMessage) (*ipc.Message, error) {
	switch msgType {
	case ipc.MsgScreenshot:
		return d.handleScreenshot(body)
	case ipc.MsgClipboard:
		return d.handleClipboard(body)
	case ipc.MsgAppUsage:
		return d.handleAppUsage(body)
	case ipc.MsgSystemEvent:
		return d.handleSystem(body)
	case ipc.MsgPing:
		return d.handlePing(body)
	case ipc.MsgCommand:
		return d.handleCommand(body)
	default:
		d.log.Warn("unhandled message type", "type", msgType.String())
		return ipc.NewErrorMessage(ipc.ErrCodeInvalidRequest, fmt.Sprintf("unhandled message type %s", msgType)), nil
	}
}

func (d *Dispatcher) handleScreenshot(body json.RawMessage) (*ipc.Message, error) {
	var e event.Screenshot
	if err := decodeBody(body, &e); err != nil {
		return ipc.NewErrorMessage(ipc.ErrCodeInvalidRequest, err.Error()), nil
	}
	fillTimestamp(&e.Timestamp)

	if _, err := d.store.InsertScreenshot(&e); err != nil {
		return d.storeFailed("screenshots", err), nil
	}

	d.log.Debug("screenshot stored", "filepath", e.Filepath, "size", e.FileSize)
	return ipc.NewAckMessage(), nil
}

func (d *Dispatcher) handleClipboard(body json.RawMessage) (*ipc.Message, error) {
	var e event.Clipboard
	if err := decodeBody(body, &e); err != nil {
		return ipc.NewErrorMessage(ipc.ErrCodeInvalidRequest, err.Error()), nil
	}
	if e.ContentHash == "" {
		return ipc.NewErrorMessage(ipc.ErrCodeInvalidRequest, "clipboard event missing content hash"), nil
	}
	fillTimestamp(&e.Timestamp)

	if _, err := d.store.InsertClipboard(&e); err != nil {
		return d.storeFailed("clipboard_events", err), nil
	}

	d.log.Debug("clipboard event stored", "content_type", e.ContentType, "hash", e.ContentHash)
	return ipc.NewAckMessage(), nil
}

func (d *Dispatcher) handleAppUsage(body json.RawMessage) (*ipc.Message, error) {
	var e event.AppUsage
	if err := decodeBody(body, &e); err != nil {
		return ipc.NewErrorMessage(ipc.ErrCodeInvalidRequest, err.Error()), nil
	}
	if e.AppName == "" {
		return ipc.NewErrorMessage(ipc.ErrCodeInvalidRequest, "app usage event missing app name"), nil
	}
	fillTimestamp(&e.Timestamp)

	if _, err := d.store.InsertAppUsage(&e); err != nil {
		return d.storeFailed("app_usage", err), nil
	}

	d.log.Debug("app usage stored", "app", e.AppName, "duration_s", e.Duration)
	return ipc.NewAckMessage(), nil
}

func (d *Dispatcher) handleSystem(body json.RawMessage) (*ipc.Message, error) {
	var e event.System
	if err := decodeBody(body, &e); err != nil {
		return ipc.NewErrorMessage(ipc.ErrCodeInvalidRequest, err.Error()), nil
	}
	if e.EventType == "" {
		return ipc.NewErrorMessage(ipc.ErrCodeInvalidRequest, "system event missing event type"), nil
	}
	if e.Severity == "" {
		e.Severity = event.SeverityInfo
	}
	fillTimestamp(&e.Timestamp)

	if _, err := d.store.InsertSystem(&e); err != nil {
		// No system-event breadcrumb here, the table itself is failing.
		d.log.Error("insert failed, dropping write", "table", "system_events", "error", err)
		return ipc.NewErrorMessage(ipc.ErrCodeInternal, "persistence failure"), nil
	}

	d.log.Debug("system event stored", "event_type", e.EventType, "severity", e.Severity)
	return ipc.NewAckMessage(), nil
}

func (d *Dispatcher) handlePing(body json.RawMessage) (*ipc.Message, error) {
	var p event.Ping
	if err := decodeBody(body, &p); err != nil {
		return ipc.NewErrorMessage(ipc.ErrCodeInvalidRequest, err.Error()), nil
	}
	fillTimestamp(&p.Timestamp)

	if d.tracker != nil && p.AgentID != "" {
		d.tracker.RecordPing(p.AgentID, p.Timestamp)
	}

	payload, _ := ipc.Encode(&ipc.AckResponse{Status: "ok"})
	return ipc.NewMessage(ipc.MsgPong, payload), nil
}

func (d *Dispatcher) handleCommand(body json.RawMessage) (*ipc.Message, error) {
	var c event.Command
	if err := decodeBody(body, &c); err != nil {
		return ipc.NewErrorMessage(ipc.ErrCodeInvalidRequest, err.Error()), nil
	}

	switch c.Name {
	case event.CommandForceSync:
		if d.forceSync == nil {
			return ipc.NewErrorMessage(ipc.ErrCodeInvalidRequest, "sync is disabled"), nil
		}
		d.log.Info("force sync requested")
		d.forceSync()
	case event.CommandSweep:
		if d.sweep == nil {
			return ipc.NewErrorMessage(ipc.ErrCodeInvalidRequest, "retention sweeper not running"), nil
		}
		d.log.Info("retention sweep requested")
		d.sweep()
	default:
		// Unknown command names are accepted so a newer agent does not
		// break an older service. Log and ack.
		d.log.Warn("ignoring unknown command", "name", c.Name)
	}

	return ipc.NewAckMessage(), nil
}

// storeFailed logs a failed insert, leaves a system_events breadcrumb when
// the store can still take one, and tells the agent the write was dropped.
func (d *Dispatcher) storeFailed(table string, err error) *ipc.Message {
	d.log.Error("insert failed, dropping write", "table", table, "error", err)

	ev := &event.System{
		Timestamp: time.Now().UTC(),
		EventType: "persistence_error",
		Severity:  event.SeverityError,
		Message:   fmt.Sprintf("insert into %s failed: %v", table, err),
	}
	if _, serr := d.store.InsertSystem(ev); serr != nil {
		d.log.Error("could not record persistence error", "error", serr)
	}

	return ipc.NewErrorMessage(ipc.ErrCodeInternal, "persistence failure")
}

// decodeBody unmarshals a message body, rejecting empty bodies.
func decodeBody(body json.RawMessage, v any) error {
	if len(body) == 0 {
		return fmt.Errorf("empty message body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode message body: %w", err)
	}
	return nil
}

// fillTimestamp defaults a missing timestamp to receipt time. Collection
// time is preferred, but a storable row beats a rejected one.
func fillTimestamp(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}
