package dispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"sentinel/internal/event"
	"sentinel/internal/health"
	"sentinel/internal/ipc"
	"sentinel/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sentinel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func encode(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func handle(t *testing.T, d *Dispatcher, msgType ipc.MessageType, body json.RawMessage) *ipc.Message {
	t.Helper()
	resp, err := d.HandleMessage(context.Background(), nil, msgType, body)
	if err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if resp == nil {
		t.Fatal("HandleMessage returned nil response")
	}
	return resp
}

func assertErrorReply(t *testing.T, resp *ipc.Message, code int) {
	t.Helper()
	if resp.Header.Type != ipc.MsgError {
		t.Fatalf("expected error reply, got %s", resp.Header.Type)
	}
	var e ipc.ErrorResponse
	if err := ipc.Decode(resp.Payload, &e); err != nil {
		t.Fatalf("decode error reply: %v", err)
	}
	if e.Code != code {
		t.Errorf("expected code %d, got %d (%s)", code, e.Code, e.Message)
	}
}

// =============================================================================
// Event persistence tests
// =============================================================================

func TestHandleScreenshot_StoresAndAcks(t *testing.T) {
	st := openTestStore(t)
	d := New(st, nil, nil, nil)

	resp := handle(t, d, ipc.MsgScreenshot, encode(t, &event.Screenshot{
		Timestamp: time.Now().UTC(),
		Filepath:  "/tmp/shot.jpg",
		FileSize:  100,
	}))
	if resp.Header.Type != ipc.MsgAck {
		t.Fatalf("expected ack, got %s", resp.Header.Type)
	}

	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Tables[store.TableScreenshots].Total != 1 {
		t.Error("screenshot row not stored")
	}
}

func TestHandleClipboard_RequiresContentHash(t *testing.T) {
	st := openTestStore(t)
	d := New(st, nil, nil, nil)

	resp := handle(t, d, ipc.MsgClipboard, encode(t, &event.Clipboard{
		Timestamp:   time.Now().UTC(),
		ContentType: "text/plain",
		Preview:     "hello",
	}))
	assertErrorReply(t, resp, ipc.ErrCodeInvalidRequest)

	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Tables[store.TableClipboard].Total != 0 {
		t.Error("invalid clipboard event must not be stored")
	}
}

func TestHandleAppUsage_RequiresAppName(t *testing.T) {
	st := openTestStore(t)
	d := New(st, nil, nil, nil)

	resp := handle(t, d, ipc.MsgAppUsage, encode(t, &event.AppUsage{
		Timestamp: time.Now().UTC(),
		Duration:  5,
	}))
	assertErrorReply(t, resp, ipc.ErrCodeInvalidRequest)
}

func TestHandleSystem_DefaultsSeverityAndTimestamp(t *testing.T) {
	st := openTestStore(t)
	d := New(st, nil, nil, nil)

	resp := handle(t, d, ipc.MsgSystemEvent, encode(t, &event.System{
		EventType: "agent_started",
		Message:   "hello",
	}))
	if resp.Header.Type != ipc.MsgAck {
		t.Fatalf("expected ack, got %s", resp.Header.Type)
	}

	items, err := st.ListUnsynced(store.TableSystemEvents, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatal("system event not stored")
	}

	var e event.System
	if err := json.Unmarshal(items[0].Payload, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Severity != event.SeverityInfo {
		t.Errorf("expected default severity, got %s", e.Severity)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp should have been defaulted")
	}
}

func TestHandle_MalformedBody(t *testing.T) {
	st := openTestStore(t)
	d := New(st, nil, nil, nil)

	resp := handle(t, d, ipc.MsgScreenshot, json.RawMessage("not json"))
	assertErrorReply(t, resp, ipc.ErrCodeInvalidRequest)

	resp = handle(t, d, ipc.MsgScreenshot, nil)
	assertErrorReply(t, resp, ipc.ErrCodeInvalidRequest)
}

func TestHandle_UnknownMessageType(t *testing.T) {
	st := openTestStore(t)
	d := New(st, nil, nil, nil)

	resp := handle(t, d, ipc.MessageType(0x7777), encode(t, map[string]string{}))
	assertErrorReply(t, resp, ipc.ErrCodeInvalidRequest)
}

// =============================================================================
// Ping tests
// =============================================================================

func TestHandlePing_RecordsAndPongs(t *testing.T) {
	st := openTestStore(t)
	tracker := health.NewTracker(time.Minute, nil)
	d := New(st, tracker, nil, nil)

	resp := handle(t, d, ipc.MsgPing, encode(t, &event.Ping{
		AgentID:   "agent-1",
		Timestamp: time.Now().UTC(),
	}))
	if resp.Header.Type != ipc.MsgPong {
		t.Fatalf("expected pong, got %s", resp.Header.Type)
	}

	agents := tracker.Agents()
	if len(agents) != 1 || agents[0].AgentID != "agent-1" {
		t.Errorf("ping not recorded: %+v", agents)
	}
	if agents[0].Status != health.StatusAlive {
		t.Errorf("expected alive, got %s", agents[0].Status)
	}
}

// =============================================================================
// Command tests
// =============================================================================

func TestHandleCommand_ForceSync(t *testing.T) {
	st := openTestStore(t)
	called := false
	d := New(st, nil, func() { called = true }, nil)

	resp := handle(t, d, ipc.MsgCommand, encode(t, &event.Command{Name: event.CommandForceSync}))
	if resp.Header.Type != ipc.MsgAck {
		t.Fatalf("expected ack, got %s", resp.Header.Type)
	}
	if !called {
		t.Error("force sync hook not invoked")
	}
}

func TestHandleCommand_SyncDisabled(t *testing.T) {
	st := openTestStore(t)
	d := New(st, nil, nil, nil)

	resp := handle(t, d, ipc.MsgCommand, encode(t, &event.Command{Name: event.CommandForceSync}))
	assertErrorReply(t, resp, ipc.ErrCodeInvalidRequest)
}

func TestHandleCommand_Sweep(t *testing.T) {
	st := openTestStore(t)
	called := false
	d := New(st, nil, nil, func() { called = true })

	resp := handle(t, d, ipc.MsgCommand, encode(t, &event.Command{Name: event.CommandSweep}))
	if resp.Header.Type != ipc.MsgAck {
		t.Fatalf("expected ack, got %s", resp.Header.Type)
	}
	if !called {
		t.Error("sweep hook not invoked")
	}
}

func TestHandleCommand_UnknownIsAcked(t *testing.T) {
	st := openTestStore(t)
	d := New(st, nil, nil, nil)

	// Unknown command names are logged and acked, not rejected.
	resp := handle(t, d, ipc.MsgCommand, encode(t, &event.Command{Name: "reboot"}))
	if resp.Header.Type != ipc.MsgAck {
		t.Fatalf("expected ack for unknown command, got %s", resp.Header.Type)
	}
}
