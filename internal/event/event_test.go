package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestKind_Valid(t *testing.T) {
	for _, k := range []Kind{KindScreenshot, KindClipboard, KindAppUsage, KindSystem, KindPing, KindCommand} {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if Kind("keystrokes").Valid() {
		t.Error("unknown kind should be invalid")
	}
}

func TestKind_Stored(t *testing.T) {
	stored := []Kind{KindScreenshot, KindClipboard, KindAppUsage, KindSystem}
	for _, k := range stored {
		if !k.Stored() {
			t.Errorf("%s should be stored", k)
		}
	}
	for _, k := range []Kind{KindPing, KindCommand} {
		if k.Stored() {
			t.Errorf("%s is a control type, not stored", k)
		}
	}
}

func TestNew_EncodesPayload(t *testing.T) {
	ev, err := New(KindClipboard, &Clipboard{
		Timestamp:   time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		ContentType: "text/plain",
		Preview:     "hello",
		ContentHash: "abc123",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if ev.Kind != KindClipboard {
		t.Errorf("wrong kind: %s", ev.Kind)
	}

	var decoded Clipboard
	if err := json.Unmarshal(ev.Payload, &decoded); err != nil {
		t.Fatalf("payload not decodable: %v", err)
	}
	if decoded.Preview != "hello" || decoded.ContentHash != "abc123" {
		t.Errorf("payload mismatch: %+v", decoded)
	}
}

func TestNew_RejectsUnencodable(t *testing.T) {
	if _, err := New(KindSystem, func() {}); err == nil {
		t.Fatal("expected encode error for a function value")
	}
}

func TestSystem_DetailsOmittedWhenEmpty(t *testing.T) {
	data, err := json.Marshal(&System{
		Timestamp: time.Now().UTC(),
		EventType: "service_started",
		Severity:  SeverityInfo,
		Message:   "up",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := m["details"]; present {
		t.Error("empty details should be omitted")
	}
	if _, present := m["created_at"]; present {
		t.Error("created_at is store-assigned and should be absent before persistence")
	}
}
