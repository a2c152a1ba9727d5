// Package event defines the typed events produced by the agent's collectors
// and persisted by the service. Each event kind maps to one store table; the
// kind tag is also the IPC envelope type for that event.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the event payload carried by an envelope.
type Kind string

const (
	KindScreenshot Kind = "screenshot"
	KindClipboard  Kind = "clipboard"
	KindAppUsage   Kind = "app_usage"
	KindSystem     Kind = "system"

	// Control types share the envelope format but carry no stored event.
	KindPing    Kind = "ping"
	KindCommand Kind = "command"
)

// Valid reports whether k is a known envelope type.
func (k Kind) Valid() bool {
	switch k {
	case KindScreenshot, KindClipboard, KindAppUsage, KindSystem, KindPing, KindCommand:
		return true
	}
	return false
}

// Stored reports whether events of this kind are persisted to the store.
func (k Kind) Stored() bool {
	switch k {
	case KindScreenshot, KindClipboard, KindAppUsage, KindSystem:
		return true
	}
	return false
}

// Severity levels for system events.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Screenshot records metadata for one captured frame. The image bytes live
// in an external file referenced by Filepath; the row and the file are
// retained under independent policies and may drift.
type Screenshot struct {
	Timestamp    time.Time `json:"timestamp"`
	Filepath     string    `json:"filepath"`
	FileSize     int64     `json:"file_size_bytes"`
	Resolution   string    `json:"resolution"`
	ActiveWindow string    `json:"active_window"`
	ActiveApp    string    `json:"active_app"`

	// CreatedAt is the store-assigned arrival time, distinct from the
	// capture-time Timestamp. Zero until the row is persisted.
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Clipboard records one clipboard change. Preview holds the first 200
// characters in the clear for cheap inspection; the full content is stored
// only as ciphertext. ContentHash is the SHA-256 of the plaintext, computed
// by the collector for change detection and never recomputed by the store.
type Clipboard struct {
	Timestamp   time.Time `json:"timestamp"`
	ContentType string    `json:"content_type"`
	Preview     string    `json:"content_preview"`
	Encrypted   []byte    `json:"encrypted_content"`
	ContentHash string    `json:"content_hash"`
	SourceApp   string    `json:"source_app"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
}

// AppUsage records one completed foreground dwell interval. Timestamp is the
// interval start; Duration is the accumulated dwell, never negative.
type AppUsage struct {
	Timestamp   time.Time `json:"timestamp"`
	AppName     string    `json:"app_name"`
	WindowTitle string    `json:"window_title"`
	Duration    float64   `json:"duration_seconds"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
}

// System records a diagnostic event from either process.
type System struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Ping is the agent liveness heartbeat. Not persisted.
type Ping struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Command is a reserved control message. Unknown names must be logged and
// ignored, never rejected.
type Command struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Command names the service understands.
const (
	CommandForceSync = "force_sync"
	CommandSweep     = "sweep"
)

// Event is a collector product queued for delivery: a kind tag plus its
// already-encoded payload. Encoding at capture time keeps the queue and the
// sender payload-agnostic.
type Event struct {
	Kind    Kind
	Payload json.RawMessage
}

// New encodes payload into an Event of the given kind.
func New(kind Kind, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Event{Kind: kind, Payload: data}, nil
}
