// Package store provides SQLite-based persistence for collected events.
package store

import (
	"encoding/json"
	"fmt"
)

// Table identifies one of the event tables.
type Table string

const (
	// TableScreenshots holds screenshot capture records.
	TableScreenshots Table = "screenshots"
	// TableClipboard holds clipboard change records.
	TableClipboard Table = "clipboard_events"
	// TableAppUsage holds foreground application usage records.
	TableAppUsage Table = "app_usage"
	// TableSystemEvents holds agent and service lifecycle records.
	TableSystemEvents Table = "system_events"
)

// Tables lists every event table in sync order.
var Tables = []Table{TableScreenshots, TableClipboard, TableAppUsage, TableSystemEvents}

// Valid reports whether t names a known table.
func (t Table) Valid() bool {
	switch t {
	case TableScreenshots, TableClipboard, TableAppUsage, TableSystemEvents:
		return true
	}
	return false
}

// ParseTable converts a string into a Table.
func ParseTable(s string) (Table, error) {
	t := Table(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown table: %q", s)
	}
	return t, nil
}

// SyncItem is one unsynced row prepared for upload. Payload is the row's
// event fields encoded as a JSON object, without local bookkeeping columns.
type SyncItem struct {
	ID      int64
	Payload json.RawMessage
}

// TableStats summarizes one table for operational logging.
type TableStats struct {
	Total    int64
	Unsynced int64
	OldestNs int64
	NewestNs int64
}

// Stats summarizes the whole store.
type Stats struct {
	Tables map[Table]TableStats
}
