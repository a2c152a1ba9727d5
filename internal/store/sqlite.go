package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sentinel/internal/event"
)

// Schema for the sentinel event store.
const schema = `
CREATE TABLE IF NOT EXISTS screenshots (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns    INTEGER NOT NULL,
    filepath        TEXT NOT NULL,
    file_size_bytes INTEGER NOT NULL,
    resolution      TEXT,
    active_window   TEXT,
    active_app      TEXT,
    created_at_ns   INTEGER NOT NULL,
    synced          INTEGER NOT NULL DEFAULT 0,
    synced_at_ns    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_screenshots_timestamp ON screenshots(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_screenshots_synced ON screenshots(synced, timestamp_ns);

CREATE TABLE IF NOT EXISTS clipboard_events (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns      INTEGER NOT NULL,
    content_type      TEXT NOT NULL,
    content_preview   TEXT,
    encrypted_content BLOB,
    content_hash      TEXT NOT NULL,
    source_app        TEXT,
    created_at_ns     INTEGER NOT NULL,
    synced            INTEGER NOT NULL DEFAULT 0,
    synced_at_ns      INTEGER
);

CREATE INDEX IF NOT EXISTS idx_clipboard_timestamp ON clipboard_events(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_clipboard_synced ON clipboard_events(synced, timestamp_ns);

CREATE TABLE IF NOT EXISTS app_usage (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns     INTEGER NOT NULL,
    app_name         TEXT NOT NULL,
    window_title     TEXT,
    duration_seconds REAL NOT NULL,
    created_at_ns    INTEGER NOT NULL,
    synced           INTEGER NOT NULL DEFAULT 0,
    synced_at_ns     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_app_usage_timestamp ON app_usage(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_app_usage_app ON app_usage(app_name, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_app_usage_synced ON app_usage(synced, timestamp_ns);

CREATE TABLE IF NOT EXISTS system_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns  INTEGER NOT NULL,
    event_type    TEXT NOT NULL,
    severity      TEXT NOT NULL,
    message       TEXT NOT NULL,
    details       TEXT,
    created_at_ns INTEGER NOT NULL,
    synced        INTEGER NOT NULL DEFAULT 0,
    synced_at_ns  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_system_events_timestamp ON system_events(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_system_events_synced ON system_events(synced, timestamp_ns);
`

// Store represents the SQLite event store. It is owned by the service;
// the agent never touches the database directly.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and applies
// the schema. A database that cannot be opened or migrated is a startup
// failure, not something to limp past.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var check string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&check); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	if check != "ok" {
		db.Close()
		return nil, fmt.Errorf("integrity check: %s", check)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InsertScreenshot inserts a screenshot record and returns its ID. The
// store stamps CreatedAt with the arrival time; capture time stays in
// Timestamp untouched.
func (s *Store) InsertScreenshot(e *event.Screenshot) (int64, error) {
	e.CreatedAt = time.Now().UTC()
	result, err := s.db.Exec(`
		INSERT INTO screenshots (timestamp_ns, filepath, file_size_bytes, resolution, active_window, active_app, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), e.Filepath, e.FileSize, e.Resolution, e.ActiveWindow, e.ActiveApp, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert screenshot: %w", err)
	}
	return lastInsertID(result)
}

// InsertClipboard inserts a clipboard record and returns its ID.
func (s *Store) InsertClipboard(e *event.Clipboard) (int64, error) {
	e.CreatedAt = time.Now().UTC()
	result, err := s.db.Exec(`
		INSERT INTO clipboard_events (timestamp_ns, content_type, content_preview, encrypted_content, content_hash, source_app, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), e.ContentType, e.Preview, e.Encrypted, e.ContentHash, e.SourceApp, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert clipboard event: %w", err)
	}
	return lastInsertID(result)
}

// InsertAppUsage inserts an app usage record and returns its ID.
func (s *Store) InsertAppUsage(e *event.AppUsage) (int64, error) {
	e.CreatedAt = time.Now().UTC()
	result, err := s.db.Exec(`
		INSERT INTO app_usage (timestamp_ns, app_name, window_title, duration_seconds, created_at_ns)
		VALUES (?, ?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), e.AppName, e.WindowTitle, e.Duration, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert app usage: %w", err)
	}
	return lastInsertID(result)
}

// InsertSystem inserts a system event record and returns its ID.
func (s *Store) InsertSystem(e *event.System) (int64, error) {
	e.CreatedAt = time.Now().UTC()
	result, err := s.db.Exec(`
		INSERT INTO system_events (timestamp_ns, event_type, severity, message, details, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), e.EventType, e.Severity, e.Message, e.Details, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert system event: %w", err)
	}
	return lastInsertID(result)
}

// ListUnsynced returns up to limit unsynced rows from the table, oldest
// first, each with its event fields encoded for upload.
func (s *Store) ListUnsynced(table Table, limit int) ([]SyncItem, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("unknown table: %q", table)
	}

	var (
		query string
		scan  func(rows *sql.Rows) (SyncItem, error)
	)

	switch table {
	case TableScreenshots:
		query = `
			SELECT id, timestamp_ns, filepath, file_size_bytes, resolution, active_window, active_app, created_at_ns
			FROM screenshots WHERE synced = 0 ORDER BY timestamp_ns ASC, id ASC LIMIT ?`
		scan = scanScreenshotItem
	case TableClipboard:
		query = `
			SELECT id, timestamp_ns, content_type, content_preview, encrypted_content, content_hash, source_app, created_at_ns
			FROM clipboard_events WHERE synced = 0 ORDER BY timestamp_ns ASC, id ASC LIMIT ?`
		scan = scanClipboardItem
	case TableAppUsage:
		query = `
			SELECT id, timestamp_ns, app_name, window_title, duration_seconds, created_at_ns
			FROM app_usage WHERE synced = 0 ORDER BY timestamp_ns ASC, id ASC LIMIT ?`
		scan = scanAppUsageItem
	case TableSystemEvents:
		query = `
			SELECT id, timestamp_ns, event_type, severity, message, details, created_at_ns
			FROM system_events WHERE synced = 0 ORDER BY timestamp_ns ASC, id ASC LIMIT ?`
		scan = scanSystemItem
	}

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced %s: %w", table, err)
	}
	defer rows.Close()

	var items []SyncItem
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unsynced %s: %w", table, err)
	}

	return items, nil
}

// MarkSynced marks the given rows as uploaded. The sync flag only gates
// future uploads; retention ignores it.
func (s *Store) MarkSynced(table Table, ids []int64, at time.Time) error {
	if !table.Valid() {
		return fmt.Errorf("unknown table: %q", table)
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UnixNano())
	for _, id := range ids {
		args = append(args, id)
	}

	query := fmt.Sprintf(`UPDATE %s SET synced = 1, synced_at_ns = ? WHERE id IN (%s)`, table, placeholders)
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", table, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected != int64(len(ids)) {
		return fmt.Errorf("mark synced %s: updated %d of %d rows", table, affected, len(ids))
	}

	return nil
}

// DeleteOlderThan deletes rows older than cutoff regardless of sync state
// and returns the number removed.
func (s *Store) DeleteOlderThan(table Table, cutoff time.Time) (int64, error) {
	if !table.Valid() {
		return 0, fmt.Errorf("unknown table: %q", table)
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE timestamp_ns < ?`, table)
	result, err := s.db.Exec(query, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return affected, nil
}

// ScreenshotFilesOlderThan lists the file paths of screenshot rows older
// than cutoff, so the sweeper can remove the files before the rows.
func (s *Store) ScreenshotFilesOlderThan(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT filepath FROM screenshots WHERE timestamp_ns < ? AND filepath != ''`,
		cutoff.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("query screenshot files: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan screenshot file: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate screenshot files: %w", err)
	}

	return paths, nil
}

// Stats returns per-table row counts and timestamp bounds.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{Tables: make(map[Table]TableStats, len(Tables))}

	for _, table := range Tables {
		var ts TableStats
		var oldest, newest sql.NullInt64

		query := fmt.Sprintf(`
			SELECT COUNT(*),
			       COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
			       MIN(timestamp_ns), MAX(timestamp_ns)
			FROM %s`, table)
		if err := s.db.QueryRow(query).Scan(&ts.Total, &ts.Unsynced, &oldest, &newest); err != nil {
			return nil, fmt.Errorf("stats for %s: %w", table, err)
		}

		ts.OldestNs = oldest.Int64
		ts.NewestNs = newest.Int64
		stats.Tables[table] = ts
	}

	return stats, nil
}

// Optimize refreshes query planner statistics. The sweeper calls this
// periodically after large deletes.
func (s *Store) Optimize() error {
	if _, err := s.db.Exec(`ANALYZE`); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA optimize`); err != nil {
		return fmt.Errorf("pragma optimize: %w", err)
	}
	return nil
}

// GetScreenshot retrieves a screenshot row by ID.
func (s *Store) GetScreenshot(id int64) (*event.Screenshot, error) {
	var e event.Screenshot
	var ts int64

	var created int64
	err := s.db.QueryRow(`
		SELECT timestamp_ns, filepath, file_size_bytes, resolution, active_window, active_app, created_at_ns
		FROM screenshots WHERE id = ?`, id,
	).Scan(&ts, &e.Filepath, &e.FileSize, &e.Resolution, &e.ActiveWindow, &e.ActiveApp, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get screenshot: %w", err)
	}

	e.Timestamp = time.Unix(0, ts).UTC()
	e.CreatedAt = time.Unix(0, created).UTC()
	return &e, nil
}

// GetClipboard retrieves a clipboard row by ID.
func (s *Store) GetClipboard(id int64) (*event.Clipboard, error) {
	var e event.Clipboard
	var ts int64

	var created int64
	err := s.db.QueryRow(`
		SELECT timestamp_ns, content_type, content_preview, encrypted_content, content_hash, source_app, created_at_ns
		FROM clipboard_events WHERE id = ?`, id,
	).Scan(&ts, &e.ContentType, &e.Preview, &e.Encrypted, &e.ContentHash, &e.SourceApp, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get clipboard event: %w", err)
	}

	e.Timestamp = time.Unix(0, ts).UTC()
	e.CreatedAt = time.Unix(0, created).UTC()
	return &e, nil
}

// Scan helpers.

func scanScreenshotItem(rows *sql.Rows) (SyncItem, error) {
	var item SyncItem
	var e event.Screenshot
	var ts, created int64

	if err := rows.Scan(&item.ID, &ts, &e.Filepath, &e.FileSize, &e.Resolution, &e.ActiveWindow, &e.ActiveApp, &created); err != nil {
		return item, fmt.Errorf("scan screenshot: %w", err)
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	e.CreatedAt = time.Unix(0, created).UTC()

	return encodeItem(item, &e)
}

func scanClipboardItem(rows *sql.Rows) (SyncItem, error) {
	var item SyncItem
	var e event.Clipboard
	var ts, created int64

	if err := rows.Scan(&item.ID, &ts, &e.ContentType, &e.Preview, &e.Encrypted, &e.ContentHash, &e.SourceApp, &created); err != nil {
		return item, fmt.Errorf("scan clipboard event: %w", err)
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	e.CreatedAt = time.Unix(0, created).UTC()

	return encodeItem(item, &e)
}

func scanAppUsageItem(rows *sql.Rows) (SyncItem, error) {
	var item SyncItem
	var e event.AppUsage
	var ts, created int64

	if err := rows.Scan(&item.ID, &ts, &e.AppName, &e.WindowTitle, &e.Duration, &created); err != nil {
		return item, fmt.Errorf("scan app usage: %w", err)
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	e.CreatedAt = time.Unix(0, created).UTC()

	return encodeItem(item, &e)
}

func scanSystemItem(rows *sql.Rows) (SyncItem, error) {
	var item SyncItem
	var e event.System
	var ts, created int64

	if err := rows.Scan(&item.ID, &ts, &e.EventType, &e.Severity, &e.Message, &e.Details, &created); err != nil {
		return item, fmt.Errorf("scan system event: %w", err)
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	e.CreatedAt = time.Unix(0, created).UTC()

	return encodeItem(item, &e)
}

func encodeItem(item SyncItem, e any) (SyncItem, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return item, fmt.Errorf("encode sync payload: %w", err)
	}
	item.Payload = payload
	return item, nil
}

func lastInsertID(result sql.Result) (int64, error) {
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}
