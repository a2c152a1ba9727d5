package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fileLogger(t *testing.T, format Format) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := New(&Config{
		Level:    LevelDebug,
		Format:   format,
		Output:   "file",
		FilePath: path,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(data)
}

func TestNew_WritesToFile(t *testing.T) {
	l, path := fileLogger(t, FormatText)

	l.Info("service started", "addr", "127.0.0.1:51234")

	out := readLog(t, path)
	if !strings.Contains(out, "service started") {
		t.Errorf("message missing from log: %s", out)
	}
	if !strings.Contains(out, "127.0.0.1:51234") {
		t.Errorf("attribute missing from log: %s", out)
	}
}

func TestNew_JSONFormat(t *testing.T) {
	l, path := fileLogger(t, FormatJSON)

	l.Info("event stored", "table", "clipboard_events")

	line := strings.TrimSpace(readLog(t, path))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, line)
	}
	if entry["msg"] != "event stored" {
		t.Errorf("wrong msg field: %v", entry["msg"])
	}
	if entry["table"] != "clipboard_events" {
		t.Errorf("wrong table field: %v", entry["table"])
	}
}

func TestRedaction(t *testing.T) {
	l, path := fileLogger(t, FormatJSON)

	l.Info("config loaded",
		"auth_token", "super-secret-value",
		"api_key", "another-secret",
		"listen_addr", "127.0.0.1:51234")

	out := readLog(t, path)
	if strings.Contains(out, "super-secret-value") || strings.Contains(out, "another-secret") {
		t.Errorf("secret leaked into log: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker: %s", out)
	}
	if !strings.Contains(out, "127.0.0.1:51234") {
		t.Errorf("non-sensitive attribute should survive: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := New(&Config{
		Level:    LevelWarn,
		Format:   FormatText,
		Output:   "file",
		FilePath: path,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.Debug("debug noise")
	l.Info("info noise")
	l.Warn("something odd")

	out := readLog(t, path)
	if strings.Contains(out, "noise") {
		t.Errorf("filtered levels leaked: %s", out)
	}
	if !strings.Contains(out, "something odd") {
		t.Errorf("warn message missing: %s", out)
	}
}

func TestWithComponent(t *testing.T) {
	l, path := fileLogger(t, FormatJSON)

	l.WithComponent("syncer").Info("batch synced")

	out := readLog(t, path)
	if !strings.Contains(out, `"component":"syncer"`) {
		t.Errorf("component attribute missing: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"ERROR":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseFormat("text"); err != nil || f != FormatText {
		t.Errorf("ParseFormat(text) = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
