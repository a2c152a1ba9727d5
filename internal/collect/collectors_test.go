package collect

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel/internal/event"
	"sentinel/internal/security"
)

// fakeClipboard serves scripted clipboard states in order, repeating the
// last one.
type fakeClipboard struct {
	mu     sync.Mutex
	states []ClipboardContent
	errs   []error
	calls  int
}

func (f *fakeClipboard) Read(ctx context.Context) (ClipboardContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	f.calls++

	if idx < len(f.errs) && f.errs[idx] != nil {
		return ClipboardContent{}, f.errs[idx]
	}
	if len(f.states) == 0 {
		return ClipboardContent{}, nil
	}
	if idx >= len(f.states) {
		idx = len(f.states) - 1
	}
	return f.states[idx], nil
}

// fakeForeground serves scripted foreground windows in order.
type fakeForeground struct {
	mu      sync.Mutex
	windows []WindowInfo
	calls   int
}

func (f *fakeForeground) Active(ctx context.Context) (WindowInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	f.calls++
	if idx >= len(f.windows) {
		idx = len(f.windows) - 1
	}
	return f.windows[idx], nil
}

// fakeScreen returns a solid-color frame.
type fakeScreen struct {
	width, height int
}

func (f *fakeScreen) Capture(ctx context.Context) (Frame, error) {
	img := image.NewRGBA(image.Rect(0, 0, f.width, f.height))
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return Frame{Image: img, Width: f.width, Height: f.height}, nil
}

func newTestCipher(t *testing.T) *security.Cipher {
	t.Helper()
	key := make([]byte, security.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cipher, err := security.NewCipher(key)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return cipher
}

func drainOne(t *testing.T, q *Queue) event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("no event arrived: %v", err)
	}
	return ev
}

// =============================================================================
// Clipboard collector tests
// =============================================================================

func TestClipboardCollector_EmitsOnChange(t *testing.T) {
	source := &fakeClipboard{states: []ClipboardContent{
		{Type: "text/plain", Data: []byte("first")},
		{Type: "text/plain", Data: []byte("first")},
		{Type: "text/plain", Data: []byte("second")},
	}}
	queue := NewQueue(10)
	cipher := newTestCipher(t)

	c := NewClipboardCollector(source, cipher, queue, ClipboardConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	first := drainOne(t, queue)
	second := drainOne(t, queue)
	cancel()

	var e1, e2 event.Clipboard
	if err := json.Unmarshal(first.Payload, &e1); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(second.Payload, &e2); err != nil {
		t.Fatalf("decode second: %v", err)
	}

	if e1.Preview != "first" || e2.Preview != "second" {
		t.Errorf("unexpected previews %q, %q", e1.Preview, e2.Preview)
	}
	if e1.ContentHash == e2.ContentHash {
		t.Error("different content must hash differently")
	}
	// Repeated identical content produced no third event.
	if queue.Len() != 0 {
		t.Errorf("expected no further events, %d queued", queue.Len())
	}
}

func TestClipboardCollector_EncryptsFullContent(t *testing.T) {
	plaintext := strings.Repeat("secret data ", 50)
	source := &fakeClipboard{states: []ClipboardContent{
		{Type: "text/plain", Data: []byte(plaintext)},
	}}
	queue := NewQueue(10)
	cipher := newTestCipher(t)

	c := NewClipboardCollector(source, cipher, queue, ClipboardConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	ev := drainOne(t, queue)
	cancel()

	var e event.Clipboard
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(e.Preview) >= len(plaintext) {
		t.Errorf("preview should be truncated: %d runes", len(e.Preview))
	}
	if strings.Contains(string(e.Encrypted), "secret data") {
		t.Error("encrypted content leaked plaintext")
	}

	decrypted, err := cipher.Decrypt(e.Encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(decrypted) != plaintext {
		t.Error("decrypted content does not match original")
	}
	if e.ContentHash != security.HashContent([]byte(plaintext)) {
		t.Error("content hash mismatch")
	}
}

func TestClipboardCollector_NilCipherSkipsEncryption(t *testing.T) {
	source := &fakeClipboard{states: []ClipboardContent{
		{Type: "text/plain", Data: []byte("plain only")},
	}}
	queue := NewQueue(10)

	c := NewClipboardCollector(source, nil, queue, ClipboardConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	ev := drainOne(t, queue)
	cancel()

	var e event.Clipboard
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(e.Encrypted) != 0 {
		t.Errorf("expected no encrypted content, got %d bytes", len(e.Encrypted))
	}
	if e.Preview != "plain only" {
		t.Errorf("preview = %q", e.Preview)
	}
	if e.ContentHash == "" {
		t.Error("content hash should still be recorded")
	}
}

func TestClipboardCollector_StopsAfterPersistentFailure(t *testing.T) {
	errs := make([]error, maxConsecutiveErrors)
	for i := range errs {
		errs[i] = errors.New("selection owner gone")
	}
	source := &fakeClipboard{errs: errs}
	queue := NewQueue(10)

	c := NewClipboardCollector(source, newTestCipher(t), queue, ClipboardConfig{Interval: time.Millisecond})

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop after persistent failures")
	}

	ev := drainOne(t, queue)
	var e event.System
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.EventType != "collector_stopped" {
		t.Errorf("expected collector_stopped event, got %s", e.EventType)
	}
	if e.Severity != event.SeverityError {
		t.Errorf("expected error severity, got %s", e.Severity)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("hello", 10); got != "hello" {
		t.Errorf("short string should pass through, got %q", got)
	}
	if got := truncateRunes("hello", 3); got != "hel" {
		t.Errorf("expected hel, got %q", got)
	}
	// Multibyte runes are not split.
	if got := truncateRunes("éééé", 2); got != "éé" {
		t.Errorf("expected two runes, got %q", got)
	}
}

// =============================================================================
// App usage collector tests
// =============================================================================

func TestAppUsageCollector_EmitsOnFocusChange(t *testing.T) {
	fg := &fakeForeground{windows: []WindowInfo{
		{App: "editor", Title: "notes.txt"},
		{App: "editor", Title: "notes.txt"},
		{App: "editor", Title: "notes.txt"},
		{App: "editor", Title: "notes.txt"},
		{App: "browser", Title: "docs"},
	}}
	queue := NewQueue(10)

	c := NewAppUsageCollector(fg, queue, AppUsageConfig{Interval: 300 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	ev := drainOne(t, queue)
	cancel()

	var e event.AppUsage
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.AppName != "editor" {
		t.Errorf("expected editor span, got %s", e.AppName)
	}
	if e.Duration < 0.5 {
		t.Errorf("span too short: %f", e.Duration)
	}
}

func TestAppUsageCollector_FlushesAtShutdown(t *testing.T) {
	fg := &fakeForeground{windows: []WindowInfo{
		{App: "editor", Title: "notes.txt"},
	}}
	queue := NewQueue(10)

	c := NewAppUsageCollector(fg, queue, AppUsageConfig{Interval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// Let the span exceed the minimum before shutdown.
	time.Sleep(1200 * time.Millisecond)
	cancel()
	<-done

	ev := drainOne(t, queue)
	var e event.AppUsage
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.AppName != "editor" {
		t.Errorf("expected flushed editor span, got %s", e.AppName)
	}
}

// =============================================================================
// Screenshot collector tests
// =============================================================================

func TestScreenshotCollector_WritesScaledJPEG(t *testing.T) {
	dir := t.TempDir()
	queue := NewQueue(10)

	c := NewScreenshotCollector(&fakeScreen{width: 200, height: 100}, nil, queue, ScreenshotConfig{
		Interval: 10 * time.Millisecond,
		Quality:  50,
		Scale:    0.5,
		Dir:      dir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	ev := drainOne(t, queue)
	cancel()

	var e event.Screenshot
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if e.Resolution != "200x100" {
		t.Errorf("expected native 200x100 resolution, got %s", e.Resolution)
	}
	if !strings.HasPrefix(filepath.Base(e.Filepath), "screenshot_") {
		t.Errorf("unexpected filename %s", e.Filepath)
	}
	if !strings.HasSuffix(e.Filepath, ".jpg") {
		t.Errorf("expected jpg, got %s", e.Filepath)
	}

	info, err := os.Stat(e.Filepath)
	if err != nil {
		t.Fatalf("screenshot file missing: %v", err)
	}
	if info.Size() == 0 || info.Size() != e.FileSize {
		t.Errorf("file size mismatch: disk %d, event %d", info.Size(), e.FileSize)
	}
}

func TestScreenshotCollector_RecordsActiveWindow(t *testing.T) {
	dir := t.TempDir()
	queue := NewQueue(10)
	fg := &fakeForeground{windows: []WindowInfo{{App: "editor", Title: "notes.txt"}}}

	c := NewScreenshotCollector(&fakeScreen{width: 64, height: 64}, fg, queue, ScreenshotConfig{
		Interval: 10 * time.Millisecond,
		Quality:  50,
		Scale:    1.0,
		Dir:      dir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	ev := drainOne(t, queue)
	cancel()

	var e event.Screenshot
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.ActiveApp != "editor" || e.ActiveWindow != "notes.txt" {
		t.Errorf("active window not recorded: %+v", e)
	}
}

func TestScaleImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 60))
	scaled := scaleImage(src, 0.5)

	bounds := scaled.Bounds()
	if bounds.Dx() != 50 || bounds.Dy() != 30 {
		t.Errorf("expected 50x30, got %dx%d", bounds.Dx(), bounds.Dy())
	}
}
