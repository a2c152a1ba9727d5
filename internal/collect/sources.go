package collect

import (
	"context"
	"image"
)

// Frame is one captured screen image.
type Frame struct {
	Image image.Image
	// Width and Height are the native capture resolution before scaling.
	Width  int
	Height int
}

// ClipboardContent is the current clipboard state.
type ClipboardContent struct {
	// Type is a MIME-ish label, e.g. "text/plain".
	Type string
	Data []byte
	// SourceApp is the application that owns the clipboard, when the
	// platform exposes it. Often empty.
	SourceApp string
}

// WindowInfo describes the foreground window.
type WindowInfo struct {
	App   string
	Title string
}

// Sources bundles the platform capture backends. Nil fields mean the
// backend is unavailable on this host.
type Sources struct {
	Screen     ScreenSource
	Clipboard  ClipboardSource
	Foreground ForegroundSource
}

// ScreenSource captures the primary display.
type ScreenSource interface {
	Capture(ctx context.Context) (Frame, error)
}

// ClipboardSource reads the system clipboard.
type ClipboardSource interface {
	Read(ctx context.Context) (ClipboardContent, error)
}

// ForegroundSource reports the currently focused window.
type ForegroundSource interface {
	Active(ctx context.Context) (WindowInfo, error)
}
