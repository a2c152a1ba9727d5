//go:build linux

package collect

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Klipper D-Bus constants
const (
	klipperService   = "org.kde.klipper"
	klipperPath      = "/klipper"
	klipperGetMethod = "org.kde.klipper.klipper.getClipboardContents"
)

// KlipperClipboard reads the clipboard through the KDE Klipper D-Bus
// service. Text only; Klipper does not expose other formats.
type KlipperClipboard struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// NewKlipperClipboard connects to the session bus and binds the Klipper
// object.
func NewKlipperClipboard() (*KlipperClipboard, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &KlipperClipboard{
		conn: conn,
		obj:  conn.Object(klipperService, klipperPath),
	}, nil
}

// Read returns the current clipboard text.
func (k *KlipperClipboard) Read(ctx context.Context) (ClipboardContent, error) {
	var text string
	if err := k.obj.CallWithContext(ctx, klipperGetMethod, 0).Store(&text); err != nil {
		return ClipboardContent{}, fmt.Errorf("klipper getClipboardContents: %w", err)
	}
	return ClipboardContent{
		Type: "text/plain",
		Data: []byte(text),
	}, nil
}

// Close releases the bus connection.
func (k *KlipperClipboard) Close() error {
	return k.conn.Close()
}

// PlatformSources returns the capture sources available on this host. A
// nil field means the corresponding collector should not run.
func PlatformSources() Sources {
	var s Sources
	if clip, err := NewKlipperClipboard(); err == nil {
		s.Clipboard = clip
	}
	return s
}
