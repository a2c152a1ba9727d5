package collect

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"sentinel/internal/event"
	"sentinel/internal/logging"
)

// ScreenshotConfig configures the screenshot collector.
type ScreenshotConfig struct {
	Interval time.Duration
	Quality  int     // JPEG quality, 1-100
	Scale    float64 // output scale factor, (0,1]
	Dir      string  // where captured frames are written
}

// ScreenshotCollector periodically captures the screen, writes a scaled
// JPEG to disk, and queues a record pointing at the file. The file itself
// never crosses the IPC channel.
type ScreenshotCollector struct {
	screen ScreenSource
	fg     ForegroundSource
	queue  *Queue
	cfg    ScreenshotConfig
	log    *logging.Logger
}

// NewScreenshotCollector creates a screenshot collector. fg may be nil when
// no foreground source is available; records then carry empty window fields.
func NewScreenshotCollector(screen ScreenSource, fg ForegroundSource, queue *Queue, cfg ScreenshotConfig) *ScreenshotCollector {
	return &ScreenshotCollector{
		screen: screen,
		fg:     fg,
		queue:  queue,
		cfg:    cfg,
		log:    logging.Default().WithComponent("screenshot"),
	}
}

// Run captures on every tick until ctx is cancelled.
func (c *ScreenshotCollector) Run(ctx context.Context) {
	if err := os.MkdirAll(c.cfg.Dir, 0700); err != nil {
		c.log.Error("create screenshot directory failed", "dir", c.cfg.Dir, "error", err)
		return
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.captureOnce(ctx); err != nil {
				c.log.Warn("capture failed", "error", err)
			}
		}
	}
}

// captureOnce takes a single screenshot and queues its record.
func (c *ScreenshotCollector) captureOnce(ctx context.Context) error {
	now := time.Now().UTC()

	frame, err := c.screen.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture screen: %w", err)
	}

	img := frame.Image
	if c.cfg.Scale > 0 && c.cfg.Scale < 1 {
		img = scaleImage(img, c.cfg.Scale)
	}

	path := filepath.Join(c.cfg.Dir, fmt.Sprintf("screenshot_%s.jpg", now.Format("20060102_150405.000")))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create screenshot file: %w", err)
	}

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: c.cfg.Quality}); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("encode screenshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close screenshot file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat screenshot file: %w", err)
	}

	var window WindowInfo
	if c.fg != nil {
		if w, err := c.fg.Active(ctx); err == nil {
			window = w
		}
	}

	ev, err := event.New(event.KindScreenshot, &event.Screenshot{
		Timestamp:    now,
		Filepath:     path,
		FileSize:     info.Size(),
		Resolution:   fmt.Sprintf("%dx%d", frame.Width, frame.Height),
		ActiveWindow: window.Title,
		ActiveApp:    window.App,
	})
	if err != nil {
		return err
	}

	c.queue.Enqueue(ev)
	return nil
}

// scaleImage shrinks img by factor using nearest-neighbor sampling. Quality
// is secondary here; keeping the JPEG small is the point.
func scaleImage(img image.Image, factor float64) image.Image {
	bounds := img.Bounds()
	w := int(float64(bounds.Dx()) * factor)
	h := int(float64(bounds.Dy()) * factor)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		srcY := bounds.Min.Y + y*bounds.Dy()/h
		for x := 0; x < w; x++ {
			srcX := bounds.Min.X + x*bounds.Dx()/w
			out.Set(x, y, img.At(srcX, srcY))
		}
	}

	return out
}
