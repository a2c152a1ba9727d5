package collect

import (
	"context"
	"time"

	"sentinel/internal/event"
	"sentinel/internal/logging"
)

// minUsageInterval is the shortest focus span worth recording. Rapid
// alt-tabbing below this produces noise, not usage data.
const minUsageInterval = time.Second

// AppUsageConfig configures the app usage collector.
type AppUsageConfig struct {
	Interval time.Duration
}

// AppUsageCollector polls the foreground window and records how long each
// application held focus. A record is emitted when focus moves away, not
// while it is held.
type AppUsageCollector struct {
	fg    ForegroundSource
	queue *Queue
	cfg   AppUsageConfig
	log   *logging.Logger

	current      WindowInfo
	focusedSince time.Time
}

// NewAppUsageCollector creates an app usage collector.
func NewAppUsageCollector(fg ForegroundSource, queue *Queue, cfg AppUsageConfig) *AppUsageCollector {
	return &AppUsageCollector{
		fg:    fg,
		queue: queue,
		cfg:   cfg,
		log:   logging.Default().WithComponent("app-usage"),
	}
}

// Run polls on every tick until ctx is cancelled. The span in progress at
// shutdown is flushed so the last application is not lost.
func (c *AppUsageCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(time.Now())
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce checks the foreground window and emits the previous span when
// focus has moved.
func (c *AppUsageCollector) pollOnce(ctx context.Context) {
	window, err := c.fg.Active(ctx)
	if err != nil {
		c.log.Debug("foreground poll failed", "error", err)
		return
	}

	now := time.Now()
	if c.focusedSince.IsZero() {
		c.current = window
		c.focusedSince = now
		return
	}

	if window == c.current {
		return
	}

	c.emit(now)
	c.current = window
	c.focusedSince = now
}

// flush emits the span in progress, if any.
func (c *AppUsageCollector) flush(now time.Time) {
	if c.focusedSince.IsZero() {
		return
	}
	c.emit(now)
	c.focusedSince = time.Time{}
}

func (c *AppUsageCollector) emit(now time.Time) {
	duration := now.Sub(c.focusedSince)
	if duration < minUsageInterval || c.current.App == "" {
		return
	}

	ev, err := event.New(event.KindAppUsage, &event.AppUsage{
		Timestamp:   c.focusedSince.UTC(),
		AppName:     c.current.App,
		WindowTitle: c.current.Title,
		Duration:    duration.Seconds(),
	})
	if err != nil {
		c.log.Warn("encode app usage failed", "error", err)
		return
	}

	c.queue.Enqueue(ev)
}
