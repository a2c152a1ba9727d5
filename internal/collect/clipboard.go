package collect

import (
	"context"
	"time"
	"unicode/utf8"

	"sentinel/internal/event"
	"sentinel/internal/logging"
	"sentinel/internal/security"
)

// previewRunes is the maximum length of the plaintext preview stored next
// to the encrypted content.
const previewRunes = 200

// maxConsecutiveErrors stops the clipboard collector when the platform
// source fails this many times in a row. A broken source polled twice a
// second is pure log spam.
const maxConsecutiveErrors = 10

// ClipboardConfig configures the clipboard collector.
type ClipboardConfig struct {
	Interval time.Duration
}

// ClipboardCollector polls the clipboard and queues a record whenever the
// content hash changes. With a cipher configured the full content is
// encrypted before it leaves the collector; only the truncated preview
// stays in the clear.
type ClipboardCollector struct {
	source ClipboardSource
	cipher *security.Cipher
	queue  *Queue
	cfg    ClipboardConfig
	log    *logging.Logger

	lastHash string
}

// NewClipboardCollector creates a clipboard collector.
func NewClipboardCollector(source ClipboardSource, cipher *security.Cipher, queue *Queue, cfg ClipboardConfig) *ClipboardCollector {
	return &ClipboardCollector{
		source: source,
		cipher: cipher,
		queue:  queue,
		cfg:    cfg,
		log:    logging.Default().WithComponent("clipboard"),
	}
}

// Run polls on every tick until ctx is cancelled or the source fails
// persistently.
func (c *ClipboardCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				consecutive++
				c.log.Warn("clipboard poll failed", "error", err, "consecutive", consecutive)
				if consecutive >= maxConsecutiveErrors {
					c.log.Error("clipboard source failing persistently, stopping collector")
					c.reportFailure()
					return
				}
				continue
			}
			consecutive = 0
		}
	}
}

// pollOnce reads the clipboard and queues a record if the content changed.
func (c *ClipboardCollector) pollOnce(ctx context.Context) error {
	content, err := c.source.Read(ctx)
	if err != nil {
		return err
	}
	if len(content.Data) == 0 {
		return nil
	}

	hash := security.HashContent(content.Data)
	if hash == c.lastHash {
		return nil
	}

	// A nil cipher means encryption is disabled; only the preview and
	// hash are recorded.
	var encrypted []byte
	if c.cipher != nil {
		encrypted, err = c.cipher.Encrypt(content.Data)
		if err != nil {
			return err
		}
	}

	ev, err := event.New(event.KindClipboard, &event.Clipboard{
		Timestamp:   time.Now().UTC(),
		ContentType: content.Type,
		Preview:     truncateRunes(string(content.Data), previewRunes),
		Encrypted:   encrypted,
		ContentHash: hash,
		SourceApp:   content.SourceApp,
	})
	if err != nil {
		return err
	}

	c.queue.Enqueue(ev)
	c.lastHash = hash
	return nil
}

// reportFailure queues a system event noting that clipboard collection
// stopped.
func (c *ClipboardCollector) reportFailure() {
	ev, err := event.New(event.KindSystem, &event.System{
		Timestamp: time.Now().UTC(),
		EventType: "collector_stopped",
		Severity:  event.SeverityError,
		Message:   "clipboard collector stopped after repeated source failures",
	})
	if err != nil {
		return
	}
	c.queue.Enqueue(ev)
}

// truncateRunes shortens s to at most n runes without splitting one.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
