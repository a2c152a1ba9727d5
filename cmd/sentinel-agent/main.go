// sentinel-agent - Unprivileged desktop collection agent
//
// The agent runs in the user session, captures screenshots, clipboard
// changes, and foreground application usage, and ships them to the
// privileged service over loopback TCP. It holds no database of its own;
// events wait in a bounded in-memory queue until acknowledged.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sentinel/internal/collect"
	"sentinel/internal/config"
	"sentinel/internal/event"
	"sentinel/internal/ipc"
	"sentinel/internal/logging"
	"sentinel/internal/security"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", config.ConfigPath(), "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentinel-agent %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	log = log.WithComponent("agent")

	if err := run(cfg, log); err != nil {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(&logging.Config{
		Level:    level,
		Format:   format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		return nil, err
	}

	logging.SetDefault(log)
	return log, nil
}

func run(cfg *config.Config, log *logging.Logger) error {
	var cipher *security.Cipher
	if cfg.Agent.EncryptClipboard {
		masterKey, err := security.LoadOrCreateKey(cfg.Service.KeyFile)
		if err != nil {
			return fmt.Errorf("load master key: %w", err)
		}
		cipher, err = security.NewCipher(masterKey)
		if err != nil {
			return fmt.Errorf("init cipher: %w", err)
		}
	} else {
		log.Warn("clipboard encryption disabled, full content will not be captured")
	}

	sources := collect.PlatformSources()
	queue := collect.NewQueue(cfg.Agent.QueueSize)

	client := ipc.NewClient(ipc.ClientConfig{
		ServerAddr: cfg.Agent.ServerAddr,
		AuthToken:  cfg.Agent.AuthToken,
	})
	defer client.Close()

	sender := collect.NewSender(client, queue, collect.SenderConfig{
		ReconnectDelay: time.Duration(cfg.Agent.ReconnectDelaySec) * time.Second,
		PingInterval:   time.Duration(cfg.Agent.PingIntervalSec) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The sender outlives the collectors by a short drain window so queued
	// events and the shutdown notice get a chance to reach the service.
	senderCtx, senderCancel := context.WithCancel(context.Background())
	defer senderCancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sender.Run(senderCtx)
	}()

	// Collectors whose platform source is unavailable simply do not run.
	// The agent still forwards whatever it can collect.
	if sources.Screen != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := collect.NewScreenshotCollector(sources.Screen, sources.Foreground, queue, collect.ScreenshotConfig{
				Interval: time.Duration(cfg.Agent.ScreenshotIntervalMs) * time.Millisecond,
				Quality:  cfg.Agent.ScreenshotQuality,
				Scale:    cfg.Agent.ScreenshotScale,
				Dir:      cfg.Agent.ScreenshotDir,
			})
			c.Run(ctx)
		}()
	} else {
		log.Warn("no screen source on this platform, screenshots disabled")
	}

	if sources.Clipboard != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := collect.NewClipboardCollector(sources.Clipboard, cipher, queue, collect.ClipboardConfig{
				Interval: time.Duration(cfg.Agent.ClipboardIntervalMs) * time.Millisecond,
			})
			c.Run(ctx)
		}()
	} else {
		log.Warn("no clipboard source on this platform, clipboard capture disabled")
	}

	if sources.Foreground != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := collect.NewAppUsageCollector(sources.Foreground, queue, collect.AppUsageConfig{
				Interval: time.Duration(cfg.Agent.AppUsageIntervalMs) * time.Millisecond,
			})
			c.Run(ctx)
		}()
	} else {
		log.Warn("no foreground window source on this platform, app usage disabled")
	}

	enqueueLifecycle(queue, "agent_started", fmt.Sprintf("agent %s started, version %s", sender.AgentID(), version))
	log.Info("agent running",
		"agent_id", sender.AgentID(),
		"server", cfg.Agent.ServerAddr,
		"queue_size", cfg.Agent.QueueSize)

	<-ctx.Done()
	log.Info("shutting down")

	// The stop event rides the normal queue. If the service is down it is
	// lost with the rest of the backlog; that is acceptable for a shutdown
	// notice.
	enqueueLifecycle(queue, "agent_stopped", fmt.Sprintf("agent %s stopping", sender.AgentID()))

	drainDeadline := time.Now().Add(3 * time.Second)
	for queue.Len() > 0 && time.Now().Before(drainDeadline) {
		time.Sleep(100 * time.Millisecond)
	}
	senderCancel()

	wg.Wait()
	return nil
}

func enqueueLifecycle(queue *collect.Queue, eventType, message string) {
	ev, err := event.New(event.KindSystem, event.System{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  event.SeverityInfo,
		Message:   message,
	})
	if err != nil {
		return
	}
	queue.Enqueue(ev)
}
