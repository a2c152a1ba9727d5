// sentineld - Privileged endpoint data collection service
//
//	sentineld run       Run the service in the foreground
//	sentineld stop      Stop a running service
//	sentineld status    Show service status
//	sentineld sweep     Run a one-shot retention sweep
//	sentineld stats     Show database statistics
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/logging"
	"sentinel/internal/service"
	"sentinel/internal/store"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun()
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "sweep":
		cmdSweep()
	case "stats":
		cmdStats()
	case "version", "-v", "--version":
		fmt.Printf("sentineld %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`sentineld - Endpoint data collection service

USAGE:
    sentineld <command> [options]

COMMANDS:
    run         Run the service in the foreground
    stop        Stop a running service
    status      Show service status
    sweep       Run a one-shot retention sweep and exit
    stats       Show database row counts and sync backlog
    version     Show version
    help        Show this help message

The service listens for agent connections on loopback TCP only. Agents
authenticate every message with a shared token. Collected events are
stored in SQLite, aged out on a retention schedule, and optionally
uploaded in batches to a central endpoint.`)
}

// loadConfig loads configuration from the -config flag or the default path.
func loadConfig(fs *flag.FlagSet, args []string) *config.Config {
	configPath := fs.String("config", config.ConfigPath(), "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	return cfg
}

// setupLogging installs the process-wide logger from configuration.
func setupLogging(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error in logging config: %v\n", err)
		os.Exit(1)
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error in logging config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(&logging.Config{
		Level:    level,
		Format:   format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}

	logging.SetDefault(log)
	return log
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg := loadConfig(fs, os.Args[2:])
	log := setupLogging(cfg)
	defer log.Close()

	manager := service.NewDaemonManager(cfg.Service.DataDir)
	if manager.IsRunning() {
		pid, _ := manager.ReadPID()
		fmt.Fprintf(os.Stderr, "Service already running (PID %d)\n", pid)
		os.Exit(1)
	}

	svc, err := service.New(cfg)
	if err != nil {
		log.Error("startup failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := manager.WritePID(); err != nil {
		log.Error("write pid file failed", "error", err)
		os.Exit(1)
	}
	defer manager.Cleanup()

	manager.WriteState(&service.DaemonState{
		PID:        os.Getpid(),
		StartedAt:  time.Now().UTC(),
		Version:    version,
		ListenAddr: cfg.Service.ListenAddr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		log.Error("service exited with error", "error", err)
		os.Exit(1)
	}
}

func cmdStop() {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	timeout := fs.Duration("timeout", 10*time.Second, "How long to wait for shutdown")
	cfg := loadConfig(fs, os.Args[2:])

	manager := service.NewDaemonManager(cfg.Service.DataDir)
	if !manager.IsRunning() {
		fmt.Println("Service is not running")
		manager.Cleanup()
		return
	}

	if err := manager.SignalStop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping service: %v\n", err)
		os.Exit(1)
	}

	if err := manager.WaitForStop(*timeout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Service stopped")
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg := loadConfig(fs, os.Args[2:])

	manager := service.NewDaemonManager(cfg.Service.DataDir)
	status, err := manager.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if !status.Running {
		fmt.Println("Service: not running")
		return
	}

	fmt.Println("Service: running")
	fmt.Printf("  PID:        %d\n", status.PID)
	fmt.Printf("  Version:    %s\n", status.Version)
	fmt.Printf("  Listen:     %s\n", status.ListenAddr)
	if !status.StartedAt.IsZero() {
		fmt.Printf("  Started:    %s\n", status.StartedAt.Format(time.RFC3339))
		fmt.Printf("  Uptime:     %s\n", status.Uptime.Round(time.Second))
	}
}

func cmdSweep() {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	cfg := loadConfig(fs, os.Args[2:])
	log := setupLogging(cfg)
	defer log.Close()

	st, err := store.Open(cfg.Service.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	sweeper := store.NewSweeper(st, store.SweeperConfig{
		GeneralRetention:    time.Duration(cfg.Retention.GeneralDays) * 24 * time.Hour,
		ScreenshotRetention: time.Duration(cfg.Retention.ScreenshotDays) * 24 * time.Hour,
		Interval:            time.Duration(cfg.Retention.SweepIntervalSec) * time.Second,
	})
	sweeper.Sweep()
	fmt.Println("Retention sweep complete")
}

func cmdStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	cfg := loadConfig(fs, os.Args[2:])

	st, err := store.Open(cfg.Service.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Database: %s\n\n", cfg.Service.DatabasePath)
	fmt.Printf("%-16s %10s %10s  %s\n", "TABLE", "ROWS", "UNSYNCED", "OLDEST")
	for _, table := range store.Tables {
		ts := stats.Tables[table]
		oldest := "-"
		if ts.OldestNs > 0 {
			oldest = time.Unix(0, ts.OldestNs).UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-16s %10d %10d  %s\n", string(table), ts.Total, ts.Unsynced, oldest)
	}
}
