package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DaemonState is the persisted state of a running service process.
type DaemonState struct {
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	Version    string    `json:"version"`
	ListenAddr string    `json:"listen_addr,omitempty"`
}

// DaemonManager handles service lifecycle operations: PID file management,
// stop signalling, and status inspection from a second process.
type DaemonManager struct {
	pidFile   string
	stateFile string
}

// NewDaemonManager creates a daemon manager rooted at the data directory.
func NewDaemonManager(dataDir string) *DaemonManager {
	return &DaemonManager{
		pidFile:   filepath.Join(dataDir, "sentineld.pid"),
		stateFile: filepath.Join(dataDir, "sentineld.state"),
	}
}

// IsRunning checks whether a service process is alive.
func (m *DaemonManager) IsRunning() bool {
	pid, err := m.ReadPID()
	if err != nil {
		return false
	}

	return isProcessRunning(pid)
}

// ReadPID reads the service PID from the PID file.
func (m *DaemonManager) ReadPID() (int, error) {
	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}

	return pid, nil
}

// WritePID writes the current process PID to the PID file.
func (m *DaemonManager) WritePID() error {
	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0700); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}

	return os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// RemovePID removes the PID file.
func (m *DaemonManager) RemovePID() error {
	return os.Remove(m.pidFile)
}

// WriteState writes the daemon state file.
func (m *DaemonManager) WriteState(state *DaemonState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	return os.WriteFile(m.stateFile, data, 0600)
}

// ReadState reads the daemon state file.
func (m *DaemonManager) ReadState() (*DaemonState, error) {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return nil, err
	}

	var state DaemonState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	return &state, nil
}

// SignalStop sends SIGTERM to the running service.
func (m *DaemonManager) SignalStop() error {
	pid, err := m.ReadPID()
	if err != nil {
		return fmt.Errorf("read PID: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	return process.Signal(syscall.SIGTERM)
}

// WaitForStop waits for the service process to exit.
func (m *DaemonManager) WaitForStop(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if !m.IsRunning() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("service did not stop within %v", timeout)
}

// Cleanup removes PID and state files.
func (m *DaemonManager) Cleanup() {
	os.Remove(m.pidFile)
	os.Remove(m.stateFile)
}

// DaemonStatus is the service status for display.
type DaemonStatus struct {
	Running    bool
	PID        int
	StartedAt  time.Time
	Uptime     time.Duration
	Version    string
	ListenAddr string
}

// Status inspects the PID and state files and reports what it finds.
func (m *DaemonManager) Status() (*DaemonStatus, error) {
	status := &DaemonStatus{}

	pid, pidErr := m.ReadPID()
	if pidErr == nil && isProcessRunning(pid) {
		status.Running = true
		status.PID = pid
	}

	if state, err := m.ReadState(); err == nil {
		status.StartedAt = state.StartedAt
		status.Version = state.Version
		status.ListenAddr = state.ListenAddr
		if status.Running {
			status.Uptime = time.Since(state.StartedAt)
		}
	}

	return status, nil
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds. Send signal 0 to check if process exists.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
