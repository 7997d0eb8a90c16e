package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFileName is the PID file inside the data directory.
const PIDFileName = "concierge.pid"

// ErrAlreadyRunning is returned when the PID file names a live process.
var ErrAlreadyRunning = errors.New("concierge is already running")

// LifecycleManager owns the daemon's PID file. One data directory serves one
// process at a time.
type LifecycleManager struct {
	daemon  *Daemon
	pidFile string
}

// NewLifecycleManager returns a manager for the PID file in d's data dir.
func NewLifecycleManager(d *Daemon) *LifecycleManager {
	return &LifecycleManager{
		daemon:  d,
		pidFile: filepath.Join(d.config.DataDir, PIDFileName),
	}
}

// PIDFile returns the PID file path.
func (l *LifecycleManager) PIDFile() string {
	return l.pidFile
}

// Start claims the PID file. A file left behind by a dead process is
// replaced; one naming a live process fails with ErrAlreadyRunning.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(filepath.Dir(l.pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	for attempt := 0; ; attempt++ {
		err := createPIDFile(l.pidFile, os.Getpid())
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) || attempt > 0 {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		if IsRunning(l.pidFile) {
			pid, _ := ReadPID(l.pidFile)
			return fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, l.pidFile)
		}
		l.daemon.logger.Warn().Str("pid_file", l.pidFile).Msg("Removing stale PID file")
		if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	l.daemon.logger.Info().
		Str("pid_file", l.pidFile).
		Int("pid", os.Getpid()).
		Msg("PID file written")
	return nil
}

// Stop removes the PID file if it still names this process.
func (l *LifecycleManager) Stop() error {
	pid, err := ReadPID(l.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && pid != os.Getpid() {
		l.daemon.logger.Warn().Int("pid", pid).Msg("PID file belongs to another process; leaving it")
		return nil
	}
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// GetPID returns the PID recorded in the PID file.
func (l *LifecycleManager) GetPID() (int, error) {
	return ReadPID(l.pidFile)
}

func createPIDFile(path string, pid int) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// ReadPID parses a PID file.
func ReadPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", pidFile)
	}
	return pid, nil
}

// IsRunning reports whether the process named by pidFile is alive.
func IsRunning(pidFile string) bool {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 probes for existence.
	// EPERM means the process exists but belongs to someone else.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
