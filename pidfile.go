package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	pidFileName        = "watch.pid"
	pidFilePermissions = 0o600
	pidDirPermissions  = 0o700
)

// errNoWatcher means no watch process holds the PID file.
var errNoWatcher = errors.New("no running watch process")

// watchPIDPath is the PID file of the watch process for a data directory.
// One data directory is one sync database, so one watcher per directory.
func watchPIDPath(dataDir string) string {
	return filepath.Join(dataDir, pidFileName)
}

// lockPIDFile writes the current process ID to path and holds an exclusive
// flock on it. The returned release func unlocks and removes the file. A
// failed lock means another watch process owns the data directory.
func lockPIDFile(path string) (release func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty (no data directory)")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		if pid, readErr := readPIDFile(path); readErr == nil {
			return nil, fmt.Errorf("listenup-sync watch is already running (PID %d)", pid)
		}

		return nil, fmt.Errorf("listenup-sync watch is already running (could not lock %s)", path)
	}

	if err := writePID(f); err != nil {
		f.Close()
		return nil, err
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing PID file: %w", err)
	}

	return nil
}

// readPIDFile reads the PID stored at path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// watcherAlive reports whether a live watch process owns dataDir.
func watcherAlive(dataDir string) bool {
	pid, err := readPIDFile(watchPIDPath(dataDir))
	if err != nil || pid == os.Getpid() {
		return false
	}

	return unix.Kill(pid, 0) == nil
}

// signalWatcher asks the watch process recorded at pidPath to run a sync
// cycle now. It returns errNoWatcher when there is no live process; a stale
// PID file is removed.
func signalWatcher(pidPath string) (int, error) {
	pid, err := readPIDFile(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, errNoWatcher
	}

	if err != nil {
		return 0, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := unix.Kill(pid, 0); err != nil {
		os.Remove(pidPath)
		return 0, fmt.Errorf("%w (stale PID %d removed)", errNoWatcher, pid)
	}

	if err := proc.Signal(unix.SIGHUP); err != nil {
		return 0, fmt.Errorf("sending SIGHUP to watch process (PID %d): %w", pid, err)
	}

	return pid, nil
}
