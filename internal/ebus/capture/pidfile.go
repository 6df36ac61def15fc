package capture

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// PIDFile holds an exclusively locked PID file for the lifetime of the
// daemon process. WritePIDFile fails if another instance already holds
// the lock, mirroring the original daemon's fopen+lockf(F_TLOCK) guard
// against two instances running against the same adapter.
type PIDFile struct {
	path string
	file *os.File
}

// WritePIDFile creates (or takes over) path, locks it exclusively and
// writes the current process ID. The returned PIDFile must be released
// with Remove when the daemon shuts down.
func WritePIDFile(path string) (*PIDFile, error) {
	if path == "" {
		return nil, fmt.Errorf("pid file path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening pid file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("pid file %s is locked by another instance: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing pid file: %w", err)
	}
	return &PIDFile{path: path, file: f}, nil
}

// Remove releases the lock, closes and deletes the PID file.
func (p *PIDFile) Remove() error {
	if p == nil || p.file == nil {
		return nil
	}
	syscall.Flock(int(p.file.Fd()), syscall.LOCK_UN) //nolint:errcheck // best-effort unlock before close
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("closing pid file: %w", err)
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}
