// Package lock keeps two daemons from owning the same profile cache.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HeldError is returned when another process holds the profile lock.
type HeldError struct {
	Owner Owner
	Path  string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("profile lock held by PID %d since %s (%s)", e.Owner.PID, e.Owner.Since.Format(time.RFC3339), e.Path)
}

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID   int
	Since time.Time
}

// Lock is an acquired exclusive flock on a lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on path, creating the file and
// its directory if needed. Returns *HeldError if another process holds it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner, _ := ReadOwner(path)
		_ = f.Close()
		return nil, &HeldError{Owner: owner, Path: path}
	}

	if err := writeOwner(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{file: f, path: path}, nil
}

func writeOwner(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

// ReadOwner parses the owner recorded in a lock file.
func ReadOwner(path string) (Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, err
	}
	var o Owner
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "pid="); ok {
			o.PID, _ = strconv.Atoi(v)
		}
		if v, ok := strings.CutPrefix(line, "time="); ok {
			o.Since, _ = time.Parse(time.RFC3339, v)
		}
	}
	return o, nil
}

// Release removes the lock file and drops the lock. Safe on a nil or
// already released lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}
