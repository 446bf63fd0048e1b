package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gofrs/flock"
)

var ErrAlreadyRunning = errors.New("another agent instance is already running")

var unsafeChars = regexp.MustCompile(`[^\w\-.]`)

// InstanceLock keeps a second agent from connecting with the same working
// directory and token.
type InstanceLock struct {
	lock *flock.Flock
	path string
}

// lockName turns a directory path into a flat file name.
func lockName(dir string) string {
	name := strings.NewReplacer("/", "--", "\\", "--", ":", "--").Replace(dir)
	name = unsafeChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, ".-")
	if name == "" {
		name = "default"
	}
	return name + ".lock"
}

// NewInstanceLock uses path when set, otherwise a file under the temp dir
// named after the working directory.
func NewInstanceLock(path string) (*InstanceLock, error) {
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		path = filepath.Join(os.TempDir(), "chatops-agent", lockName(cwd))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &InstanceLock{lock: flock.New(path), path: path}, nil
}

func (l *InstanceLock) TryLock() error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("try lock %s: %w", l.path, err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	return nil
}

// Unlock releases the lock and removes the file.
func (l *InstanceLock) Unlock() error {
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func (l *InstanceLock) Path() string {
	return l.path
}
