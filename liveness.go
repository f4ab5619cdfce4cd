package proxyrotator

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Liveness tells the scheduler whether it should keep running. It is checked
// once per loop, before waiting for the next cycle.
type Liveness interface {
	Alive() bool
}

type alwaysAlive struct{}

func (alwaysAlive) Alive() bool { return true }

// HeartbeatFile is a Liveness backed by a marker file. Removing the file from
// outside the process (the stop command does this) stops the scheduler at its
// next check.
type HeartbeatFile struct {
	path string
	now  func() time.Time
}

// NewHeartbeatFile creates a HeartbeatFile at path.
func NewHeartbeatFile(path string) *HeartbeatFile {
	return &HeartbeatFile{path: path, now: time.Now}
}

// Path returns the marker file path.
func (h *HeartbeatFile) Path() string {
	return h.path
}

// Touch creates the marker or refreshes its contents with the current time.
func (h *HeartbeatFile) Touch() error {
	var stamp = strconv.FormatInt(h.now().Unix(), 10) + "\n"
	if err := os.WriteFile(h.path, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("failed to touch heartbeat %s: %w", h.path, err)
	}
	return nil
}

// Alive reports whether the marker file still exists.
func (h *HeartbeatFile) Alive() bool {
	var _, err = os.Stat(h.path)
	return err == nil
}

// Remove deletes the marker. A missing marker is not an error.
func (h *HeartbeatFile) Remove() error {
	if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove heartbeat %s: %w", h.path, err)
	}
	return nil
}
