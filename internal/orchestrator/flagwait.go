package orchestrator

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/threesonic/scancore/internal/flags"
	"github.com/threesonic/scancore/internal/logger"
)

// waitForFlagClear blocks until the bool flag file at path reads false, ctx
// is cancelled, or timeout elapses, returning whether it cleared in time.
// It watches the flag's directory with fsnotify so a multi-sweep's second
// leg starts the instant the recorder clears "scanning" rather than on the
// next poll tick, falling back to plain polling if the watcher can't be
// set up (e.g. an unusual filesystem).
func (o *Orchestrator) waitForFlagClear(ctx context.Context, path string, timeout time.Duration) bool {
	if !flags.ReadBool(path) {
		return true
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Log.Warn("fsnotify unavailable, falling back to polling", "error", err)
		return pollForFlagClear(ctx, path, timeout)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Log.Warn("fsnotify watch failed, falling back to polling", "error", err)
		return pollForFlagClear(ctx, path, timeout)
	}

	deadline := time.After(timeout)
	safetyPoll := time.NewTicker(time.Second)
	defer safetyPoll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case ev, ok := <-watcher.Events:
			if !ok {
				return pollForFlagClear(ctx, path, timeout)
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) && !flags.ReadBool(path) {
				return true
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return pollForFlagClear(ctx, path, timeout)
			}
		case <-safetyPoll.C:
			if !flags.ReadBool(path) {
				return true
			}
		}
	}
}

func pollForFlagClear(ctx context.Context, path string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !flags.ReadBool(path) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}
