package segment

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reconcileDelay batches bursts of filesystem events into one reconcile.
const reconcileDelay = 100 * time.Millisecond

// Watch reconciles the playlist whenever a segment file is removed or
// renamed away by something other than the Store. It blocks until ctx is
// cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("segment watch: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("segment watch %s: %w", s.dir, err)
	}
	s.log.Debug("watching output directory", "dir", s.dir)

	timer := time.NewTimer(reconcileDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".ts") || !s.tracks(filepath.Base(ev.Name)) {
				continue
			}
			timer.Reset(reconcileDelay)

		case <-timer.C:
			if _, err := s.Reconcile(); err != nil {
				s.log.Warn("reconcile failed", "error", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watch error", "error", err)
		}
	}
}

// tracks reports whether name is in the current window.
func (s *Store) tracks(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.window {
		if seg.Name == name {
			return true
		}
	}
	return false
}
