package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Run is the single persistence writer. Mutations signal the dirty channel;
// a burst of signals inside the debounce window collapses into one disk
// write. Run returns after a final flush when ctx is canceled.
func (s *Store) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			if err := s.save(); err != nil {
				s.logger.Error().Err(err).Msg("final state flush failed")
			}
			return

		case <-s.dirty:
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := s.save(); err != nil {
				s.logger.Error().Err(err).Msg("state write failed")
			}

		case done := <-s.flushReq:
			if timer != nil {
				timer.Stop()
				fire = nil
			}
			done <- s.save()
		}
	}
}

// Flush forces an immediate write, for tests and shutdown paths that cannot
// wait out the debounce window. Only valid while Run is active.
func (s *Store) Flush() error {
	done := make(chan error, 1)
	s.flushReq <- done
	return <-done
}

// save serializes a snapshot and atomically replaces the target file:
// write to a temp file in the same directory, then rename over the target,
// so a crash mid-write can never leave a torn document.
func (s *Store) save() error {
	s.mu.Lock()
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
