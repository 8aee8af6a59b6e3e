package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Sweeper deletes files older than a TTL from a DiskBackend directory. It
// only catches artifacts orphaned by a crash; normal cleanup happens per request.
type Sweeper struct {
	dir      string
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(dir string, ttl, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{dir: dir, ttl: ttl, interval: interval, logger: logger.Named("sweeper"), now: time.Now}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	s.Sweep()
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep returns the number of files removed.
func (s *Sweeper) Sweep() int {
	if s.ttl <= 0 || s.dir == "" {
		return 0
	}
	deadline := s.now().Add(-s.ttl)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read storage directory", zap.String("dir", s.dir), zap.Error(err))
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !ValidName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Deleted concurrently by its request.
			continue
		}
		if !info.ModTime().Before(deadline) {
			continue
		}
		full := filepath.Join(s.dir, e.Name())
		if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove stale artifact", zap.String("path", full), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("removed stale artifacts", zap.Int("removed", removed), zap.Duration("ttl", s.ttl))
	}
	return removed
}
