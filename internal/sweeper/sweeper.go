package sweeper

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/exteriorp/designex/internal/store"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/exteriorp/designex/internal/sweeper ArtifactStore

// ArtifactStore defines the ledger operations the sweeper needs.
type ArtifactStore interface {
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]store.Artifact, error)
	Delete(ctx context.Context, filename string) error
}

// batchLimit bounds how many artifacts one pass removes.
const batchLimit = 500

// Sweeper removes generated artifacts older than the configured
// retention, both from disk and from the ledger.
type Sweeper struct {
	baseDir   string
	retention time.Duration
	interval  time.Duration
	store     ArtifactStore
	logger    *slog.Logger
	now       func() time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Sweeper over baseDir. A zero retention disables sweeping;
// Start then returns without spawning the loop.
func New(baseDir string, retention, interval time.Duration, st ArtifactStore, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		baseDir:   baseDir,
		retention: retention,
		interval:  interval,
		store:     st,
		logger:    logger.With("component", "sweeper"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the sweep loop. The first pass runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	if s.retention <= 0 {
		s.logger.Info("artifact retention disabled, sweeper not started")
		return
	}
	s.logger.Info("starting sweeper", "retention", s.retention.String(), "interval", s.interval.String())

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop gracefully stops the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep pass failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep pass failed", "error", err)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("sweeper context cancelled, stopping loop")
			return
		}
	}
}

// Sweep performs a single retention pass and returns the number of
// artifacts removed. A file that fails to delete keeps its ledger row so
// the next pass retries it.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)

	expired, err := s.store.ListExpired(ctx, cutoff, batchLimit)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		s.logger.Debug("sweep pass found nothing to remove", "cutoff", cutoff)
		return 0, nil
	}

	removed := 0
	for _, a := range expired {
		path := filepath.Join(s.baseDir, a.Filename)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Error("failed to remove expired artifact", "filename", a.Filename, "error", err)
			continue
		}
		if err := s.store.Delete(ctx, a.Filename); err != nil {
			s.logger.Error("failed to delete ledger row", "filename", a.Filename, "error", err)
			continue
		}
		removed++
	}

	s.logger.Info("sweep pass complete", "expired", len(expired), "removed", removed, "cutoff", cutoff)
	return removed, nil
}
