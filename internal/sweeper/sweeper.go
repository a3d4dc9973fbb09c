// Package sweeper removes chunk sets that were never assembled.
package sweeper

import (
	"context"
	"time"

	"github.com/maneesh/chunkdrop/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
)

var sweptFilesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chunkdrop_swept_files_total",
		Help: "Total number of abandoned chunk sets processed by the sweeper",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(sweptFilesTotal)
}

// Store is the part of the chunk store the sweeper needs
type Store interface {
	StaleFileIDs(ctx context.Context, before time.Time) ([]string, error)
	DeleteAllForFile(ctx context.Context, fileID string) error
}

// Sweeper deletes chunk sets whose newest chunk is older than ttl
type Sweeper struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

func New(store Store, ttl, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Ctx(ctx).Info().
		Dur("ttl", s.ttl).
		Dur("interval", s.interval).
		Msg("chunk sweeper started")

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce deletes every stale chunk set and returns how many were removed.
// A failed delete is logged and the pass continues.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	ids, err := s.store.StaleFileIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		logger.Debug().Time("cutoff", cutoff).Msg("no abandoned chunk sets")
		return 0, nil
	}

	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.store.DeleteAllForFile(ctx, id); err != nil {
			sweptFilesTotal.WithLabelValues("failed").Inc()
			logger.Ctx(ctx).Error().Err(err).Str("file_id", id).Msg("failed to delete abandoned chunks")
			continue
		}
		sweptFilesTotal.WithLabelValues("removed").Inc()
		removed++
	}

	logger.Ctx(ctx).Info().
		Int("removed", removed).
		Int("stale", len(ids)).
		Time("cutoff", cutoff).
		Msg("abandoned chunk sets removed")
	return removed, nil
}
