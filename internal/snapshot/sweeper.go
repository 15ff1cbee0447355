package snapshot

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// TimeElapsedEvaluator is the part of Manager the sweeper drives.
type TimeElapsedEvaluator interface {
	EvaluateTimeElapsedThreshold(ctx context.Context, aggregateID string) bool
}

// Sweeper periodically checks tracked aggregates for stale snapshots.
type Sweeper struct {
	evaluator TimeElapsedEvaluator
	interval  time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	aggregates map[string]struct{}
}

func NewSweeper(evaluator TimeElapsedEvaluator, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		evaluator:  evaluator,
		interval:   interval,
		logger:     logger.With("component", "snapshot_sweeper"),
		aggregates: make(map[string]struct{}),
	}
}

// Track adds an aggregate to the sweep set.
func (s *Sweeper) Track(aggregateID string) {
	if aggregateID == "" {
		return
	}
	s.mu.Lock()
	s.aggregates[aggregateID] = struct{}{}
	s.mu.Unlock()
}

func (s *Sweeper) Forget(aggregateID string) {
	s.mu.Lock()
	delete(s.aggregates, aggregateID)
	s.mu.Unlock()
}

// Tracked returns the tracked aggregate ids in sorted order.
func (s *Sweeper) Tracked() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.aggregates))
	for id := range s.aggregates {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// SweepOnce evaluates every tracked aggregate and returns how many snapshots
// were scheduled.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	scheduled := 0
	for _, id := range s.Tracked() {
		if ctx.Err() != nil {
			break
		}
		if s.evaluator.EvaluateTimeElapsedThreshold(ctx, id) {
			scheduled++
		}
	}
	return scheduled
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("snapshot sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("snapshot sweeper stopped")
			return
		case <-ticker.C:
			if n := s.SweepOnce(ctx); n > 0 {
				s.logger.Info("scheduled stale snapshots", "count", n)
			}
		}
	}
}
