package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes session directories and catalog rows older than the
// retention horizon.
type Pruner struct {
	store  *Store
	root   string
	days   int
	logger *slog.Logger
}

// NewPruner creates a Pruner over the trace root's sessions directory.
func NewPruner(store *Store, root string, days int) *Pruner {
	return &Pruner{
		store:  store,
		root:   root,
		days:   days,
		logger: slog.Default().With("component", "index.retention"),
	}
}

// Prune removes everything older than the horizon and returns how many
// sessions were deleted. A zero or negative horizon is a no-op.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	if p.days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -p.days)

	old, err := p.store.OlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, rec := range old {
		dir := filepath.Join(p.root, "sessions", rec.SessionID)
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn("session directory not removed", "session", rec.SessionID, "error", err)
			continue
		}
		if err := p.store.Delete(ctx, rec.SessionID); err != nil {
			p.logger.Warn("session row not removed", "session", rec.SessionID, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		p.logger.Info("old sessions pruned", "deleted", deleted, "horizon_days", p.days)
	}
	return deleted, nil
}

// Scheduler runs the pruner on a cron schedule while a long session is
// active.
type Scheduler struct {
	pruner   *Pruner
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a Scheduler; an empty schedule disables it.
func NewScheduler(pruner *Pruner, schedule string) *Scheduler {
	return &Scheduler{
		pruner:   pruner,
		schedule: schedule,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "index.scheduler"),
	}
}

// Start begins scheduled pruning. With no schedule configured it does
// nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.pruner.Prune(ctx); err != nil {
			s.logger.Error("scheduled pruning failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule pruning: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("retention scheduler started", "schedule", s.schedule, "horizon_days", s.pruner.days)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
	}
}
