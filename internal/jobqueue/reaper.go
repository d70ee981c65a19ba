package jobqueue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StaleReaper fails running jobs that started before a cutoff
type StaleReaper interface {
	ReapStale(ctx context.Context, before time.Time) ([]string, error)
}

// Reaper periodically fails jobs stuck in the started state, e.g. after a
// worker crashed mid-run.
type Reaper struct {
	store      StaleReaper
	schedule   cron.Schedule
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NewReaper creates a reaper running on the given cron schedule
func NewReaper(store StaleReaper, schedule string, staleAfter time.Duration, logger *zap.Logger) (*Reaper, error) {
	sched, err := ParseCron(schedule)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		store:      store,
		schedule:   sched,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// NextRun returns the next sweep time after t
func (r *Reaper) NextRun(t time.Time) time.Time {
	return r.schedule.Next(t)
}

// Sweep reaps the jobs that have been running longer than staleAfter
func (r *Reaper) Sweep(ctx context.Context) ([]string, error) {
	ids, err := r.store.ReapStale(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		r.logger.Warn("reaped stale job", zap.String("job", id))
	}
	return ids, nil
}

// Run sweeps on schedule until ctx is done
func (r *Reaper) Run(ctx context.Context) error {
	for {
		wait := r.NextRun(r.now()).Sub(r.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reaping stale jobs failed", zap.Error(err))
			}
		}
	}
}
