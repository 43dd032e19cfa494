// Package retention physically removes messages that nobody can see anymore
// or that have outlived the retention period.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/vedran77/courtside/internal/metrics"
	"github.com/vedran77/courtside/pkg/logger"
)

const DefaultCron = "0 3 * * *"

type Purger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type Scheduler struct {
	purger Purger
	cron   string
	period time.Duration
	now    func() time.Time
}

// New validates the cron expression. days is the retention period; rows
// created before now minus days are purged whatever their deletion flags.
func New(purger Purger, cronExpr string, days int) (*Scheduler, error) {
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	return &Scheduler{
		purger: purger,
		cron:   cronExpr,
		period: time.Duration(days) * 24 * time.Hour,
		now:    time.Now,
	}, nil
}

// RunOnce performs a single purge and returns the number of rows removed.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.period)
	n, err := s.purger.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}
	metrics.RetentionPurged.Add(float64(n))
	logger.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("retention: run finished")
	return n, nil
}

// Run sleeps until each cron tick and purges. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info().Str("cron", s.cron).Dur("period", s.period).Msg("retention: scheduler started")

	for {
		next, err := gronx.NextTickAfter(s.cron, s.now().UTC(), false)
		if err != nil {
			logger.Error().Err(err).Str("cron", s.cron).Msg("retention: computing next tick failed")
			if !sleep(ctx, 30*time.Second) {
				return
			}
			continue
		}

		if !sleep(ctx, time.Until(next)) {
			logger.Info().Msg("retention: scheduler stopping")
			return
		}
		if _, err := s.RunOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("retention: run failed")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
