// Package scheduler runs the nightly overdue sweep on a cron schedule and
// exposes an on-demand trigger that goes through the same sweep.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSpec fires at 00:00 UTC every day.
const DefaultSpec = "0 0 * * *"

// Sweeper is the operation the scheduler drives.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time, trigger string) (*domain.SweepReport, error)
}

// SweepScheduler wraps a cron runner in UTC. Overlapping scheduled runs are
// skipped and a panicking run is recovered and logged.
type SweepScheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
	entry   cron.EntryID
}

// Option configures a SweepScheduler.
type Option func(*SweepScheduler)

// WithTimeout bounds each scheduled run.
func WithTimeout(d time.Duration) Option {
	return func(s *SweepScheduler) { s.timeout = d }
}

// WithClock overrides the time source passed to the sweeper.
func WithClock(now func() time.Time) Option {
	return func(s *SweepScheduler) { s.now = now }
}

// New registers the sweep under spec. An empty spec uses DefaultSpec.
func New(sweeper Sweeper, spec string, logger *zap.Logger, opts ...Option) (*SweepScheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}

	cronLogger := cron.VerbosePrintfLogger(zap.NewStdLog(logger.Named("cron")))
	s := &SweepScheduler{
		sweeper: sweeper,
		logger:  logger,
		timeout: 30 * time.Minute,
		now:     time.Now,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger),
			cron.WithChain(
				cron.Recover(cronLogger),
				cron.SkipIfStillRunning(cronLogger),
			),
		),
	}
	for _, opt := range opts {
		opt(s)
	}

	id, err := s.cron.AddFunc(spec, s.scheduled)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

func (s *SweepScheduler) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.sweeper.Sweep(ctx, s.now().UTC(), domain.TriggerScheduled); err != nil {
		s.logger.Error("scheduled overdue sweep failed", zap.Error(err))
	}
}

// Start begins firing the schedule in the background.
func (s *SweepScheduler) Start() {
	s.cron.Start()
	s.logger.Info("overdue sweep scheduled", zap.Time("next_run", s.Next()))
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (s *SweepScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next is the next scheduled run, zero before Start.
func (s *SweepScheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// TriggerNow runs a sweep immediately on the caller's goroutine.
func (s *SweepScheduler) TriggerNow(ctx context.Context) (*domain.SweepReport, error) {
	return s.sweeper.Sweep(ctx, s.now().UTC(), domain.TriggerManual)
}
