package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweep every minute.
const DefaultSweepSchedule = "@every 1m"

// Locker elects one sweeper across replicas.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
}

// Sweeper periodically resolves approvals whose deadline has passed.
type Sweeper struct {
	engine *Engine
	locker Locker
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper schedules engine.SweepExpired on schedule, a standard cron
// expression or descriptor such as "@every 30s". A nil locker sweeps on
// every tick.
func NewSweeper(engine *Engine, schedule string, locker Locker, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		engine: engine,
		locker: locker,
		cron:   cron.New(),
		logger: logger.With(slog.String("component", "sweeper")),
		now:    engine.now,
		ctx:    ctx,
		cancel: cancel,
	}
	if _, err := s.cron.AddFunc(schedule, func() { _, _ = s.RunOnce(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.logger.Info("sweeper stopped")
}

// RunOnce performs a single sweep if this replica holds the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx)
		if err != nil {
			s.logger.Error("sweeper lock", slog.String("error", err.Error()))
			return 0, err
		}
		if !ok {
			s.logger.Debug("another replica holds the sweeper lock")
			return 0, nil
		}
	}

	n, err := s.engine.SweepExpired(ctx, s.now())
	if err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
		return n, err
	}
	return n, nil
}
