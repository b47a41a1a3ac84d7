// Package recovery periodically re-drives report records stuck in
// processing.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/psi-tools/psiproxy/internal/orchestrator"
)

// Config controls the sweep cadence and the stuck threshold.
type Config struct {
	Interval   time.Duration
	StuckAfter time.Duration
}

// Sweeper schedules RecoverStuck on a fixed interval. The lazy recovery on
// the report read path works independently; the sweeper exists so records
// nobody polls still get re-driven.
type Sweeper struct {
	orch   *orchestrator.Orchestrator
	cfg    Config
	cron   *cron.Cron
	logger *zap.Logger
}

// New constructs a Sweeper.
func New(orch *orchestrator.Orchestrator, cfg Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{
		orch:   orch,
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the sweep job and starts the scheduler. The provided
// context bounds each individual sweep, not the scheduler lifetime.
func (s *Sweeper) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.orch.RecoverStuck(ctx, s.cfg.StuckAfter); err != nil {
			s.logger.Error("stuck-record sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("recovery sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("stuck_after", s.cfg.StuckAfter),
	)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
