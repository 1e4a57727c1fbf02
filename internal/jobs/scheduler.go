package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs periodic maintenance on cron specs.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewScheduler(timeout time.Duration, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{cron: c, timeout: timeout, log: log}
}

// Add registers task under spec ("@every 15m", "0 * * * *"). Each run
// gets its own deadline; errors are logged and the schedule continues.
func (s *Scheduler) Add(spec, name string, task func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		start := time.Now()
		if err := task(ctx); err != nil {
			s.log.Errorw("scheduled task failed", "task", name, "error", err)
			return
		}
		s.log.Debugw("scheduled task done", "task", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	return nil
}

// Run starts the schedule and blocks until ctx is done, then waits for
// running tasks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Infow("scheduler started", "tasks", len(s.cron.Entries()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}
