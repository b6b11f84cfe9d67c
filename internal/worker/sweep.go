package worker

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SweepScheduler runs the stuck-job reconciliation sweep on a cron cadence.
// Jobs stranded in processing by a crash or a failed terminal write get
// requeued by the runner's recovery; the sweep keeps that happening
// periodically for the lifetime of the process.
type SweepScheduler struct {
	cron *cron.Cron
}

// NewSweepScheduler creates and starts a cron scheduler.
func NewSweepScheduler() *SweepScheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &SweepScheduler{cron: c}
}

// ScheduleRecovery registers the runner's stuck-job recovery on the given
// cron expression. A recovery error is logged and the sweep keeps its
// schedule. It returns an error if the expression is invalid.
func (s *SweepScheduler) ScheduleRecovery(expr string, runner *Runner) error {
	_, err := s.cron.AddFunc(expr, func() {
		if _, err := runner.RecoverStuckJobs(); err != nil {
			slog.Error("SweepScheduler: stuck-job recovery failed", "error", err)
		}
	})
	return err
}

// Stop stops the cron scheduler and waits for running tasks to finish.
func (s *SweepScheduler) Stop() {
	<-s.cron.Stop().Done()
}
