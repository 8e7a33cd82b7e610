// Package scheduler provides cron-based background jobs for FlowSend.
//
// It runs periodic maintenance such as purging aged conversation sessions.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetentionExpr runs the session retention sweep once a day at 03:00.
const DefaultRetentionExpr = "0 3 * * *"

// SessionPurger is the subset of the session store used by the retention sweep.
type SessionPurger interface {
	DeleteSessionsBefore(cutoff time.Time) (int, error)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddRetentionSweep schedules a job that deletes inactive sessions older than
// the retention window. Sessions still waiting for a response are never purged.
func (s *Scheduler) AddRetentionSweep(expr string, purger SessionPurger, retention time.Duration) error {
	return s.AddJob(expr, func() {
		cutoff := time.Now().Add(-retention)
		removed, err := purger.DeleteSessionsBefore(cutoff)
		if err != nil {
			slog.Error("Scheduler retention sweep failed", "error", err, "cutoff", cutoff)
			return
		}
		slog.Info("Scheduler retention sweep completed", "removed", removed, "cutoff", cutoff)
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
