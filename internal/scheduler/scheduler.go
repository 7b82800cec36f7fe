// Package scheduler wraps robfig/cron/v3 to run the mesh core's
// fixed-cadence background tasks (discovery's own loop aside: pool
// maintenance, heartbeat, cleanup) without hand-rolled ticker goroutines.
package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler runs a set of fixed-interval jobs and stops them together.
type Scheduler struct {
	cron   *cron.Cron
	logger *logrus.Logger
}

// New builds a Scheduler with second-level precision (cron's default spec
// parser is minute-level, too coarse for 15s/30s mesh maintenance cadences).
func New(logger *logrus.Logger) *Scheduler {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	return &Scheduler{cron: c, logger: logger}
}

// Every registers fn to run every interval, expressed as a "@every" cron
// spec. A panic inside fn is recovered and logged so one failing task
// cannot take down the scheduler's goroutine.
func (s *Scheduler) Every(interval string, name string, fn func()) error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		defer func() {
			if r := recover(); r != nil && s.logger != nil {
				s.logger.WithFields(logrus.Fields{"job": name, "panic": r}).Error("scheduled job panicked")
			}
		}()
		fn()
	})
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", name, err)
	}
	return nil
}

// Start begins running registered jobs on their own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
