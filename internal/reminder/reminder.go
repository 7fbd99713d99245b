// Package reminder periodically nudges owners of stages left Pending too long.
package reminder

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const defaultSchedule = "@daily"

// Reminder is implemented by engine.Engine.
type Reminder interface {
	RemindStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type Scheduler struct {
	cron   *cron.Cron
	target Reminder
	after  time.Duration
	log    logrus.FieldLogger
}

// New registers the reminder job on schedule (a cron spec or descriptor such
// as "@hourly"). An empty schedule runs daily.
func New(target Reminder, schedule string, after time.Duration, log logrus.FieldLogger) (*Scheduler, error) {
	if schedule == "" {
		schedule = defaultSchedule
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Scheduler{cron: cron.New(), target: target, after: after, log: log}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// RunOnce sends reminders immediately.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	n, err := s.target.RemindStale(ctx, s.after)
	if err != nil {
		s.log.WithError(err).Warn("reminder run failed")
		return n
	}
	s.log.WithFields(logrus.Fields{"sent": n, "older_than": s.after.String()}).Info("reminders sent")
	return n
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
