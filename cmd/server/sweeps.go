package main

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

type sweep struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (int, error)
}

// startSweeps schedules the periodic backstops: queue eviction, deposit
// deadlines and unsettled-match recovery. Runs of one sweep never overlap.
func startSweeps(ctx context.Context, a *app) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	sweeps := []sweep{
		{"queue-eviction", a.cfg.QueueSweepInterval, a.queue.Sweep},
		{"deposit-deadline", a.cfg.DeadlineSweepInterval, a.mgr.ExpireOverdue},
		{"settlement-recovery", a.cfg.CleanupSweepInterval, a.mgr.RecoverUnsettled},
	}
	for _, s := range sweeps {
		entry := a.log.WithFields(logrus.Fields{"component": "sweeps", "sweep": s.name})
		_, err := sched.NewJob(
			gocron.DurationJob(s.interval),
			gocron.NewTask(func() {
				runCtx, cancel := context.WithTimeout(ctx, s.interval)
				defer cancel()
				n, err := s.run(runCtx)
				if err != nil {
					entry.WithError(err).Warn("sweep failed")
					return
				}
				if n > 0 {
					entry.WithField("count", n).Info("sweep finished")
				}
			}),
			gocron.WithName(s.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, err
		}
	}

	sched.Start()
	return sched, nil
}
