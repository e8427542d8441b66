/*
Copyright 2025 Jenna Labs.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package scheduler fires cron-registered repeatable jobs. A single
// explicit minute tick walks the registered templates and enqueues an
// instance per due minute with a stable id, so overlapping scheduler
// processes (or a restart inside the same minute) collapse to one job.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/queue"
)

// bucketFormat stamps the due minute into the instance id.
const bucketFormat = "200601021504"

// Scheduler drives the repeatable jobs registered on the queue.
type Scheduler struct {
	queue  queue.Queue
	logger *zap.Logger
	now    func() time.Time

	// lastMinute is the last minute already processed, so a slow tick
	// never skips a due minute and a fast one never fires twice.
	lastMinute time.Time
}

// New builds a scheduler over the queue's repeatable registry.
func New(q queue.Queue, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queue:  q,
		logger: logger.With(zap.String("component", "scheduler")),
		now:    time.Now,
	}
}

// RegisterDefaults installs the standing schedules: the nightly
// competitor scrape, the nightly neighborhood index run, and the graph
// build sweep for properties that lack one. Re-registration on restart
// overwrites in place.
func (s *Scheduler) RegisterDefaults(ctx context.Context) error {
	defaults := []queue.Repeatable{
		{
			Queue:    queue.QueueCompetitor,
			Name:     "competitor-daily",
			JobName:  queue.JobCompetitorSweep,
			CronExpr: "0 2 * * *",
		},
		{
			Queue:    queue.QueueAnalytics,
			Name:     "neighborhood-index-daily",
			JobName:  queue.JobIndexSweep,
			CronExpr: "0 3 * * *",
		},
		{
			Queue:    queue.QueueCompetitor,
			Name:     "graph-build",
			JobName:  queue.JobGraphSweep,
			CronExpr: "0 4 * * *",
		},
	}
	for _, rep := range defaults {
		if err := s.queue.ScheduleRepeatable(ctx, rep); err != nil {
			return fmt.Errorf("register %s: %w", rep.Name, err)
		}
	}
	return nil
}

// Run ticks once per minute until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.lastMinute = s.now().Truncate(time.Minute)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.logger.Info("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick processes every minute between the last processed minute and now.
// Exported so tests and operational tooling can drive it directly.
func (s *Scheduler) Tick(ctx context.Context) error {
	reps, err := s.queue.Repeatables(ctx)
	if err != nil {
		return fmt.Errorf("list repeatables: %w", err)
	}

	now := s.now().Truncate(time.Minute)
	if s.lastMinute.IsZero() {
		s.lastMinute = now.Add(-time.Minute)
	}

	for minute := s.lastMinute.Add(time.Minute); !minute.After(now); minute = minute.Add(time.Minute) {
		for _, rep := range reps {
			sched, err := ParseCron(rep.CronExpr)
			if err != nil {
				s.logger.Error("skipping repeatable with bad cron",
					zap.String("name", rep.Name), zap.Error(err))
				continue
			}
			if !sched.Matches(minute) {
				continue
			}
			if err := s.fire(ctx, rep, minute); err != nil {
				s.logger.Error("failed to fire repeatable",
					zap.String("name", rep.Name), zap.Error(err))
			}
		}
	}
	s.lastMinute = now
	return nil
}

// fire enqueues one instance of a repeatable for a due minute. The
// instance id embeds the minute bucket, so retries of the same minute
// collapse on the queue's idempotent enqueue.
func (s *Scheduler) fire(ctx context.Context, rep queue.Repeatable, minute time.Time) error {
	bucket := minute.UTC().Format(bucketFormat)
	instanceID := fmt.Sprintf("%s:%s", rep.Name, bucket)

	var payload interface{}
	if len(rep.Payload) > 0 {
		payload = json.RawMessage(rep.Payload)
	} else {
		payload = queue.SweepPayload{Schedule: rep.Name, Bucket: bucket}
	}

	id, err := s.queue.Enqueue(ctx, rep.Queue, rep.JobName, payload, queue.EnqueueOptions{
		JobID:    instanceID,
		Priority: queue.PriorityLow,
	})
	if err != nil {
		return err
	}
	s.logger.Info("fired repeatable",
		zap.String("name", rep.Name),
		zap.String("job_id", id),
		zap.Time("bucket", minute))
	return nil
}
