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

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jennahq/jenna/pkg/queue"
)

func TestParseCronFields(t *testing.T) {
	cases := []struct {
		expr    string
		at      time.Time
		matches bool
	}{
		{"0 2 * * *", time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC), true},
		{"0 2 * * *", time.Date(2024, 6, 1, 2, 1, 0, 0, time.UTC), false},
		{"0 2 * * *", time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC), false},
		{"*/15 * * * *", time.Date(2024, 6, 1, 9, 45, 0, 0, time.UTC), true},
		{"*/15 * * * *", time.Date(2024, 6, 1, 9, 50, 0, 0, time.UTC), false},
		{"30 8-17 * * *", time.Date(2024, 6, 3, 12, 30, 0, 0, time.UTC), true},
		{"30 8-17 * * *", time.Date(2024, 6, 3, 18, 30, 0, 0, time.UTC), false},
		{"0 0 1,15 * *", time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), true},
		{"0 0 1,15 * *", time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC), false},
		// 2024-06-02 is a Sunday.
		{"0 6 * * 0", time.Date(2024, 6, 2, 6, 0, 0, 0, time.UTC), true},
		{"0 6 * * 0", time.Date(2024, 6, 3, 6, 0, 0, 0, time.UTC), false},
		// Both day fields restricted: either may match.
		{"0 0 1 * 1", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), true},  // dom matches
		{"0 0 1 * 1", time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), true},  // dow matches (Monday)
		{"0 0 1 * 1", time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC), false}, // neither
		{"0 12 * 6 *", time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC), true},
		{"0 12 * 7 *", time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		sched, err := ParseCron(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.matches, sched.Matches(tc.at), "%s at %s", tc.expr, tc.at)
	}
}

func TestParseCronRejectsMalformed(t *testing.T) {
	for _, expr := range []string{
		"",
		"0 2 * *",
		"0 2 * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"x * * * *",
		"*/0 * * * *",
		"5-1 * * * *",
	} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func newScheduler(t *testing.T, at time.Time) (*Scheduler, *queue.Memory) {
	t.Helper()
	q := queue.NewMemory(time.Minute)
	s := New(q, nil)
	s.now = func() time.Time { return at }
	s.lastMinute = at.Add(-time.Minute)
	return s, q
}

func TestTickFiresDueSchedule(t *testing.T) {
	at := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	s, q := newScheduler(t, at)
	ctx := context.Background()

	require.NoError(t, s.RegisterDefaults(ctx))
	require.NoError(t, s.Tick(ctx))

	job, err := q.Get(ctx, "neighborhood-index-daily:202406010300")
	require.NoError(t, err)
	assert.Equal(t, queue.JobIndexSweep, job.JobName)
	assert.Equal(t, queue.QueueAnalytics, job.Queue)
	assert.Equal(t, queue.PriorityLow, job.Priority)

	// 03:00 matches only the index schedule.
	depth, err := q.Depth(ctx, queue.QueueCompetitor)
	require.NoError(t, err)
	assert.Zero(t, depth[queue.StateWaiting])
}

func TestTickIsIdempotentWithinMinute(t *testing.T) {
	at := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	s, q := newScheduler(t, at)
	ctx := context.Background()

	require.NoError(t, s.RegisterDefaults(ctx))
	require.NoError(t, s.Tick(ctx))

	// A second scheduler instance processing the same minute.
	s2 := New(q, nil)
	s2.now = s.now
	s2.lastMinute = at.Add(-time.Minute)
	require.NoError(t, s2.Tick(ctx))

	depth, err := q.Depth(ctx, queue.QueueCompetitor)
	require.NoError(t, err)
	assert.Equal(t, 1, depth[queue.StateWaiting], "same minute collapses to one instance")
}

func TestTickCatchesUpMissedMinutes(t *testing.T) {
	at := time.Date(2024, 6, 1, 9, 47, 0, 0, time.UTC)
	s, q := newScheduler(t, at)
	ctx := context.Background()

	require.NoError(t, q.ScheduleRepeatable(ctx, queue.Repeatable{
		Queue:    queue.QueueAnalytics,
		Name:     "quarter-hour",
		JobName:  queue.JobIndexSweep,
		CronExpr: "*/15 * * * *",
	}))

	// The process stalled since 09:29: 09:30 and 09:45 are both due.
	s.lastMinute = time.Date(2024, 6, 1, 9, 29, 0, 0, time.UTC)
	require.NoError(t, s.Tick(ctx))

	_, err := q.Get(ctx, "quarter-hour:202406010930")
	assert.NoError(t, err)
	_, err = q.Get(ctx, "quarter-hour:202406010945")
	assert.NoError(t, err)
}

func TestTickSkipsBadCronExpression(t *testing.T) {
	at := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	s, q := newScheduler(t, at)
	ctx := context.Background()

	require.NoError(t, q.ScheduleRepeatable(ctx, queue.Repeatable{
		Queue:    queue.QueueAnalytics,
		Name:     "broken",
		JobName:  queue.JobIndexSweep,
		CronExpr: "not a cron",
	}))
	require.NoError(t, q.ScheduleRepeatable(ctx, queue.Repeatable{
		Queue:    queue.QueueAnalytics,
		Name:     "hourly",
		JobName:  queue.JobIndexSweep,
		CronExpr: "0 * * * *",
	}))

	require.NoError(t, s.Tick(ctx), "one bad template must not block the rest")

	_, err := q.Get(ctx, "hourly:202406010200")
	assert.NoError(t, err)
}

func TestRegisterDefaultsOverwritesOnRestart(t *testing.T) {
	s, q := newScheduler(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	require.NoError(t, s.RegisterDefaults(ctx))
	require.NoError(t, s.RegisterDefaults(ctx))

	reps, err := q.Repeatables(ctx)
	require.NoError(t, err)
	assert.Len(t, reps, 3)
}
