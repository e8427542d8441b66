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

package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
	"github.com/jennahq/jenna/pkg/progress"
	"github.com/jennahq/jenna/pkg/queue"
)

func testPayload(propertyID string) queue.EnrichPropertyPayload {
	return queue.EnrichPropertyPayload{
		PropertyID: propertyID,
		Location:   models.Location{Latitude: 48.8566, Longitude: 2.3522, CountryCode: "FR"},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func startPool(t *testing.T, q queue.Queue, reg *Registry, opts Options, bus *progress.Bus) *Pool {
	t.Helper()
	if opts.Queue == "" {
		opts.Queue = queue.QueueEnrichment
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 1
	}
	opts.PollInterval = 5 * time.Millisecond
	if opts.JobTimeout == 0 {
		opts.JobTimeout = time.Second
	}
	pool := NewPool(opts, q, reg, bus, nil, nil)
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool
}

func TestPoolRunsJobToCompletion(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	reg := NewRegistry()
	reg.Register(queue.JobEnrichProperty, func(ctx context.Context, job *queue.Job, report ProgressFunc) (interface{}, error) {
		require.NoError(t, report(ctx, 50))
		return map[string]int{"rows": 12}, nil
	})

	id, err := q.Enqueue(context.Background(), queue.QueueEnrichment, queue.JobEnrichProperty,
		testPayload("p1"), queue.EnqueueOptions{})
	require.NoError(t, err)

	startPool(t, q, reg, Options{}, nil)

	waitFor(t, func() bool {
		job, err := q.Get(context.Background(), id)
		return err == nil && job.State == queue.StateCompleted
	})

	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)
	assert.JSONEq(t, `{"rows":12}`, string(job.ReturnValue))
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	var attempts atomic.Int32
	reg := NewRegistry()
	reg.Register(queue.JobEnrichProperty, func(ctx context.Context, job *queue.Job, report ProgressFunc) (interface{}, error) {
		if attempts.Add(1) == 1 {
			return nil, kinderr.New(kinderr.KindTransientUpstream, "upstream_unavailable", "weather api 503")
		}
		return nil, nil
	})

	id, err := q.Enqueue(context.Background(), queue.QueueEnrichment, queue.JobEnrichProperty,
		testPayload("p1"), queue.EnqueueOptions{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond})
	require.NoError(t, err)

	startPool(t, q, reg, Options{}, nil)

	waitFor(t, func() bool {
		job, err := q.Get(context.Background(), id)
		return err == nil && job.State == queue.StateCompleted
	})
	assert.Equal(t, int32(2), attempts.Load())
}

func TestPoolDoesNotRetryValidationFailure(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	var attempts atomic.Int32
	reg := NewRegistry()
	reg.Register(queue.JobEnrichProperty, func(ctx context.Context, job *queue.Job, report ProgressFunc) (interface{}, error) {
		attempts.Add(1)
		return nil, kinderr.New(kinderr.KindValidation, "bad_location", "string location requires geocoding")
	})

	id, err := q.Enqueue(context.Background(), queue.QueueEnrichment, queue.JobEnrichProperty,
		testPayload("p1"), queue.EnqueueOptions{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond})
	require.NoError(t, err)

	startPool(t, q, reg, Options{}, nil)

	waitFor(t, func() bool {
		job, err := q.Get(context.Background(), id)
		return err == nil && job.State == queue.StateFailed
	})
	assert.Equal(t, int32(1), attempts.Load())
}

func TestPoolTimesOutRunawayHandler(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	reg := NewRegistry()
	reg.Register(queue.JobEnrichProperty, func(ctx context.Context, job *queue.Job, report ProgressFunc) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := q.Enqueue(context.Background(), queue.QueueEnrichment, queue.JobEnrichProperty,
		testPayload("p1"), queue.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	startPool(t, q, reg, Options{JobTimeout: 30 * time.Millisecond}, nil)

	waitFor(t, func() bool {
		job, err := q.Get(context.Background(), id)
		return err == nil && job.State == queue.StateFailed
	})
	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "handler exceeded")
}

func TestPoolRecoversFromHandlerPanic(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	reg := NewRegistry()
	reg.Register(queue.JobEnrichProperty, func(ctx context.Context, job *queue.Job, report ProgressFunc) (interface{}, error) {
		panic("nil pricing row")
	})

	id, err := q.Enqueue(context.Background(), queue.QueueEnrichment, queue.JobEnrichProperty,
		testPayload("p1"), queue.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	startPool(t, q, reg, Options{}, nil)

	waitFor(t, func() bool {
		job, err := q.Get(context.Background(), id)
		return err == nil && job.State == queue.StateFailed
	})
	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "panic")
}

func TestPoolConcurrencyBound(t *testing.T) {
	q := queue.NewMemory(time.Minute)

	var mu sync.Mutex
	var inFlight, peak int
	release := make(chan struct{})

	reg := NewRegistry()
	reg.Register(queue.JobEnrichProperty, func(ctx context.Context, job *queue.Job, report ProgressFunc) (interface{}, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	})

	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(context.Background(), queue.QueueEnrichment, queue.JobEnrichProperty,
			testPayload("p1"), queue.EnqueueOptions{})
		require.NoError(t, err)
	}

	startPool(t, q, reg, Options{Concurrency: 3}, nil)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inFlight == 3
	})
	close(release)

	waitFor(t, func() bool {
		depth, err := q.Depth(context.Background(), queue.QueueEnrichment)
		return err == nil && depth[queue.StateWaiting] == 0 && depth[queue.StateActive] == 0
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, peak, "never more handlers in flight than the pool size")
}

func TestPoolPublishesLifecycleEvents(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	bus := progress.NewBus(nil, nil)

	reg := NewRegistry()
	reg.Register(queue.JobEnrichProperty, func(ctx context.Context, job *queue.Job, report ProgressFunc) (interface{}, error) {
		require.NoError(t, report(ctx, 40))
		return "ok", nil
	})

	id, err := q.Enqueue(context.Background(), queue.QueueEnrichment, queue.JobEnrichProperty,
		testPayload("p1"), queue.EnqueueOptions{})
	require.NoError(t, err)

	sub := bus.Subscribe(id)
	defer sub.Cancel()

	startPool(t, q, reg, Options{}, bus)

	var types []progress.EventType
	for ev := range sub.C {
		types = append(types, ev.Type)
		if ev.Type == progress.EventCompleted {
			break
		}
	}
	assert.Equal(t, []progress.EventType{progress.EventActive, progress.EventProgress, progress.EventCompleted}, types)
}

func TestStartGateLimitsPickupRate(t *testing.T) {
	g := newStartGate(2)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	g.now = func() time.Time { return now }

	assert.True(t, g.allow())
	assert.True(t, g.allow())
	assert.False(t, g.allow(), "third start within the minute is held back")

	now = base.Add(61 * time.Second)
	assert.True(t, g.allow(), "window slides")
}

func TestStartGateRefundReturnsUnusedSlot(t *testing.T) {
	g := newStartGate(1)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	require.True(t, g.allow())
	g.refund()
	assert.True(t, g.allow(), "a refunded slot is available again")
	assert.False(t, g.allow())
}

func TestEmptyPollsDoNotConsumeStartBudget(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	done := make(chan struct{})

	reg := NewRegistry()
	reg.Register(queue.JobEnrichProperty, func(ctx context.Context, job *queue.Job, report ProgressFunc) (interface{}, error) {
		close(done)
		return nil, nil
	})

	startPool(t, q, reg, Options{StartsPerMinute: 1}, nil)

	// Let the pool poll the empty queue for a while before any work
	// arrives.
	time.Sleep(50 * time.Millisecond)

	_, err := q.Enqueue(context.Background(), queue.QueueEnrichment, queue.JobEnrichProperty,
		testPayload("p1"), queue.EnqueueOptions{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("empty polls consumed the pickup budget")
	}
}

func TestStopDrainsInFlightJob(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})

	reg := NewRegistry()
	reg.Register(queue.JobEnrichProperty, func(ctx context.Context, job *queue.Job, report ProgressFunc) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})

	id, err := q.Enqueue(context.Background(), queue.QueueEnrichment, queue.JobEnrichProperty,
		testPayload("p1"), queue.EnqueueOptions{})
	require.NoError(t, err)

	pool := NewPool(Options{
		Queue:        queue.QueueEnrichment,
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		JobTimeout:   time.Second,
	}, q, reg, nil, nil, nil)
	pool.Start(context.Background())

	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, job.State, "in-flight work finishes during drain")
}

func TestStopDrainsContextAwareHandler(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	started := make(chan struct{})

	reg := NewRegistry()
	reg.Register(queue.JobEnrichProperty, func(ctx context.Context, job *queue.Job, report ProgressFunc) (interface{}, error) {
		close(started)
		select {
		case <-time.After(100 * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	id, err := q.Enqueue(context.Background(), queue.QueueEnrichment, queue.JobEnrichProperty,
		testPayload("p1"), queue.EnqueueOptions{})
	require.NoError(t, err)

	pool := NewPool(Options{
		Queue:        queue.QueueEnrichment,
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		JobTimeout:   time.Second,
	}, q, reg, nil, nil, nil)
	pool.Start(context.Background())

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, job.State,
		"a handler watching its context still finishes during drain")
	assert.Empty(t, job.LastError)
}
