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
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/metrics"
	"github.com/jennahq/jenna/pkg/progress"
	"github.com/jennahq/jenna/pkg/queue"
)

// Options configure one pool.
type Options struct {
	Queue       queue.Name
	Concurrency int
	// JobTimeout bounds one handler execution.
	JobTimeout time.Duration
	// PollInterval is the idle sleep between empty dequeues. Tests set
	// it low.
	PollInterval time.Duration
	// StartsPerMinute caps how fast the pool picks up new jobs. Zero
	// means unlimited.
	StartsPerMinute int
}

// Pool consumes one queue with a fixed number of goroutines.
type Pool struct {
	opts     Options
	queue    queue.Queue
	registry *Registry
	bus      *progress.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	gate     *startGate

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewPool builds a pool. Bus and metrics may be nil.
func NewPool(opts Options, q queue.Queue, reg *Registry, bus *progress.Bus, m *metrics.Metrics, logger *zap.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		opts:     opts,
		queue:    q,
		registry: reg,
		bus:      bus,
		metrics:  m,
		logger:   logger.With(zap.String("queue", string(opts.Queue))),
		gate:     newStartGate(opts.StartsPerMinute),
	}
}

// Start launches the consumer goroutines. It returns immediately; use
// Stop to drain.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		consumerID := fmt.Sprintf("%s-%d-%s", p.opts.Queue, i, uuid.NewString()[:8])
		p.wg.Add(1)
		go p.consume(ctx, consumerID)
	}
	p.logger.Info("worker pool started", zap.Int("concurrency", p.opts.Concurrency))
}

// Stop cancels polling and waits for in-flight handlers, up to the
// context deadline. Handlers past the deadline are abandoned; their
// leases expire and the jobs are recovered on the next sweep.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool stop timed out with handlers in flight")
		return ctx.Err()
	}
}

func (p *Pool) consume(ctx context.Context, consumerID string) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		if !p.gate.allow() {
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}

		job, token, err := p.queue.Dequeue(ctx, p.opts.Queue, consumerID)
		if err != nil {
			p.gate.refund()
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", zap.Error(err))
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}
		if job == nil {
			p.gate.refund()
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}
		p.runJob(job, token)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// runJob executes one claimed job end to end. The handler runs under
// its own timeout context, detached from the pool's, so a stopping pool
// drains in-flight work instead of canceling it; completion and failure
// are likewise settled with a background context.
func (p *Pool) runJob(job *queue.Job, token string) {
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("job_name", job.JobName))
	start := time.Now()

	p.publish(progress.Event{JobID: job.ID, Type: progress.EventActive, Status: string(queue.StateActive)})

	handler, ok := p.registry.Lookup(job.JobName)
	if !ok {
		// Nothing will ever handle this name; fail it permanently.
		p.settleFail(job, token, fmt.Sprintf("no handler registered for %s", job.JobName), false, log)
		return
	}

	jobCtx, cancel := context.WithTimeout(context.Background(), p.opts.JobTimeout)
	defer cancel()

	report := func(pctx context.Context, pct int) error {
		if err := p.queue.UpdateProgress(pctx, token, pct); err != nil {
			return err
		}
		p.publish(progress.Event{JobID: job.ID, Type: progress.EventProgress, Progress: pct})
		return nil
	}

	result, err := p.invoke(jobCtx, handler, job, report)
	if jobCtx.Err() == context.DeadlineExceeded {
		err = kinderr.New(kinderr.KindTimeout, "job_timeout",
			fmt.Sprintf("handler exceeded %s", p.opts.JobTimeout))
	}

	if err != nil {
		retryable := kinderr.Retryable(err)
		p.settleFail(job, token, err.Error(), retryable, log)
		return
	}

	settleCtx, settleCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer settleCancel()
	if err := p.queue.Complete(settleCtx, token, result); err != nil {
		log.Error("complete failed", zap.Error(err))
		return
	}
	if p.metrics != nil {
		p.metrics.JobsCompleted.WithLabelValues(string(p.opts.Queue)).Inc()
		p.metrics.JobDuration.WithLabelValues(string(p.opts.Queue)).Observe(time.Since(start).Seconds())
	}

	raw, _ := json.Marshal(result)
	p.publish(progress.Event{
		JobID:    job.ID,
		Type:     progress.EventCompleted,
		Status:   string(queue.StateCompleted),
		Progress: 100,
		Result:   raw,
	})
	log.Info("job completed", zap.Duration("took", time.Since(start)))
}

// invoke isolates handler panics into errors so one bad job cannot take
// down the pool.
func (p *Pool) invoke(ctx context.Context, handler HandlerFunc, job *queue.Job, report ProgressFunc) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = kinderr.New(kinderr.KindInternal, "handler_panic", fmt.Sprintf("panic: %v", r))
		}
	}()
	return handler(ctx, job, report)
}

func (p *Pool) settleFail(job *queue.Job, token, msg string, retryable bool, log *zap.Logger) {
	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	willRetry := retryable && job.AttemptsMade < job.MaxAttempts
	if err := p.queue.Fail(settleCtx, token, msg, retryable); err != nil {
		log.Error("fail settlement failed", zap.Error(err))
		return
	}

	if willRetry {
		if p.metrics != nil {
			p.metrics.JobsRetried.WithLabelValues(string(p.opts.Queue)).Inc()
		}
		p.publish(progress.Event{JobID: job.ID, Type: progress.EventError, Error: msg})
		log.Warn("job attempt failed, will retry",
			zap.Int("attempt", job.AttemptsMade),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.String("error", msg))
		return
	}

	if p.metrics != nil {
		p.metrics.JobsFailed.WithLabelValues(string(p.opts.Queue)).Inc()
	}
	p.publish(progress.Event{
		JobID:  job.ID,
		Type:   progress.EventFailed,
		Status: string(queue.StateFailed),
		Error:  msg,
	})
	log.Error("job failed terminally",
		zap.Int("attempt", job.AttemptsMade),
		zap.String("error", msg))
}

func (p *Pool) publish(ev progress.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}
