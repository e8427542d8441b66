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

package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jennahq/jenna/pkg/kinderr"
)

// Memory is the in-process Queue implementation. It enforces the same
// invariants as the Redis implementation and backs the test suites and
// local development. Safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	jobs        map[string]*Job
	waiting     map[Name]*jobHeap
	delayed     map[Name][]string
	leases      map[string]*memLease
	repeatables map[string]Repeatable
	terminal    map[Name][]string // completed/failed ids in finish order

	leaseTTL time.Duration
	seq      int64
	clock    func() time.Time
	closed   bool
}

type memLease struct {
	jobID     string
	expiresAt time.Time
}

// NewMemory builds an in-memory queue. leaseTTL bounds how long a dequeued
// job may stay active before the recovery sweep reclaims it.
func NewMemory(leaseTTL time.Duration) *Memory {
	if leaseTTL == 0 {
		leaseTTL = 10 * time.Minute
	}
	return &Memory{
		jobs:        make(map[string]*Job),
		waiting:     make(map[Name]*jobHeap),
		delayed:     make(map[Name][]string),
		leases:      make(map[string]*memLease),
		repeatables: make(map[string]Repeatable),
		terminal:    make(map[Name][]string),
		leaseTTL:    leaseTTL,
		clock:       time.Now,
	}
}

// SetClock swaps the time source. Tests use it to drive backoff and lease
// expiry deterministically.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

func (m *Memory) Enqueue(ctx context.Context, queue Name, jobName string, payload interface{}, opts EnqueueOptions) (string, error) {
	raw, err := ValidatePayload(queue, jobName, payload)
	if err != nil {
		return "", err
	}
	applyDefaults(&opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	id := opts.JobID
	if id == "" {
		id = fmt.Sprintf("%s-%s-%d", queue, uuid.NewString(), now.UnixMilli())
	} else if _, exists := m.jobs[id]; exists {
		// Client-supplied ids collapse: repeated cron registration of
		// the same bucket is a no-op.
		return id, nil
	}

	job := &Job{
		ID:               id,
		Queue:            queue,
		JobName:          jobName,
		Payload:          raw,
		Priority:         opts.Priority,
		MaxAttempts:      opts.MaxAttempts,
		BackoffBase:      opts.BackoffBase,
		ScheduledAt:      now.Add(opts.Delay),
		CreatedAt:        now,
		RemoveOnComplete: *opts.RemoveOnComplete,
		RemoveOnFail:     *opts.RemoveOnFail,
	}
	m.jobs[id] = job
	m.place(job, now)
	return id, nil
}

// place routes a job to waiting or delayed depending on its schedule.
// Callers hold m.mu.
func (m *Memory) place(job *Job, now time.Time) {
	if job.ScheduledAt.After(now) {
		job.State = StateDelayed
		m.delayed[job.Queue] = append(m.delayed[job.Queue], job.ID)
		return
	}
	job.State = StateWaiting
	h := m.waiting[job.Queue]
	if h == nil {
		h = &jobHeap{}
		m.waiting[job.Queue] = h
	}
	m.seq++
	heap.Push(h, heapEntry{id: job.ID, priority: job.Priority, seq: m.seq})
}

// promoteDue moves due delayed jobs to waiting. Callers hold m.mu.
func (m *Memory) promoteDue(queue Name, now time.Time) {
	due := m.delayed[queue][:0]
	for _, id := range m.delayed[queue] {
		job, ok := m.jobs[id]
		if !ok {
			continue
		}
		if job.ScheduledAt.After(now) {
			due = append(due, id)
			continue
		}
		m.place(job, now)
	}
	m.delayed[queue] = due
}

func (m *Memory) Get(ctx context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, kinderr.New(kinderr.KindNotFound, "job_not_found", "no job "+jobID)
	}
	copy := *job
	return &copy, nil
}

func (m *Memory) ScheduleRepeatable(ctx context.Context, rep Repeatable) error {
	if !rep.Queue.Known() {
		return kinderr.New(kinderr.KindValidation, "unknown_queue", fmt.Sprintf("unknown queue %q", rep.Queue))
	}
	if _, ok := jobNameQueues[rep.JobName]; !ok {
		return kinderr.New(kinderr.KindValidation, "unknown_job_name", fmt.Sprintf("unknown job name %q", rep.JobName))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repeatables[rep.Name] = rep
	return nil
}

func (m *Memory) Repeatables(ctx context.Context) ([]Repeatable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Repeatable, 0, len(m.repeatables))
	for _, rep := range m.repeatables {
		out = append(out, rep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Dequeue(ctx context.Context, queue Name, consumerID string) (*Job, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.promoteDue(queue, now)

	h := m.waiting[queue]
	if h == nil || h.Len() == 0 {
		return nil, "", nil
	}
	entry := heap.Pop(h).(heapEntry)
	job, ok := m.jobs[entry.id]
	if !ok {
		return nil, "", nil
	}

	job.State = StateActive
	job.AttemptsMade++
	processed := now
	job.ProcessedOn = &processed

	token := uuid.NewString()
	m.leases[token] = &memLease{jobID: job.ID, expiresAt: now.Add(m.leaseTTL)}

	copy := *job
	return &copy, token, nil
}

// claim resolves a lease token to its active job, enforcing the
// single-consumer contract. Callers hold m.mu.
func (m *Memory) claim(token string) (*Job, error) {
	lease, ok := m.leases[token]
	if !ok {
		return nil, kinderr.New(kinderr.KindConflict, "lease_invalid", "lease token unknown or expired")
	}
	job, ok := m.jobs[lease.jobID]
	if !ok || job.State != StateActive {
		return nil, kinderr.New(kinderr.KindConflict, "lease_invalid", "leased job no longer active")
	}
	return job, nil
}

func (m *Memory) Complete(ctx context.Context, leaseToken string, returnValue interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.claim(leaseToken)
	if err != nil {
		return err
	}
	if returnValue != nil {
		raw, err := json.Marshal(returnValue)
		if err != nil {
			return kinderr.Wrap(kinderr.KindValidation, "unencodable_return", "return value does not encode", err)
		}
		job.ReturnValue = raw
	}
	now := m.clock()
	job.State = StateCompleted
	job.Progress = 100
	job.FinishedOn = &now
	delete(m.leases, leaseToken)
	m.retain(job, now)
	return nil
}

func (m *Memory) Fail(ctx context.Context, leaseToken string, jobErr string, retryable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.claim(leaseToken)
	if err != nil {
		return err
	}
	delete(m.leases, leaseToken)
	now := m.clock()
	job.LastError = jobErr

	if retryable && job.AttemptsMade < job.MaxAttempts {
		job.ScheduledAt = now.Add(BackoffDelay(job.BackoffBase, job.AttemptsMade))
		m.place(job, now)
		return nil
	}

	job.State = StateFailed
	job.FinishedOn = &now
	m.retain(job, now)
	return nil
}

func (m *Memory) UpdateProgress(ctx context.Context, leaseToken string, progress int) error {
	if progress < 0 || progress > 100 {
		return kinderr.New(kinderr.KindValidation, "invalid_progress", "progress must be 0..100")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.claim(leaseToken)
	if err != nil {
		return err
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	return nil
}

func (m *Memory) RecoverLeases(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	recovered := 0
	for token, lease := range m.leases {
		if now.Before(lease.expiresAt) {
			continue
		}
		delete(m.leases, token)
		job, ok := m.jobs[lease.jobID]
		if !ok || job.State != StateActive {
			continue
		}
		// The attempt consumed by the crashed worker counts; the job
		// retries if budget remains, else it fails with a timeout.
		job.LastError = "lease expired"
		if job.AttemptsMade < job.MaxAttempts {
			job.ScheduledAt = now
			m.place(job, now)
		} else {
			job.State = StateFailed
			job.FinishedOn = &now
			m.retain(job, now)
		}
		recovered++
	}
	return recovered, nil
}

// retain appends a terminal job and trims per its retention policy.
// Callers hold m.mu.
func (m *Memory) retain(job *Job, now time.Time) {
	ids := append(m.terminal[job.Queue], job.ID)

	kept := ids[:0]
	for _, id := range ids {
		j, ok := m.jobs[id]
		if !ok {
			continue
		}
		var policy Retention
		if j.State == StateCompleted {
			policy = j.RemoveOnComplete
		} else {
			policy = j.RemoveOnFail
		}
		if policy.Age > 0 && j.FinishedOn != nil && now.Sub(*j.FinishedOn) > policy.Age {
			delete(m.jobs, id)
			continue
		}
		kept = append(kept, id)
	}

	// Count-based trim, oldest first, per state.
	counts := map[State]int{}
	for i := len(kept) - 1; i >= 0; i-- {
		j := m.jobs[kept[i]]
		counts[j.State]++
	}
	final := kept[:0]
	seen := map[State]int{}
	for i := len(kept) - 1; i >= 0; i-- {
		j := m.jobs[kept[i]]
		var max int
		if j.State == StateCompleted {
			max = j.RemoveOnComplete.MaxCount
		} else {
			max = j.RemoveOnFail.MaxCount
		}
		seen[j.State]++
		if max > 0 && seen[j.State] > max {
			delete(m.jobs, kept[i])
			continue
		}
		final = append(final, kept[i])
	}
	// final is newest-first; restore finish order.
	for i, j := 0, len(final)-1; i < j; i, j = i+1, j-1 {
		final[i], final[j] = final[j], final[i]
	}
	m.terminal[job.Queue] = final
}

func (m *Memory) Depth(ctx context.Context, queue Name) (map[State]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	depth := map[State]int{}
	for _, job := range m.jobs {
		if job.Queue == queue {
			depth[job.State]++
		}
	}
	return depth, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// jobHeap orders waiting jobs by (priority asc, seq asc).
type jobHeap []heapEntry

type heapEntry struct {
	id       string
	priority int
	seq      int64
}

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
