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

// Package queue defines the durable, prioritized, retryable job queue that
// coordinates enrichment, competitor, and analytics work.
//
// The Queue interface abstracts the store: redisq implements it over Redis
// for production, memq in process for tests and local development. Both
// honor the same contracts: priority within a queue (lower value first,
// FIFO on ties), delayed jobs promoted when due, exponential backoff
// between attempts, a single-consumer lease per active job, and lease
// recovery after crashes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Name enumerates the three queues.
type Name string

const (
	QueueEnrichment Name = "enrichment"
	QueueCompetitor Name = "competitor"
	QueueAnalytics  Name = "analytics"
)

// Known returns whether the queue name is one of the three families.
func (n Name) Known() bool {
	switch n {
	case QueueEnrichment, QueueCompetitor, QueueAnalytics:
		return true
	}
	return false
}

// State is the job lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Priority levels. Lower value dequeues first.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 10
)

// Retention bounds how long terminal jobs are kept.
type Retention struct {
	Age      time.Duration `json:"age,omitempty"`
	MaxCount int           `json:"max_count,omitempty"`
}

// DefaultRetention matches the queue defaults: completed jobs trimmed
// aggressively, failures kept longer for inspection.
var (
	DefaultCompleteRetention = Retention{Age: time.Hour, MaxCount: 1000}
	DefaultFailRetention     = Retention{Age: 7 * 24 * time.Hour, MaxCount: 5000}
)

// Job is the queue's descriptor for one unit of work.
type Job struct {
	ID           string          `json:"id"`
	Queue        Name            `json:"queue"`
	JobName      string          `json:"job_name"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	BackoffBase  time.Duration   `json:"backoff_base"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedOn  *time.Time      `json:"processed_on,omitempty"`
	FinishedOn   *time.Time      `json:"finished_on,omitempty"`

	RemoveOnComplete Retention `json:"remove_on_complete"`
	RemoveOnFail     Retention `json:"remove_on_fail"`
}

// EnqueueOptions tune one enqueue call. Zero values take the defaults:
// normal priority, 3 attempts, 1s backoff base, generated job id.
type EnqueueOptions struct {
	Priority         int
	Delay            time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	JobID            string
	RemoveOnComplete *Retention
	RemoveOnFail     *Retention
}

// Repeatable is a cron-registered job template. The scheduler enqueues an
// instance per due bucket with a stable id derived from the name.
type Repeatable struct {
	Queue    Name            `json:"queue"`
	Name     string          `json:"name"`
	JobName  string          `json:"job_name"`
	CronExpr string          `json:"cron_expr"`
	Payload  json.RawMessage `json:"payload"`
}

// Queue is the contract between producers, the worker pool, and the store.
type Queue interface {
	// Enqueue validates and persists a job, returning its id. A
	// client-supplied id that already exists collapses to the existing
	// job (idempotent cron registration).
	Enqueue(ctx context.Context, queue Name, jobName string, payload interface{}, opts EnqueueOptions) (string, error)

	// Get returns a job descriptor by id, or a not_found error.
	Get(ctx context.Context, jobID string) (*Job, error)

	// ScheduleRepeatable registers a cron template. Re-registering the
	// same name overwrites it.
	ScheduleRepeatable(ctx context.Context, rep Repeatable) error

	// Repeatables lists the registered cron templates.
	Repeatables(ctx context.Context) ([]Repeatable, error)

	// Dequeue atomically claims the next due job of a queue, moving it
	// to active under a lease. Returns (nil, "", nil) when nothing is
	// due.
	Dequeue(ctx context.Context, queue Name, consumerID string) (*Job, string, error)

	// Complete finishes the leased job successfully.
	Complete(ctx context.Context, leaseToken string, returnValue interface{}) error

	// Fail records a failed attempt. Retryable failures reschedule with
	// exponential backoff until MaxAttempts; the rest (and exhausted
	// jobs) terminate in the failed state.
	Fail(ctx context.Context, leaseToken string, jobErr string, retryable bool) error

	// UpdateProgress sets the leased job's progress (0..100).
	UpdateProgress(ctx context.Context, leaseToken string, progress int) error

	// RecoverLeases re-queues active jobs whose lease has expired and
	// returns how many were recovered.
	RecoverLeases(ctx context.Context) (int, error)

	// Depth reports the number of jobs per state for a queue.
	Depth(ctx context.Context, queue Name) (map[State]int, error)

	Close() error
}

// BackoffDelay implements the retry law: base × 2^(attemptsMade-1).
func BackoffDelay(base time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return base * time.Duration(1<<uint(attemptsMade-1))
}

// applyDefaults normalizes enqueue options.
func applyDefaults(opts *EnqueueOptions) {
	if opts.Priority == 0 {
		opts.Priority = PriorityNormal
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.RemoveOnComplete == nil {
		r := DefaultCompleteRetention
		opts.RemoveOnComplete = &r
	}
	if opts.RemoveOnFail == nil {
		r := DefaultFailRetention
		opts.RemoveOnFail = &r
	}
}

// NewJobID builds an id in the family's wire convention, e.g.
// enrich-<property>-<millis>.
func NewJobID(family, entity string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d", family, entity, now.UnixMilli())
}
