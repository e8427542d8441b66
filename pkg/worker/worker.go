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

// Package worker runs the consumer pools. Each pool owns one queue and a
// fixed number of goroutines that poll for due jobs, execute the
// registered handler under a deadline, and report the outcome back to the
// queue and the progress bus.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jennahq/jenna/pkg/queue"
)

// ProgressFunc lets a handler report completion percentage while running.
type ProgressFunc func(ctx context.Context, pct int) error

// HandlerFunc executes one job. The returned value is stored as the
// job's result. A nil error completes the job; otherwise the error's
// kind decides whether the attempt is retried.
type HandlerFunc func(ctx context.Context, job *queue.Job, report ProgressFunc) (interface{}, error)

// Registry maps job names to handlers. Pools share one registry; a pool
// only ever sees jobs of its own queue, so names need not be disjoint
// per queue but are in practice.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry builds an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job name. Registering a name twice is a
// programming error.
func (r *Registry) Register(jobName string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[jobName]; dup {
		panic(fmt.Sprintf("worker: duplicate handler for %q", jobName))
	}
	r.handlers[jobName] = h
}

// Lookup returns the handler for a job name.
func (r *Registry) Lookup(jobName string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobName]
	return h, ok
}

// startGate bounds how many jobs a pool may start per minute. A zero
// limit disables the gate. Not safe for concurrent use without the
// pool's own serialization, so it carries its own lock.
type startGate struct {
	mu     sync.Mutex
	limit  int
	starts []time.Time
	now    func() time.Time
}

func newStartGate(limit int) *startGate {
	return &startGate{limit: limit, now: time.Now}
}

// allow records a start if the last minute holds fewer than limit
// starts, and reports whether the caller may proceed.
func (g *startGate) allow() bool {
	if g.limit <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-time.Minute)
	kept := g.starts[:0]
	for _, t := range g.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.starts = kept
	if len(g.starts) >= g.limit {
		return false
	}
	g.starts = append(g.starts, now)
	return true
}

// refund returns the most recent slot after a poll that found no job,
// so empty polls do not burn the pickup budget.
func (g *startGate) refund() {
	if g.limit <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := len(g.starts); n > 0 {
		g.starts = g.starts[:n-1]
	}
}
