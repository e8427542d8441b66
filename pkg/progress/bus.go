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

// Package progress multiplexes worker lifecycle events to subscribers
// keyed by job id. Delivery is best-effort and at-least-once per
// subscriber; a subscriber that falls behind its buffer is dropped rather
// than back-pressuring the workers. There is no durable replay. A late
// subscriber gets a one-shot current-state probe from the queue at the
// transport layer, then live updates.
package progress

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/metrics"
)

// EventType enumerates the wire event names.
type EventType string

const (
	EventStatus    EventType = "job:status"
	EventActive    EventType = "job:active"
	EventProgress  EventType = "job:progress"
	EventCompleted EventType = "job:completed"
	EventFailed    EventType = "job:failed"
	EventError     EventType = "job:error"
)

// Event is one lifecycle notification for a job.
type Event struct {
	JobID    string          `json:"job_id"`
	Type     EventType       `json:"type"`
	Status   string          `json:"status,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// subscriberBuffer bounds how far a subscriber may lag before it is
// dropped.
const subscriberBuffer = 16

// Subscription is one subscriber's handle on a job topic. Events arrives
// on C; Cancel releases the topic slot. C is closed when the subscriber
// is dropped or canceled.
type Subscription struct {
	C      chan Event
	cancel func()
	once   sync.Once
}

// Cancel releases the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Bus is the in-memory topic map. Safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscription]struct{}
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewBus builds the bus. Logger and metrics may be nil.
func NewBus(logger *zap.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		topics:  make(map[string]map[*Subscription]struct{}),
		logger:  logger,
		metrics: m,
	}
}

// Subscribe registers a subscriber for a job id.
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := &Subscription{C: make(chan Event, subscriberBuffer)}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.topics[jobID]; ok {
			if _, present := subs[sub]; present {
				delete(subs, sub)
				close(sub.C)
				if len(subs) == 0 {
					delete(b.topics, jobID)
				}
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[jobID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[jobID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Publish fans an event out to the job's subscribers. Slow subscribers
// are dropped; Publish never blocks.
func (b *Bus) Publish(ev Event) {
	if b.metrics != nil {
		b.metrics.ProgressEvents.WithLabelValues(string(ev.Type)).Inc()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[ev.JobID]
	if !ok {
		return
	}
	for sub := range subs {
		select {
		case sub.C <- ev:
		default:
			// Buffer full: the subscriber is not keeping up.
			delete(subs, sub)
			close(sub.C)
			if b.metrics != nil {
				b.metrics.SubscribersDropped.Inc()
			}
			b.logger.Warn("dropped slow progress subscriber",
				zap.String("job_id", ev.JobID))
		}
	}
	if len(subs) == 0 {
		delete(b.topics, ev.JobID)
	}
}

// SubscriberCount reports the live subscribers of a job, for tests and
// introspection.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[jobID])
}
