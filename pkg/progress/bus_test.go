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

package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus(nil, nil)

	sub1 := bus.Subscribe("enrich-p1-1")
	sub2 := bus.Subscribe("enrich-p1-1")
	other := bus.Subscribe("enrich-p2-1")
	defer sub1.Cancel()
	defer sub2.Cancel()
	defer other.Cancel()

	bus.Publish(Event{JobID: "enrich-p1-1", Type: EventProgress, Progress: 40})

	ev := <-sub1.C
	assert.Equal(t, EventProgress, ev.Type)
	assert.Equal(t, 40, ev.Progress)
	ev = <-sub2.C
	assert.Equal(t, 40, ev.Progress)

	select {
	case <-other.C:
		t.Fatal("event leaked to another job's subscriber")
	default:
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus(nil, nil)

	sub := bus.Subscribe("job-1")
	sub.Cancel()
	sub.Cancel() // idempotent

	assert.Zero(t, bus.SubscriberCount("job-1"))
	bus.Publish(Event{JobID: "job-1", Type: EventActive}) // must not panic

	_, open := <-sub.C
	assert.False(t, open, "channel closes on cancel")
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := NewBus(nil, nil)

	sub := bus.Subscribe("job-1")
	// Never read: fill the buffer and one more.
	for i := 0; i <= subscriberBuffer; i++ {
		bus.Publish(Event{JobID: "job-1", Type: EventProgress, Progress: i})
	}

	assert.Zero(t, bus.SubscriberCount("job-1"), "laggard removed from topic")

	// Drain: the channel is closed after the buffered events.
	n := 0
	for range sub.C {
		n++
	}
	require.Equal(t, subscriberBuffer, n)
}

func TestProgressEventOrderIsPreserved(t *testing.T) {
	bus := NewBus(nil, nil)

	sub := bus.Subscribe("job-1")
	defer sub.Cancel()

	for _, p := range []int{10, 30, 60, 100} {
		bus.Publish(Event{JobID: "job-1", Type: EventProgress, Progress: p})
	}

	last := -1
	for i := 0; i < 4; i++ {
		ev := <-sub.C
		assert.Greater(t, ev.Progress, last, "progress must arrive non-decreasing")
		last = ev.Progress
	}
}
