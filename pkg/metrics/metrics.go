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

// Package metrics bundles the prometheus instruments shared across the
// queue, the worker pools, the cache, and the rate limiter. Components
// receive a *Metrics instance; tests use NewWithRegistry with an isolated
// registry to avoid duplicate registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the instrument bundle for a jenna-worker process.
type Metrics struct {
	CacheHits    *prometheus.CounterVec // tier: redis|memory
	CacheMisses  *prometheus.CounterVec
	FetchRequests *prometheus.CounterVec // client, outcome: ok|transient|permanent|quota
	FetchDuration *prometheus.HistogramVec

	JobsEnqueued  *prometheus.CounterVec // queue
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsRetried   *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec // queue
	QueueDepth    *prometheus.GaugeVec     // queue, state: waiting|delayed|active
	LeasesRecovered *prometheus.CounterVec

	RateLimitAllowed  *prometheus.CounterVec // window
	RateLimitRejected *prometheus.CounterVec
	AuthFailures      *prometheus.CounterVec // reason

	ProgressEvents     *prometheus.CounterVec // event
	SubscribersDropped prometheus.Counter
}

// New registers the bundle on the default prometheus registerer.
func New(namespace string) *Metrics {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the bundle on an explicit registerer. Tests
// pass prometheus.NewRegistry() for isolation.
func NewWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	factory := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		CacheHits:    factory("cache_hits_total", "Cache hits by tier.", "tier"),
		CacheMisses:  factory("cache_misses_total", "Cache misses by tier.", "tier"),
		FetchRequests: factory("fetch_requests_total", "Upstream fetch attempts by client and outcome.", "client", "outcome"),
		JobsEnqueued:  factory("jobs_enqueued_total", "Jobs accepted per queue.", "queue"),
		JobsCompleted: factory("jobs_completed_total", "Jobs completed per queue.", "queue"),
		JobsFailed:    factory("jobs_failed_total", "Jobs terminally failed per queue.", "queue"),
		JobsRetried:   factory("jobs_retried_total", "Job retry attempts per queue.", "queue"),
		LeasesRecovered: factory("leases_recovered_total", "Expired leases returned to waiting per queue.", "queue"),
		RateLimitAllowed:  factory("rate_limit_allowed_total", "Requests admitted by the limiter per window.", "window"),
		RateLimitRejected: factory("rate_limit_rejected_total", "Requests rejected by the limiter per window.", "window"),
		AuthFailures:      factory("auth_failures_total", "Authentication failures by reason.", "reason"),
		ProgressEvents:    factory("progress_events_total", "Progress bus events published by type.", "event"),
	}

	m.FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Upstream fetch latency per client.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"client"})
	reg.MustRegister(m.FetchDuration)

	m.JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Handler execution time per queue.",
		Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 600},
	}, []string{"queue"})
	reg.MustRegister(m.JobDuration)

	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Jobs per queue and state.",
	}, []string{"queue", "state"})
	reg.MustRegister(m.QueueDepth)

	m.SubscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "progress_subscribers_dropped_total",
		Help:      "Subscribers disconnected for falling behind.",
	})
	reg.MustRegister(m.SubscribersDropped)

	return m
}
