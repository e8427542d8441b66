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

// Package fetch implements the bounded, retrying clients for the weather,
// holiday, and geocoding upstreams. Every client shares the same failure
// discipline: a request timeout, exponential-backoff retries for transient
// errors, a circuit breaker, and a max-in-flight semaphore. Errors are
// classified as transient (retry), permanent (fail fast), or quota
// (back off long) via the kinderr taxonomy.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/metrics"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
	defaultMaxInFlight = 4
)

// Options configures a client's shared failure discipline.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	MaxInFlight int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// client is the shared transport underneath the typed clients.
type client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	sem     chan struct{}

	maxAttempts int
	backoffBase time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func newClient(name string, opts Options) *client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoffBase := opts.BackoffBase
	if backoffBase == 0 {
		backoffBase = defaultBackoffBase
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight == 0 {
		maxInFlight = defaultMaxInFlight
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &client{
		name:    name,
		baseURL: opts.BaseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		sem:         make(chan struct{}, maxInFlight),
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      logger.With(zap.String("client", name)),
		metrics:     opts.Metrics,
	}
}

// getJSON issues a GET with retries and decodes the response into out.
func (c *client) getJSON(ctx context.Context, url string, out interface{}) error {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return kinderr.Wrap(kinderr.KindTimeout, "fetch_canceled", c.name+" request canceled", ctx.Err())
	}

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.FetchDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, err := c.once(ctx, url)
		if err == nil {
			c.record("ok")
			if decErr := json.Unmarshal(body, out); decErr != nil {
				return kinderr.Wrap(kinderr.KindPermanentUpstream, "bad_upstream_payload",
					c.name+" returned undecodable payload", decErr)
			}
			return nil
		}
		lastErr = err

		switch kinderr.KindOf(err) {
		case kinderr.KindPermanentUpstream:
			c.record("permanent")
			return err
		case kinderr.KindQuotaExceeded:
			c.record("quota")
			return err
		default:
			c.record("transient")
		}

		if attempt == c.maxAttempts {
			break
		}
		delay := c.backoffBase * time.Duration(1<<uint(attempt-1))
		c.logger.Warn("upstream request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return kinderr.Wrap(kinderr.KindTimeout, "fetch_canceled", c.name+" request canceled", ctx.Err())
		}
	}
	return lastErr
}

// once performs a single attempt through the circuit breaker.
func (c *client) once(ctx context.Context, url string) ([]byte, error) {
	body, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, kinderr.Wrap(kinderr.KindPermanentUpstream, "bad_request", "building request", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, kinderr.Wrap(kinderr.KindTransientUpstream, "upstream_unreachable",
				c.name+" request failed", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, kinderr.Wrap(kinderr.KindTransientUpstream, "upstream_read_failed",
				c.name+" response read failed", err)
		}
		if err := classifyStatus(c.name, resp.StatusCode); err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, kinderr.Wrap(kinderr.KindTransientUpstream, "circuit_open",
				c.name+" circuit breaker open", err)
		}
		return nil, err
	}
	return body.([]byte), nil
}

// classifyStatus maps an HTTP status to the error taxonomy. 429 is quota
// pushback; other 4xx are caller bugs and not retried; 5xx are transient.
func classifyStatus(name string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return kinderr.New(kinderr.KindQuotaExceeded, "upstream_quota",
			fmt.Sprintf("%s rate limited (status %d)", name, status))
	case status >= 400 && status < 500:
		return kinderr.New(kinderr.KindPermanentUpstream, "upstream_rejected",
			fmt.Sprintf("%s rejected request (status %d)", name, status))
	default:
		return kinderr.New(kinderr.KindTransientUpstream, "upstream_error",
			fmt.Sprintf("%s returned status %d", name, status))
	}
}

func (c *client) record(outcome string) {
	if c.metrics != nil {
		c.metrics.FetchRequests.WithLabelValues(c.name, outcome).Inc()
	}
}
