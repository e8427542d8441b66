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

// Package ratelimit enforces per-key request quotas over Redis sliding
// windows. Three windows (minute, hour, day) are trimmed, counted, and
// charged in one atomic script; limiter infrastructure errors fail
// open, since authentication already gates the traffic.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/metrics"
	"github.com/jennahq/jenna/pkg/models"
)

// Window names the three quota windows.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

func (w Window) duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// WindowState is the post-decision accounting of one window.
type WindowState struct {
	Window    Window
	Limit     int
	Remaining int
	Reset     time.Time
}

// Decision is the limiter's verdict for one request.
type Decision struct {
	Allowed bool
	// Violated is the tightest window that rejected the request.
	Violated   Window
	RetryAfter time.Duration
	Windows    []WindowState
}

// Limiter counts requests per (key, window) in Redis sorted sets whose
// members are timestamped request ids.
type Limiter struct {
	redis   *redis.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New builds the limiter. Metrics may be nil.
func New(client *redis.Client, m *metrics.Metrics, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{redis: client, logger: logger.With(zap.String("component", "ratelimit")), metrics: m, now: time.Now}
}

func windowKey(scope string, w Window) string {
	return fmt.Sprintf("jenna:rl:%s:%s", scope, w)
}

type check struct {
	window Window
	limit  int
}

// allowScript trims, counts, and charges every bounded window in one
// atomic step, so concurrent requests can never read the same
// pre-charge count. The first window at its limit rejects the request
// and nothing is charged. KEYS: one sorted set per window. ARGV: now-ms,
// member, then (limit, window-ms) per key. Reply: the 1-based index of
// the violated window (0 on admit) followed by (count, oldest-score)
// per key.
var allowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
local counts = {}
local violated = 0
for i = 1, #KEYS do
  local limit = tonumber(ARGV[2*i+1])
  local win = tonumber(ARGV[2*i+2])
  redis.call('ZREMRANGEBYSCORE', KEYS[i], 0, now - win)
  counts[i] = redis.call('ZCARD', KEYS[i])
  if violated == 0 and counts[i] >= limit then
    violated = i
  end
end
if violated == 0 then
  for i = 1, #KEYS do
    redis.call('ZADD', KEYS[i], now, member)
    redis.call('PEXPIRE', KEYS[i], tonumber(ARGV[2*i+2]) + 60000)
    counts[i] = counts[i] + 1
  end
end
local reply = {violated}
for i = 1, #KEYS do
  local oldest = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
  reply[2*i] = counts[i]
  reply[2*i+1] = oldest[2] or 0
end
return reply
`)

// Allow checks all three windows for a key and, when admitted, counts
// the request against each. A zero quota disables that window. The
// minute window is checked first, so the tightest violated window names
// the rejection.
func (l *Limiter) Allow(ctx context.Context, scope string, quotas models.KeyQuotas) Decision {
	checks := []check{
		{WindowMinute, quotas.PerMinute},
		{WindowHour, quotas.PerHour},
		{WindowDay, quotas.PerDay},
	}

	now := l.now()
	states := make([]WindowState, len(checks))
	keys := make([]string, 0, len(checks))
	bounded := make([]int, 0, len(checks))
	args := []interface{}{now.UnixMilli(), fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])}
	for i, c := range checks {
		if c.limit <= 0 {
			states[i] = WindowState{Window: c.window, Limit: 0, Remaining: -1}
			continue
		}
		keys = append(keys, windowKey(scope, c.window))
		args = append(args, c.limit, c.window.duration().Milliseconds())
		bounded = append(bounded, i)
	}
	if len(keys) == 0 {
		return Decision{Allowed: true, Windows: states}
	}

	raw, err := allowScript.Run(ctx, l.redis, keys, args...).Result()
	reply, ok := raw.([]interface{})
	if err != nil || !ok || len(reply) != 2*len(keys)+1 {
		// Fail open: a broken limiter must not take the API down.
		l.logger.Warn("rate limit check failed, admitting request", zap.Error(err))
		return Decision{Allowed: true, Windows: states}
	}

	for j, i := range bounded {
		c := checks[i]
		count := scriptInt(reply[2*j+1])
		reset := now.Add(c.window.duration())
		if oldest := scriptInt(reply[2*j+2]); oldest > 0 {
			reset = time.UnixMilli(oldest).Add(c.window.duration())
		}
		states[i] = WindowState{
			Window:    c.window,
			Limit:     c.limit,
			Remaining: maxInt(0, c.limit-int(count)),
			Reset:     reset,
		}
	}

	if v := scriptInt(reply[0]); v > 0 {
		i := bounded[v-1]
		if l.metrics != nil {
			l.metrics.RateLimitRejected.WithLabelValues(string(checks[i].window)).Inc()
		}
		retry := states[i].Reset.Sub(now)
		if retry <= 0 {
			retry = time.Second
		}
		return Decision{
			Allowed:    false,
			Violated:   checks[i].window,
			RetryAfter: retry,
			Windows:    states,
		}
	}

	if l.metrics != nil {
		l.metrics.RateLimitAllowed.WithLabelValues("all").Inc()
	}
	return Decision{Allowed: true, Windows: states}
}

// scriptInt reads one numeric script reply element; sorted set scores
// come back as strings.
func scriptInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return int64(f)
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// IPQuotas builds the fallback quota set for unauthenticated, IP-scoped
// paths: a per-minute cap only.
func IPQuotas(perMinute int) models.KeyQuotas {
	return models.KeyQuotas{PerMinute: perMinute}
}
