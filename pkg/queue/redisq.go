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
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/kinderr"
)

// Redis key layout:
//
//	jenna:job:<id>            job descriptor JSON
//	jenna:q:<q>:waiting       ZSET member=id score=priority*1e12+seq
//	jenna:q:<q>:delayed       ZSET member=priority|id score=due unix ms
//	jenna:q:<q>:active        HASH lease token -> job id
//	jenna:q:<q>:completed     ZSET member=id score=finished unix ms
//	jenna:q:<q>:failed        ZSET member=id score=finished unix ms
//	jenna:lease:<token>       job id, PX = lease TTL
//	jenna:seq                 FIFO tiebreaker counter
//	jenna:repeatables         HASH name -> template JSON
const (
	keyPrefix   = "jenna:"
	leasePrefix = keyPrefix + "lease:"
	seqKey      = keyPrefix + "seq"
	repeatKey   = keyPrefix + "repeatables"

	// priorityStride leaves room for 1e12 FIFO sequence values per
	// priority level inside a float64 score.
	priorityStride = 1e12
)

// promoteScript moves due delayed members into the waiting set with a
// fresh FIFO sequence. KEYS: delayed, waiting, seq. ARGV: now-ms.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  local sep = string.find(member, '|', 1, true)
  local priority = tonumber(string.sub(member, 1, sep - 1))
  local id = string.sub(member, sep + 1)
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[2], priority * 1e12 + seq, id)
end
return #due
`)

// dequeueScript atomically pops the best waiting job and installs the
// lease. KEYS: waiting, active. ARGV: token, ttl-ms, lease-prefix.
var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then return false end
local id = popped[1]
redis.call('SET', ARGV[3] .. ARGV[1], id, 'PX', tonumber(ARGV[2]))
redis.call('HSET', KEYS[2], ARGV[1], id)
return id
`)

// releaseScript atomically consumes a lease, returning the job id it
// held. KEYS: active. ARGV: token, lease-prefix.
var releaseScript = redis.NewScript(`
local id = redis.call('GET', ARGV[2] .. ARGV[1])
if not id then return false end
redis.call('DEL', ARGV[2] .. ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
return id
`)

// RedisQueue is the durable Queue implementation over Redis.
type RedisQueue struct {
	rdb      *redis.Client
	leaseTTL time.Duration
	logger   *zap.Logger
	clock    func() time.Time
}

// NewRedis builds the Redis-backed queue. leaseTTL is the job timeout
// after which the recovery sweep reclaims an active job.
func NewRedis(rdb *redis.Client, leaseTTL time.Duration, logger *zap.Logger) *RedisQueue {
	if leaseTTL == 0 {
		leaseTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{rdb: rdb, leaseTTL: leaseTTL, logger: logger, clock: time.Now}
}

func jobKey(id string) string            { return keyPrefix + "job:" + id }
func waitingKey(q Name) string           { return fmt.Sprintf("%sq:%s:waiting", keyPrefix, q) }
func delayedKey(q Name) string           { return fmt.Sprintf("%sq:%s:delayed", keyPrefix, q) }
func activeKey(q Name) string            { return fmt.Sprintf("%sq:%s:active", keyPrefix, q) }
func terminalKey(q Name, s State) string { return fmt.Sprintf("%sq:%s:%s", keyPrefix, q, s) }

func (r *RedisQueue) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	if err := r.rdb.Set(ctx, jobKey(job.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("storing job %s: %w", job.ID, err)
	}
	return nil
}

func (r *RedisQueue) loadJob(ctx context.Context, id string) (*Job, error) {
	raw, err := r.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, kinderr.New(kinderr.KindNotFound, "job_not_found", "no job "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

func (r *RedisQueue) Enqueue(ctx context.Context, queue Name, jobName string, payload interface{}, opts EnqueueOptions) (string, error) {
	raw, err := ValidatePayload(queue, jobName, payload)
	if err != nil {
		return "", err
	}
	applyDefaults(&opts)

	now := r.clock()
	id := opts.JobID
	if id == "" {
		id = fmt.Sprintf("%s-%s-%d", queue, uuid.NewString(), now.UnixMilli())
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
	if job.ScheduledAt.After(now) {
		job.State = StateDelayed
	} else {
		job.State = StateWaiting
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encoding job %s: %w", id, err)
	}
	// SET NX makes client-supplied ids idempotent: a duplicate enqueue
	// collapses to the existing job.
	created, err := r.rdb.SetNX(ctx, jobKey(id), encoded, 0).Result()
	if err != nil {
		return "", fmt.Errorf("storing job %s: %w", id, err)
	}
	if !created {
		return id, nil
	}

	if err := r.schedule(ctx, job, now); err != nil {
		return "", err
	}
	return id, nil
}

// schedule adds the job to its waiting or delayed set.
func (r *RedisQueue) schedule(ctx context.Context, job *Job, now time.Time) error {
	if job.ScheduledAt.After(now) {
		member := fmt.Sprintf("%d|%s", job.Priority, job.ID)
		if err := r.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
			Score:  float64(job.ScheduledAt.UnixMilli()),
			Member: member,
		}).Err(); err != nil {
			return fmt.Errorf("delaying job %s: %w", job.ID, err)
		}
		return nil
	}

	seq, err := r.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("allocating sequence: %w", err)
	}
	score := float64(job.Priority)*priorityStride + float64(seq)
	if err := r.rdb.ZAdd(ctx, waitingKey(job.Queue), redis.Z{Score: score, Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("queueing job %s: %w", job.ID, err)
	}
	return nil
}

func (r *RedisQueue) Get(ctx context.Context, jobID string) (*Job, error) {
	return r.loadJob(ctx, jobID)
}

func (r *RedisQueue) ScheduleRepeatable(ctx context.Context, rep Repeatable) error {
	if !rep.Queue.Known() {
		return kinderr.New(kinderr.KindValidation, "unknown_queue", fmt.Sprintf("unknown queue %q", rep.Queue))
	}
	if _, ok := jobNameQueues[rep.JobName]; !ok {
		return kinderr.New(kinderr.KindValidation, "unknown_job_name", fmt.Sprintf("unknown job name %q", rep.JobName))
	}
	raw, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding repeatable %s: %w", rep.Name, err)
	}
	if err := r.rdb.HSet(ctx, repeatKey, rep.Name, raw).Err(); err != nil {
		return fmt.Errorf("storing repeatable %s: %w", rep.Name, err)
	}
	return nil
}

func (r *RedisQueue) Repeatables(ctx context.Context) ([]Repeatable, error) {
	raw, err := r.rdb.HGetAll(ctx, repeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing repeatables: %w", err)
	}
	out := make([]Repeatable, 0, len(raw))
	for name, encoded := range raw {
		var rep Repeatable
		if err := json.Unmarshal([]byte(encoded), &rep); err != nil {
			r.logger.Warn("skipping undecodable repeatable", zap.String("name", name), zap.Error(err))
			continue
		}
		out = append(out, rep)
	}
	return out, nil
}

func (r *RedisQueue) Dequeue(ctx context.Context, queue Name, consumerID string) (*Job, string, error) {
	now := r.clock()
	if err := promoteScript.Run(ctx, r.rdb,
		[]string{delayedKey(queue), waitingKey(queue), seqKey},
		now.UnixMilli()).Err(); err != nil && err != redis.Nil {
		return nil, "", fmt.Errorf("promoting delayed jobs: %w", err)
	}

	token := uuid.NewString()
	res, err := dequeueScript.Run(ctx, r.rdb,
		[]string{waitingKey(queue), activeKey(queue)},
		token, r.leaseTTL.Milliseconds(), leasePrefix).Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("dequeue %s: %w", queue, err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, "", nil
	}

	job, err := r.loadJob(ctx, id)
	if err != nil {
		return nil, "", err
	}
	job.State = StateActive
	job.AttemptsMade++
	processed := now
	job.ProcessedOn = &processed
	if err := r.saveJob(ctx, job); err != nil {
		return nil, "", err
	}

	r.logger.Debug("job dequeued",
		zap.String("job_id", id),
		zap.String("queue", string(queue)),
		zap.String("consumer", consumerID),
		zap.Int("attempt", job.AttemptsMade))
	return job, token, nil
}

// release consumes the lease token and returns the job it held.
func (r *RedisQueue) release(ctx context.Context, queue Name, token string) (*Job, error) {
	res, err := releaseScript.Run(ctx, r.rdb, []string{activeKey(queue)}, token, leasePrefix).Result()
	if err == redis.Nil {
		return nil, kinderr.New(kinderr.KindConflict, "lease_invalid", "lease token unknown or expired")
	}
	if err != nil {
		return nil, fmt.Errorf("releasing lease: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, kinderr.New(kinderr.KindConflict, "lease_invalid", "lease token unknown or expired")
	}
	return r.loadJob(ctx, id)
}

// leasedJob resolves a lease token without consuming it. The token embeds
// no queue, so all three active hashes are consulted.
func (r *RedisQueue) leasedJob(ctx context.Context, token string) (*Job, error) {
	id, err := r.rdb.Get(ctx, leasePrefix+token).Result()
	if err == redis.Nil {
		return nil, kinderr.New(kinderr.KindConflict, "lease_invalid", "lease token unknown or expired")
	}
	if err != nil {
		return nil, fmt.Errorf("resolving lease: %w", err)
	}
	return r.loadJob(ctx, id)
}

func (r *RedisQueue) Complete(ctx context.Context, leaseToken string, returnValue interface{}) error {
	job, err := r.leasedJob(ctx, leaseToken)
	if err != nil {
		return err
	}
	if _, err := r.release(ctx, job.Queue, leaseToken); err != nil {
		return err
	}

	now := r.clock()
	job.State = StateCompleted
	job.Progress = 100
	job.FinishedOn = &now
	if returnValue != nil {
		raw, err := json.Marshal(returnValue)
		if err != nil {
			return kinderr.Wrap(kinderr.KindValidation, "unencodable_return", "return value does not encode", err)
		}
		job.ReturnValue = raw
	}
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}
	return r.retain(ctx, job, now)
}

func (r *RedisQueue) Fail(ctx context.Context, leaseToken string, jobErr string, retryable bool) error {
	job, err := r.leasedJob(ctx, leaseToken)
	if err != nil {
		return err
	}
	if _, err := r.release(ctx, job.Queue, leaseToken); err != nil {
		return err
	}

	now := r.clock()
	job.LastError = jobErr

	if retryable && job.AttemptsMade < job.MaxAttempts {
		job.State = StateDelayed
		job.ScheduledAt = now.Add(BackoffDelay(job.BackoffBase, job.AttemptsMade))
		if err := r.saveJob(ctx, job); err != nil {
			return err
		}
		return r.schedule(ctx, job, now)
	}

	job.State = StateFailed
	job.FinishedOn = &now
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}
	return r.retain(ctx, job, now)
}

func (r *RedisQueue) UpdateProgress(ctx context.Context, leaseToken string, progress int) error {
	if progress < 0 || progress > 100 {
		return kinderr.New(kinderr.KindValidation, "invalid_progress", "progress must be 0..100")
	}
	job, err := r.leasedJob(ctx, leaseToken)
	if err != nil {
		return err
	}
	if progress > job.Progress {
		job.Progress = progress
		return r.saveJob(ctx, job)
	}
	return nil
}

func (r *RedisQueue) RecoverLeases(ctx context.Context) (int, error) {
	recovered := 0
	now := r.clock()
	for _, queue := range []Name{QueueEnrichment, QueueCompetitor, QueueAnalytics} {
		active, err := r.rdb.HGetAll(ctx, activeKey(queue)).Result()
		if err != nil {
			return recovered, fmt.Errorf("scanning active %s: %w", queue, err)
		}
		for token, id := range active {
			exists, err := r.rdb.Exists(ctx, leasePrefix+token).Result()
			if err != nil {
				return recovered, fmt.Errorf("checking lease: %w", err)
			}
			if exists == 1 {
				continue
			}
			// Lease expired without an ack: the holder crashed or timed
			// out. Reclaim the job.
			if err := r.rdb.HDel(ctx, activeKey(queue), token).Err(); err != nil {
				return recovered, fmt.Errorf("reclaiming lease: %w", err)
			}
			job, err := r.loadJob(ctx, id)
			if err != nil {
				r.logger.Warn("expired lease held a missing job", zap.String("job_id", id))
				continue
			}
			if job.State != StateActive {
				continue
			}
			job.LastError = "lease expired"
			if job.AttemptsMade < job.MaxAttempts {
				job.State = StateWaiting
				job.ScheduledAt = now
				if err := r.saveJob(ctx, job); err != nil {
					return recovered, err
				}
				if err := r.schedule(ctx, job, now); err != nil {
					return recovered, err
				}
			} else {
				job.State = StateFailed
				job.FinishedOn = &now
				if err := r.saveJob(ctx, job); err != nil {
					return recovered, err
				}
				if err := r.retain(ctx, job, now); err != nil {
					return recovered, err
				}
			}
			recovered++
			r.logger.Info("recovered expired lease",
				zap.String("job_id", id),
				zap.String("queue", string(queue)))
		}
	}
	return recovered, nil
}

// retain indexes a terminal job and trims old entries per its policy.
func (r *RedisQueue) retain(ctx context.Context, job *Job, now time.Time) error {
	key := terminalKey(job.Queue, job.State)
	policy := job.RemoveOnComplete
	if job.State == StateFailed {
		policy = job.RemoveOnFail
	}

	if err := r.rdb.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		return fmt.Errorf("indexing terminal job %s: %w", job.ID, err)
	}

	// Age trim.
	if policy.Age > 0 {
		cutoff := float64(now.Add(-policy.Age).UnixMilli())
		old, err := r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatFloat(cutoff, 'f', 0, 64),
		}).Result()
		if err != nil {
			return fmt.Errorf("trimming by age: %w", err)
		}
		for _, id := range old {
			r.rdb.Del(ctx, jobKey(id))
			r.rdb.ZRem(ctx, key, id)
		}
	}

	// Count trim, oldest first.
	if policy.MaxCount > 0 {
		total, err := r.rdb.ZCard(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("trimming by count: %w", err)
		}
		if excess := total - int64(policy.MaxCount); excess > 0 {
			old, err := r.rdb.ZRange(ctx, key, 0, excess-1).Result()
			if err != nil {
				return fmt.Errorf("trimming by count: %w", err)
			}
			for _, id := range old {
				r.rdb.Del(ctx, jobKey(id))
				r.rdb.ZRem(ctx, key, id)
			}
		}
	}
	return nil
}

func (r *RedisQueue) Depth(ctx context.Context, queue Name) (map[State]int, error) {
	depth := map[State]int{}

	waiting, err := r.rdb.ZCard(ctx, waitingKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("depth waiting: %w", err)
	}
	delayed, err := r.rdb.ZCard(ctx, delayedKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("depth delayed: %w", err)
	}
	active, err := r.rdb.HLen(ctx, activeKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("depth active: %w", err)
	}
	depth[StateWaiting] = int(waiting)
	depth[StateDelayed] = int(delayed)
	depth[StateActive] = int(active)
	return depth, nil
}

func (r *RedisQueue) Close() error {
	return r.rdb.Close()
}
