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

package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
	"github.com/jennahq/jenna/pkg/queue"
	"github.com/jennahq/jenna/pkg/worker"
)

// Enqueuer is the slice of the queue the sweep fans out through.
type Enqueuer interface {
	Enqueue(ctx context.Context, q queue.Name, jobName string, payload interface{}, opts queue.EnqueueOptions) (string, error)
}

// Handlers binds the index engine to the analytics queue.
type Handlers struct {
	engine   *Engine
	enqueuer Enqueuer
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandlers wires the index job handlers.
func NewHandlers(engine *Engine, enq Enqueuer, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{engine: engine, enqueuer: enq, logger: logger, now: time.Now}
}

// Register installs the handlers on the worker registry.
func (h *Handlers) Register(reg *worker.Registry) {
	reg.Register(queue.JobComputeIndex, h.ComputeIndex)
	reg.Register(queue.JobIndexSweep, h.IndexSweep)
}

// ComputeIndex handles one compute-index job. An insufficient competitor
// group completes the job with an insufficient_data outcome rather than
// failing it; retrying would not grow the group.
func (h *Handlers) ComputeIndex(ctx context.Context, job *queue.Job, report worker.ProgressFunc) (interface{}, error) {
	var payload queue.ComputeIndexPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, kinderr.Wrap(kinderr.KindValidation, "malformed_payload", "index payload does not decode", err)
	}
	date, err := time.ParseInLocation(models.DateFormat, payload.Date, time.UTC)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.KindValidation, "bad_date", "index date does not parse", err)
	}

	row, err := h.engine.ComputeFor(ctx, payload.PropertyID, date)
	if err != nil {
		if Insufficient(err) {
			return map[string]interface{}{
				"property_id": payload.PropertyID,
				"date":        payload.Date,
				"outcome":     "insufficient_data",
			}, nil
		}
		return nil, err
	}
	return row, nil
}

// IndexSweep fans out one compute-index job per property that has a
// competitor graph, for the sweep's own day.
func (h *Handlers) IndexSweep(ctx context.Context, job *queue.Job, report worker.ProgressFunc) (interface{}, error) {
	var payload queue.SweepPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, kinderr.Wrap(kinderr.KindValidation, "malformed_payload", "sweep payload does not decode", err)
	}

	ids, err := h.engine.store.PropertiesWithGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("list graphed properties: %w", err)
	}

	today := h.now().UTC().Format(models.DateFormat)
	enqueued := 0
	for i, propertyID := range ids {
		jobID := fmt.Sprintf("%s-%s-%s", queue.FamilyIndex, propertyID, payload.Bucket)
		_, err := h.enqueuer.Enqueue(ctx, queue.QueueAnalytics, queue.JobComputeIndex,
			queue.ComputeIndexPayload{PropertyID: propertyID, Date: today},
			queue.EnqueueOptions{Priority: queue.PriorityLow, JobID: jobID})
		if err != nil {
			h.logger.Warn("index fan-out enqueue failed",
				zap.String("property_id", propertyID), zap.Error(err))
			continue
		}
		enqueued++
		if report != nil && len(ids) > 0 {
			_ = report(ctx, (i+1)*100/len(ids))
		}
	}
	return map[string]int{"properties": len(ids), "enqueued": enqueued}, nil
}
