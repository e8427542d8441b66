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

package enrich

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

// Enqueuer is the slice of the queue the handlers produce into.
type Enqueuer interface {
	Enqueue(ctx context.Context, q queue.Name, jobName string, payload interface{}, opts queue.EnqueueOptions) (string, error)
}

// SummaryStore recomputes a property's aggregate statistics.
type SummaryStore interface {
	RefreshPropertySummary(ctx context.Context, propertyID string) error
}

// Geocoder resolves a city name to coordinates for properties that were
// created with a bare location string.
type Geocoder interface {
	Lookup(ctx context.Context, city, countryCode string) (*models.GeocodeResult, error)
}

// Handlers binds the enrichment pipeline and the analytics summary to
// the worker registry.
type Handlers struct {
	pipeline *Pipeline
	enqueuer Enqueuer
	summary  SummaryStore
	logger   *zap.Logger

	// AutoAnalytics chains an analytics-summary job after each
	// enrichment that touched at least one row.
	AutoAnalytics bool

	// Geocoder, when set, is the last resort for a property with neither
	// payload nor stored coordinates.
	Geocoder Geocoder
}

// NewHandlers wires the enrichment job handlers.
func NewHandlers(pipeline *Pipeline, enq Enqueuer, summary SummaryStore, autoAnalytics bool, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		pipeline:      pipeline,
		enqueuer:      enq,
		summary:       summary,
		AutoAnalytics: autoAnalytics,
		logger:        logger,
	}
}

// Register installs the handlers on the worker registry.
func (h *Handlers) Register(reg *worker.Registry) {
	reg.Register(queue.JobEnrichProperty, h.EnrichProperty)
	reg.Register(queue.JobAnalyticsSummary, h.AnalyticsSummary)
}

// EnrichProperty handles one enrich-property job.
func (h *Handlers) EnrichProperty(ctx context.Context, job *queue.Job, report worker.ProgressFunc) (interface{}, error) {
	var payload queue.EnrichPropertyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, kinderr.Wrap(kinderr.KindValidation, "malformed_payload", "enrich payload does not decode", err)
	}

	loc, countryCode, err := h.resolveLocation(ctx, &payload)
	if err != nil {
		return nil, err
	}

	result, err := h.pipeline.Run(ctx, payload.PropertyID, loc, countryCode, ProgressFunc(report))
	if err != nil {
		return nil, err
	}

	if h.AutoAnalytics && result.RowsEnriched >= 1 {
		if err := h.chainAnalytics(ctx, payload.PropertyID); err != nil {
			// The enrichment itself succeeded; the chain is best-effort.
			h.logger.Warn("auto-analytics enqueue failed",
				zap.String("property_id", payload.PropertyID),
				zap.Error(err))
		}
	}
	return result, nil
}

// resolveLocation settles the coordinates and country for a run. A
// payload with zero coordinates falls back to the property record.
func (h *Handlers) resolveLocation(ctx context.Context, payload *queue.EnrichPropertyPayload) (models.Location, string, error) {
	loc := payload.Location
	countryCode := payload.CountryCode
	if countryCode == "" {
		countryCode = loc.CountryCode
	}

	if loc.Latitude != 0 || loc.Longitude != 0 {
		return loc, countryCode, nil
	}

	prop, err := h.pipeline.store.GetProperty(ctx, payload.PropertyID)
	if err != nil {
		return loc, "", fmt.Errorf("resolve property location: %w", err)
	}
	if countryCode == "" && prop.CountryCode != nil {
		countryCode = *prop.CountryCode
	}
	if prop.HasCoordinates() {
		loc.Latitude = *prop.Latitude
		loc.Longitude = *prop.Longitude
		return loc, countryCode, nil
	}

	if h.Geocoder != nil && prop.Name != "" {
		geo, err := h.Geocoder.Lookup(ctx, prop.Name, countryCode)
		if err == nil {
			loc.Latitude = geo.Latitude
			loc.Longitude = geo.Longitude
			return loc, countryCode, nil
		}
		h.logger.Warn("geocode fallback failed",
			zap.String("property_id", payload.PropertyID),
			zap.Error(err))
	}
	return loc, "", kinderr.New(kinderr.KindValidation, "missing_coordinates",
		fmt.Sprintf("property %s has no coordinates", payload.PropertyID))
}

func (h *Handlers) chainAnalytics(ctx context.Context, propertyID string) error {
	id, err := h.enqueuer.Enqueue(ctx, queue.QueueAnalytics, queue.JobAnalyticsSummary,
		queue.AnalyticsSummaryPayload{PropertyID: propertyID},
		queue.EnqueueOptions{
			Priority: queue.PriorityLow,
			JobID:    queue.NewJobID(queue.FamilyAnalytics, propertyID, time.Now()),
		})
	if err != nil {
		return err
	}
	h.logger.Debug("chained analytics summary",
		zap.String("property_id", propertyID),
		zap.String("job_id", id))
	return nil
}

// AnalyticsSummary handles one analytics-summary job.
func (h *Handlers) AnalyticsSummary(ctx context.Context, job *queue.Job, report worker.ProgressFunc) (interface{}, error) {
	var payload queue.AnalyticsSummaryPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, kinderr.Wrap(kinderr.KindValidation, "malformed_payload", "analytics payload does not decode", err)
	}
	if err := h.summary.RefreshPropertySummary(ctx, payload.PropertyID); err != nil {
		return nil, fmt.Errorf("refresh summary for %s: %w", payload.PropertyID, err)
	}
	return map[string]string{"property_id": payload.PropertyID}, nil
}
