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

// Package competitor keeps each property's competitor graph fresh. The
// scraping itself is an external collaborator behind the Scraper
// interface; this package owns the job handlers that call it, persist
// its results, and schedule the next refresh.
package competitor

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

// DefaultGraphSize caps how many competitors a graph holds.
const DefaultGraphSize = 30

// GraphSweepLimit bounds how many missing graphs one nightly sweep
// builds.
const GraphSweepLimit = 100

// scrapeInterval is how long a fresh scrape stays valid.
const scrapeInterval = 24 * time.Hour

// Scraper is the external competitor-scraping collaborator.
type Scraper interface {
	Scrape(ctx context.Context, propertyID string, loc models.Location, maxSize int) ([]models.Competitor, error)
}

// Store is the persistence surface of the competitor handlers.
type Store interface {
	// PropertiesDueForScrape lists properties whose next scrape time is
	// at or before now.
	PropertiesDueForScrape(ctx context.Context, now time.Time) ([]models.Property, error)
	// PropertiesWithoutGraph lists up to limit properties that have
	// coordinates but no competitor graph.
	PropertiesWithoutGraph(ctx context.Context, limit int) ([]models.Property, error)
	ReplaceCompetitors(ctx context.Context, propertyID string, competitors []models.Competitor) error
	SetNextScrape(ctx context.Context, propertyID string, at time.Time) error
}

// Enqueuer is the slice of the queue the sweeps fan out through.
type Enqueuer interface {
	Enqueue(ctx context.Context, q queue.Name, jobName string, payload interface{}, opts queue.EnqueueOptions) (string, error)
}

// Handlers binds the competitor jobs to the worker registry.
type Handlers struct {
	store    Store
	scraper  Scraper
	enqueuer Enqueuer
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandlers wires the competitor job handlers.
func NewHandlers(store Store, scraper Scraper, enq Enqueuer, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{store: store, scraper: scraper, enqueuer: enq, logger: logger, now: time.Now}
}

// Register installs the handlers on the worker registry.
func (h *Handlers) Register(reg *worker.Registry) {
	reg.Register(queue.JobScrapeCompetitors, h.ScrapeCompetitors)
	reg.Register(queue.JobBuildGraph, h.BuildGraph)
	reg.Register(queue.JobCompetitorSweep, h.CompetitorSweep)
	reg.Register(queue.JobGraphSweep, h.GraphSweep)
}

// ScrapeCompetitors refreshes one property's competitor set and pushes
// the next scrape out by a day.
func (h *Handlers) ScrapeCompetitors(ctx context.Context, job *queue.Job, report worker.ProgressFunc) (interface{}, error) {
	var payload queue.ScrapeCompetitorsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, kinderr.Wrap(kinderr.KindValidation, "malformed_payload", "scrape payload does not decode", err)
	}
	if err := requireCoordinates(payload.Location); err != nil {
		return nil, err
	}

	competitors, err := h.scraper.Scrape(ctx, payload.PropertyID, payload.Location, DefaultGraphSize)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", payload.PropertyID, err)
	}
	if report != nil {
		_ = report(ctx, 70)
	}

	if err := h.store.ReplaceCompetitors(ctx, payload.PropertyID, competitors); err != nil {
		return nil, fmt.Errorf("store competitors: %w", err)
	}
	if err := h.store.SetNextScrape(ctx, payload.PropertyID, h.now().Add(scrapeInterval)); err != nil {
		return nil, fmt.Errorf("set next scrape: %w", err)
	}
	return map[string]int{"competitors": len(competitors)}, nil
}

// BuildGraph builds the initial competitor graph for a property that
// lacks one. It is a scrape with an explicit size cap.
func (h *Handlers) BuildGraph(ctx context.Context, job *queue.Job, report worker.ProgressFunc) (interface{}, error) {
	var payload queue.BuildGraphPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, kinderr.Wrap(kinderr.KindValidation, "malformed_payload", "graph payload does not decode", err)
	}
	if err := requireCoordinates(payload.Location); err != nil {
		return nil, err
	}
	maxSize := payload.MaxSize
	if maxSize == 0 {
		maxSize = DefaultGraphSize
	}

	competitors, err := h.scraper.Scrape(ctx, payload.PropertyID, payload.Location, maxSize)
	if err != nil {
		return nil, fmt.Errorf("build graph for %s: %w", payload.PropertyID, err)
	}
	if err := h.store.ReplaceCompetitors(ctx, payload.PropertyID, competitors); err != nil {
		return nil, fmt.Errorf("store graph: %w", err)
	}
	if err := h.store.SetNextScrape(ctx, payload.PropertyID, h.now().Add(scrapeInterval)); err != nil {
		return nil, fmt.Errorf("set next scrape: %w", err)
	}
	return map[string]int{"competitors": len(competitors)}, nil
}

// CompetitorSweep fans out one scrape job per property due for refresh.
func (h *Handlers) CompetitorSweep(ctx context.Context, job *queue.Job, report worker.ProgressFunc) (interface{}, error) {
	var payload queue.SweepPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, kinderr.Wrap(kinderr.KindValidation, "malformed_payload", "sweep payload does not decode", err)
	}

	due, err := h.store.PropertiesDueForScrape(ctx, h.now())
	if err != nil {
		return nil, fmt.Errorf("list due properties: %w", err)
	}

	enqueued := h.fanOut(ctx, due, queue.JobScrapeCompetitors, payload.Bucket, func(p models.Property) interface{} {
		return queue.ScrapeCompetitorsPayload{
			PropertyID: p.PropertyID,
			Location:   models.Location{Latitude: *p.Latitude, Longitude: *p.Longitude},
		}
	})
	return map[string]int{"due": len(due), "enqueued": enqueued}, nil
}

// GraphSweep fans out build jobs for up to GraphSweepLimit properties
// lacking a graph.
func (h *Handlers) GraphSweep(ctx context.Context, job *queue.Job, report worker.ProgressFunc) (interface{}, error) {
	var payload queue.SweepPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, kinderr.Wrap(kinderr.KindValidation, "malformed_payload", "sweep payload does not decode", err)
	}

	missing, err := h.store.PropertiesWithoutGraph(ctx, GraphSweepLimit)
	if err != nil {
		return nil, fmt.Errorf("list graphless properties: %w", err)
	}

	enqueued := h.fanOut(ctx, missing, queue.JobBuildGraph, payload.Bucket, func(p models.Property) interface{} {
		return queue.BuildGraphPayload{
			PropertyID: p.PropertyID,
			Location:   models.Location{Latitude: *p.Latitude, Longitude: *p.Longitude},
			MaxSize:    DefaultGraphSize,
		}
	})
	return map[string]int{"missing": len(missing), "enqueued": enqueued}, nil
}

func (h *Handlers) fanOut(ctx context.Context, properties []models.Property, jobName, bucket string, build func(models.Property) interface{}) int {
	enqueued := 0
	for _, p := range properties {
		if !p.HasCoordinates() {
			h.logger.Debug("skipping property without coordinates",
				zap.String("property_id", p.PropertyID))
			continue
		}
		jobID := fmt.Sprintf("%s-%s-%s", queue.FamilyCompetitor, p.PropertyID, bucket)
		if _, err := h.enqueuer.Enqueue(ctx, queue.QueueCompetitor, jobName, build(p), queue.EnqueueOptions{
			Priority: queue.PriorityLow,
			JobID:    jobID,
		}); err != nil {
			h.logger.Warn("competitor fan-out enqueue failed",
				zap.String("property_id", p.PropertyID), zap.Error(err))
			continue
		}
		enqueued++
	}
	return enqueued
}

// requireCoordinates rejects the string-location form: scrape targets
// must be geocoded before they reach the queue.
func requireCoordinates(loc models.Location) error {
	if loc.Latitude == 0 && loc.Longitude == 0 {
		return kinderr.New(kinderr.KindValidation, "location_not_geocoded",
			"scrape location must be coordinates; geocode string locations first")
	}
	return nil
}
