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
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

// Job names per queue. Each queue has a finite set; unknown names are
// rejected at enqueue, never at dispatch.
const (
	JobEnrichProperty    = "enrich-property"    // queue: enrichment
	JobScrapeCompetitors = "scrape-competitors" // queue: competitor
	JobBuildGraph        = "build-graph"        // queue: competitor
	JobAnalyticsSummary  = "analytics-summary"  // queue: analytics
	JobComputeIndex      = "compute-index"      // queue: analytics

	// Sweep jobs are the cron instances. Their handlers scan the property
	// table and fan out per-property jobs.
	JobCompetitorSweep = "competitor-sweep" // queue: competitor
	JobGraphSweep      = "graph-sweep"      // queue: competitor
	JobIndexSweep      = "index-sweep"      // queue: analytics
)

// Job id family prefixes (§ wire convention: <family>-<entity>-<millis>).
const (
	FamilyEnrich     = "enrich"
	FamilyCompetitor = "competitor"
	FamilyAnalytics  = "analytics"
	FamilyIndex      = "index"
)

// EnrichPropertyPayload drives one enrichment run.
type EnrichPropertyPayload struct {
	PropertyID  string          `json:"property_id" validate:"required"`
	Location    models.Location `json:"location" validate:"required"`
	CountryCode string          `json:"country_code,omitempty" validate:"omitempty,len=2"`
}

// ScrapeCompetitorsPayload asks the external scraper to refresh a
// property's competitor set. Location must be the coordinate form; a bare
// string location is a required-input error until geocoding resolves it.
type ScrapeCompetitorsPayload struct {
	PropertyID string          `json:"property_id" validate:"required"`
	Location   models.Location `json:"location" validate:"required"`
}

// BuildGraphPayload builds the competitor graph of a property that lacks
// one.
type BuildGraphPayload struct {
	PropertyID string          `json:"property_id" validate:"required"`
	Location   models.Location `json:"location" validate:"required"`
	MaxSize    int             `json:"max_size,omitempty" validate:"omitempty,gte=1,lte=100"`
}

// AnalyticsSummaryPayload recomputes a property's summary statistics after
// enrichment.
type AnalyticsSummaryPayload struct {
	PropertyID string `json:"property_id" validate:"required"`
}

// ComputeIndexPayload computes the neighborhood index of a property for
// one date (wire format 2006-01-02).
type ComputeIndexPayload struct {
	PropertyID string `json:"property_id" validate:"required"`
	Date       string `json:"date" validate:"required,datetime=2006-01-02"`
}

// SweepPayload marks one cron instance. Bucket is the due minute in
// 200601021504 form; it makes retried instances of the same minute
// collapse.
type SweepPayload struct {
	Schedule string `json:"schedule" validate:"required"`
	Bucket   string `json:"bucket" validate:"required,len=12,numeric"`
}

var validate = validator.New()

// jobNameQueues maps each job name to its home queue and a factory for
// its payload type.
var jobNameQueues = map[string]struct {
	queue   Name
	newload func() interface{}
}{
	JobEnrichProperty:    {QueueEnrichment, func() interface{} { return &EnrichPropertyPayload{} }},
	JobScrapeCompetitors: {QueueCompetitor, func() interface{} { return &ScrapeCompetitorsPayload{} }},
	JobBuildGraph:        {QueueCompetitor, func() interface{} { return &BuildGraphPayload{} }},
	JobAnalyticsSummary:  {QueueAnalytics, func() interface{} { return &AnalyticsSummaryPayload{} }},
	JobComputeIndex:      {QueueAnalytics, func() interface{} { return &ComputeIndexPayload{} }},
	JobCompetitorSweep:   {QueueCompetitor, func() interface{} { return &SweepPayload{} }},
	JobGraphSweep:        {QueueCompetitor, func() interface{} { return &SweepPayload{} }},
	JobIndexSweep:        {QueueAnalytics, func() interface{} { return &SweepPayload{} }},
}

// ValidatePayload checks (queue, jobName, payload) at enqueue time and
// returns the canonical JSON encoding of the payload.
func ValidatePayload(queue Name, jobName string, payload interface{}) (json.RawMessage, error) {
	if !queue.Known() {
		return nil, kinderr.New(kinderr.KindValidation, "unknown_queue",
			fmt.Sprintf("unknown queue %q", queue))
	}
	spec, ok := jobNameQueues[jobName]
	if !ok {
		return nil, kinderr.New(kinderr.KindValidation, "unknown_job_name",
			fmt.Sprintf("unknown job name %q", jobName))
	}
	if spec.queue != queue {
		return nil, kinderr.New(kinderr.KindValidation, "job_queue_mismatch",
			fmt.Sprintf("job %q belongs to queue %q, not %q", jobName, spec.queue, queue))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.KindValidation, "unencodable_payload", "payload does not encode", err)
	}

	// Round-trip through the canonical type so the tagged-variant shape
	// is enforced regardless of what the caller passed.
	typed := spec.newload()
	if err := json.Unmarshal(raw, typed); err != nil {
		return nil, kinderr.Wrap(kinderr.KindValidation, "malformed_payload",
			fmt.Sprintf("payload does not match %q schema", jobName), err)
	}
	if err := validate.Struct(typed); err != nil {
		return nil, kinderr.Wrap(kinderr.KindValidation, "invalid_payload",
			fmt.Sprintf("payload fails %q validation", jobName), err)
	}
	return raw, nil
}
