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

package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
	"github.com/jennahq/jenna/pkg/queue"
)

var validate = validator.New()

type enrichmentStartRequest struct {
	PropertyID  string          `json:"property_id" validate:"required"`
	Location    models.Location `json:"location" validate:"required"`
	CountryCode string          `json:"country_code,omitempty" validate:"omitempty,len=2"`
}

// handleEnrichmentStart enqueues one enrichment job for a property and
// returns its job id.
func (s *Server) handleEnrichmentStart(w http.ResponseWriter, r *http.Request) {
	var req enrichmentStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, kinderr.Wrap(kinderr.KindValidation, "malformed_body", "request body does not decode", err))
		return
	}
	if err := validate.Struct(&req); err != nil {
		s.writeError(w, kinderr.Wrap(kinderr.KindValidation, "invalid_body", "request body fails validation", err))
		return
	}

	// Mark the property pending. A property known only to the caller is
	// tolerated; enrichment runs from the payload's location.
	if err := s.store.UpdateEnrichmentStatus(r.Context(), req.PropertyID, models.EnrichmentPending, nil); err != nil {
		if kinderr.KindOf(err) != kinderr.KindNotFound {
			s.writeError(w, err)
			return
		}
	}

	jobID, err := s.queue.Enqueue(r.Context(), queue.QueueEnrichment, queue.JobEnrichProperty,
		queue.EnrichPropertyPayload{
			PropertyID:  req.PropertyID,
			Location:    req.Location,
			CountryCode: req.CountryCode,
		},
		queue.EnqueueOptions{
			JobID: queue.NewJobID(queue.FamilyEnrich, req.PropertyID, s.now()),
		})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("enrichment started",
		zap.String("property_id", req.PropertyID),
		zap.String("job_id", jobID))
	s.respond(w, http.StatusAccepted, map[string]interface{}{"job_id": jobID})
}

// jobFamilies are the id prefixes the status endpoint dispatches on.
var jobFamilies = []string{
	queue.FamilyEnrich + "-",
	queue.FamilyCompetitor + "-",
	queue.FamilyAnalytics + "-",
	queue.FamilyIndex + "-",
}

func isJobID(id string) bool {
	for _, fam := range jobFamilies {
		if strings.HasPrefix(id, fam) {
			return true
		}
	}
	return false
}

// handleEnrichmentStatus accepts either a job id or a property id. Job
// ids resolve through the queue; property ids through the stored
// enrichment state.
func (s *Server) handleEnrichmentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if isJobID(id) {
		job, err := s.queue.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		body := map[string]interface{}{
			"job_id":   job.ID,
			"status":   string(job.State),
			"progress": job.Progress,
		}
		if job.LastError != "" {
			body["error"] = job.LastError
		}
		if job.State == queue.StateCompleted && len(job.ReturnValue) > 0 {
			body["result"] = json.RawMessage(job.ReturnValue)
		}
		s.respond(w, http.StatusOK, body)
		return
	}

	prop, err := s.store.GetProperty(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]interface{}{"property_id": prop.PropertyID}
	switch prop.EnrichmentStatus {
	case models.EnrichmentCompleted:
		body["status"] = "complete"
	case models.EnrichmentFailed:
		body["status"] = string(models.EnrichmentFailed)
		if prop.EnrichmentError != nil {
			body["error"] = *prop.EnrichmentError
		}
		body["error_type"] = "enrichment_failed"
	default:
		body["status"] = string(prop.EnrichmentStatus)
	}
	s.respond(w, http.StatusOK, body)
}

func (s *Server) handleIndexLatest(w http.ResponseWriter, r *http.Request) {
	propertyID := chi.URLParam(r, "property_id")
	row, err := s.store.LatestIndexRow(r.Context(), propertyID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"index": row})
}

func (s *Server) handleIndexTrend(w http.ResponseWriter, r *http.Request) {
	propertyID := chi.URLParam(r, "property_id")

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			s.writeError(w, kinderr.New(kinderr.KindValidation, "invalid_days",
				"days must be an integer between 1 and 365"))
			return
		}
		days = n
	}

	rows, err := s.store.IndexTrend(r.Context(), propertyID, days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"days":  days,
		"trend": rows,
	})
}
