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

package competitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
	"github.com/jennahq/jenna/pkg/queue"
)

type fakeCompetitorStore struct {
	due        []models.Property
	missing    []models.Property
	replaced   map[string][]models.Competitor
	nextScrape map[string]time.Time
}

func newFakeCompetitorStore() *fakeCompetitorStore {
	return &fakeCompetitorStore{
		replaced:   map[string][]models.Competitor{},
		nextScrape: map[string]time.Time{},
	}
}

func (s *fakeCompetitorStore) PropertiesDueForScrape(ctx context.Context, now time.Time) ([]models.Property, error) {
	return s.due, nil
}

func (s *fakeCompetitorStore) PropertiesWithoutGraph(ctx context.Context, limit int) ([]models.Property, error) {
	if len(s.missing) > limit {
		return s.missing[:limit], nil
	}
	return s.missing, nil
}

func (s *fakeCompetitorStore) ReplaceCompetitors(ctx context.Context, propertyID string, competitors []models.Competitor) error {
	s.replaced[propertyID] = competitors
	return nil
}

func (s *fakeCompetitorStore) SetNextScrape(ctx context.Context, propertyID string, at time.Time) error {
	s.nextScrape[propertyID] = at
	return nil
}

type fakeScraper struct {
	calls   int
	maxSeen int
	fail    error
}

func (f *fakeScraper) Scrape(ctx context.Context, propertyID string, loc models.Location, maxSize int) ([]models.Competitor, error) {
	f.calls++
	f.maxSeen = maxSize
	if f.fail != nil {
		return nil, f.fail
	}
	return []models.Competitor{
		{PropertyID: propertyID, CompetitorID: "c1", LatestPrice: decimal.NewFromInt(100)},
		{PropertyID: propertyID, CompetitorID: "c2", LatestPrice: decimal.NewFromInt(120)},
		{PropertyID: propertyID, CompetitorID: "c3", LatestPrice: decimal.NewFromInt(140)},
	}, nil
}

func coords(lat, lon float64) models.Property {
	return models.Property{PropertyID: "p1", Latitude: &lat, Longitude: &lon}
}

func scrapeJob(t *testing.T, payload interface{}) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: "competitor-p1-1", Payload: raw}
}

func TestScrapeStoresCompetitorsAndReschedules(t *testing.T) {
	store := newFakeCompetitorStore()
	scraper := &fakeScraper{}
	h := NewHandlers(store, scraper, queue.NewMemory(time.Minute), nil)
	base := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }

	job := scrapeJob(t, queue.ScrapeCompetitorsPayload{
		PropertyID: "p1",
		Location:   models.Location{Latitude: 48.8566, Longitude: 2.3522},
	})
	result, err := h.ScrapeCompetitors(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"competitors": 3}, result)

	assert.Len(t, store.replaced["p1"], 3)
	assert.Equal(t, base.Add(24*time.Hour), store.nextScrape["p1"])
	assert.Equal(t, DefaultGraphSize, scraper.maxSeen)
}

func TestScrapeRejectsUngeococodedLocation(t *testing.T) {
	h := NewHandlers(newFakeCompetitorStore(), &fakeScraper{}, queue.NewMemory(time.Minute), nil)

	job := scrapeJob(t, queue.ScrapeCompetitorsPayload{PropertyID: "p1"})
	_, err := h.ScrapeCompetitors(context.Background(), job, nil)
	require.Error(t, err)
	assert.Equal(t, kinderr.KindValidation, kinderr.KindOf(err))
	assert.False(t, kinderr.Retryable(err), "a missing geocode never fixes itself by retrying")
}

func TestBuildGraphHonorsSizeCap(t *testing.T) {
	store := newFakeCompetitorStore()
	scraper := &fakeScraper{}
	h := NewHandlers(store, scraper, queue.NewMemory(time.Minute), nil)

	job := scrapeJob(t, queue.BuildGraphPayload{
		PropertyID: "p1",
		Location:   models.Location{Latitude: 48.8566, Longitude: 2.3522},
		MaxSize:    10,
	})
	_, err := h.BuildGraph(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, scraper.maxSeen)
}

func TestCompetitorSweepFansOutDueProperties(t *testing.T) {
	store := newFakeCompetitorStore()
	p1 := coords(48.8566, 2.3522)
	p2 := coords(51.5074, -0.1278)
	p2.PropertyID = "p2"
	noCoords := models.Property{PropertyID: "p3"}
	store.due = []models.Property{p1, p2, noCoords}

	q := queue.NewMemory(time.Minute)
	h := NewHandlers(store, &fakeScraper{}, q, nil)

	job := scrapeJob(t, queue.SweepPayload{Schedule: "competitor-daily", Bucket: "202406010200"})
	result, err := h.CompetitorSweep(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"due": 3, "enqueued": 2}, result,
		"the property without coordinates is skipped")

	fanned, err := q.Get(context.Background(), "competitor-p1-202406010200")
	require.NoError(t, err)
	assert.Equal(t, queue.JobScrapeCompetitors, fanned.JobName)

	// Re-running the sweep for the same bucket does not duplicate.
	_, err = h.CompetitorSweep(context.Background(), job, nil)
	require.NoError(t, err)
	depth, err := q.Depth(context.Background(), queue.QueueCompetitor)
	require.NoError(t, err)
	assert.Equal(t, 2, depth[queue.StateWaiting])
}

func TestGraphSweepRespectsLimit(t *testing.T) {
	store := newFakeCompetitorStore()
	for i := 0; i < GraphSweepLimit+20; i++ {
		p := coords(48.0, 2.0)
		p.PropertyID = propertyID(i)
		store.missing = append(store.missing, p)
	}

	q := queue.NewMemory(time.Minute)
	h := NewHandlers(store, &fakeScraper{}, q, nil)

	job := scrapeJob(t, queue.SweepPayload{Schedule: "graph-build", Bucket: "202406010400"})
	result, err := h.GraphSweep(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"missing": GraphSweepLimit, "enqueued": GraphSweepLimit}, result)
}

func propertyID(i int) string {
	return string(rune('a'+i%26)) + string(rune('0'+i/26))
}
