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
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
	"github.com/jennahq/jenna/pkg/queue"
)

func comp(id string, price float64, star, review float64) models.Competitor {
	return models.Competitor{
		PropertyID:   "p1",
		CompetitorID: id,
		LatestPrice:  decimal.NewFromFloat(price),
		StarRating:   star,
		ReviewScore:  review,
		ScrapedAt:    time.Now(),
	}
}

func TestPercentileInterpolation(t *testing.T) {
	sorted := []decimal.Decimal{
		decimal.NewFromInt(100),
		decimal.NewFromInt(120),
		decimal.NewFromInt(140),
		decimal.NewFromInt(160),
		decimal.NewFromInt(180),
	}
	assert.True(t, Percentile(sorted, decimal.RequireFromString("0.5")).Equal(decimal.NewFromInt(140)))
	assert.True(t, Percentile(sorted, decimal.RequireFromString("0.1")).Equal(decimal.NewFromInt(108)))
	assert.True(t, Percentile(sorted, decimal.RequireFromString("0.9")).Equal(decimal.NewFromInt(172)))
}

func TestPercentileRankTies(t *testing.T) {
	values := []decimal.Decimal{
		decimal.NewFromInt(100),
		decimal.NewFromInt(120),
		decimal.NewFromInt(120),
		decimal.NewFromInt(140),
	}
	rank := PercentileRank(values, decimal.NewFromInt(120))
	assert.True(t, rank.Equal(decimal.NewFromInt(50)), "ties land in the middle, got %s", rank)
}

func TestComputeRequiresThreeCompetitors(t *testing.T) {
	in := Input{PropertyID: "p1", Price: decimal.NewFromInt(120)}
	_, err := Compute(in, []models.Competitor{
		comp("c1", 100, 4, 8),
		comp("c2", 140, 4, 8),
	})
	require.Error(t, err)
	assert.True(t, Insufficient(err))

	// Unpriced competitors do not count toward the minimum.
	_, err = Compute(in, []models.Competitor{
		comp("c1", 100, 4, 8),
		comp("c2", 140, 4, 8),
		comp("c3", 0, 4, 8),
	})
	require.Error(t, err)
	assert.True(t, Insufficient(err))
}

func TestComputeScoresMedianPricedProperty(t *testing.T) {
	competitors := []models.Competitor{
		comp("c1", 100, 3, 7),
		comp("c2", 120, 4, 8),
		comp("c3", 140, 4, 8),
		comp("c4", 160, 5, 9),
	}
	star := 4.0
	review := 8.0
	row, err := Compute(Input{
		PropertyID:  "p1",
		Price:       decimal.NewFromInt(130),
		StarRating:  &star,
		ReviewScore: &review,
	}, competitors)
	require.NoError(t, err)

	assert.Equal(t, 4, row.CompetitorsAnalyzed)
	assert.True(t, row.P50.Equal(decimal.NewFromInt(130)), "p50=%s", row.P50)
	assert.True(t, row.PriceCompetitiveness.Equal(decimal.NewFromInt(100)),
		"median price scores full competitiveness, got %s", row.PriceCompetitiveness)
	assert.Equal(t, models.PositionMidMarket, row.MarketPosition)
	assert.True(t, row.OverallIndex.GreaterThan(decimal.NewFromInt(50)))
	assert.True(t, row.OverallIndex.LessThanOrEqual(decimal.NewFromInt(100)))
	assert.Contains(t, row.Advantages, "price_competitiveness")
}

func TestComputePenalizesPricingAboveP90(t *testing.T) {
	competitors := []models.Competitor{
		comp("c1", 100, 4, 8),
		comp("c2", 110, 4, 8),
		comp("c3", 120, 4, 8),
	}
	expensive, err := Compute(Input{PropertyID: "p1", Price: decimal.NewFromInt(300)}, competitors)
	require.NoError(t, err)
	median, err := Compute(Input{PropertyID: "p1", Price: decimal.NewFromInt(110)}, competitors)
	require.NoError(t, err)

	assert.True(t, expensive.PriceCompetitiveness.LessThan(median.PriceCompetitiveness))
	assert.Equal(t, models.PositionUltraPremium, expensive.MarketPosition)
	assert.Contains(t, expensive.Weaknesses, "price_competitiveness")
}

func TestComputeUnknownRatingsAreNeutral(t *testing.T) {
	competitors := []models.Competitor{
		comp("c1", 100, 4, 8),
		comp("c2", 110, 4, 8),
		comp("c3", 120, 4, 8),
	}
	row, err := Compute(Input{PropertyID: "p1", Price: decimal.NewFromInt(110)}, competitors)
	require.NoError(t, err)
	assert.True(t, row.Value.Equal(decimal.NewFromInt(50)))
	assert.True(t, row.Positioning.Equal(decimal.NewFromInt(50)))
}

type fakeIndexStore struct {
	property    models.Property
	competitors []models.Competitor
	price       decimal.Decimal
	priceErr    error
	rows        map[string]*models.NeighborhoodIndexRow
	graphed     []string
	saved       []*models.NeighborhoodIndexRow
}

func (s *fakeIndexStore) GetProperty(ctx context.Context, propertyID string) (*models.Property, error) {
	p := s.property
	return &p, nil
}

func (s *fakeIndexStore) CompetitorsFor(ctx context.Context, propertyID string) ([]models.Competitor, error) {
	return s.competitors, nil
}

func (s *fakeIndexStore) LatestPriceOn(ctx context.Context, propertyID string, date time.Time) (decimal.Decimal, error) {
	if s.priceErr != nil {
		return decimal.Zero, s.priceErr
	}
	return s.price, nil
}

func (s *fakeIndexStore) GetIndexRow(ctx context.Context, propertyID string, date time.Time) (*models.NeighborhoodIndexRow, error) {
	if row, ok := s.rows[date.Format(models.DateFormat)]; ok {
		return row, nil
	}
	return nil, kinderr.New(kinderr.KindNotFound, "index_row_not_found", "no index row")
}

func (s *fakeIndexStore) SaveIndexRow(ctx context.Context, row *models.NeighborhoodIndexRow) error {
	s.saved = append(s.saved, row)
	return nil
}

func (s *fakeIndexStore) PropertiesWithGraph(ctx context.Context) ([]string, error) {
	return s.graphed, nil
}

func TestEngineAppliesDeltas(t *testing.T) {
	date := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	store := &fakeIndexStore{
		property: models.Property{PropertyID: "p1"},
		competitors: []models.Competitor{
			comp("c1", 100, 4, 8),
			comp("c2", 110, 4, 8),
			comp("c3", 120, 4, 8),
		},
		price: decimal.NewFromInt(110),
		rows: map[string]*models.NeighborhoodIndexRow{
			"2024-06-14": {PropertyID: "p1", OverallIndex: decimal.NewFromInt(60)},
			"2024-05-16": {PropertyID: "p1", OverallIndex: decimal.NewFromInt(80)},
		},
	}
	engine := NewEngine(store, nil)

	row, err := engine.ComputeFor(context.Background(), "p1", date)
	require.NoError(t, err)

	require.NotNil(t, row.Delta1D)
	assert.True(t, row.Delta1D.Equal(row.OverallIndex.Sub(decimal.NewFromInt(60))))
	assert.Nil(t, row.Delta7D, "no prior row 7 days back")
	require.NotNil(t, row.Delta30D)
	require.Len(t, store.saved, 1)
	assert.Equal(t, date, store.saved[0].IndexDate)
}

func TestEngineNoPriceData(t *testing.T) {
	store := &fakeIndexStore{
		property: models.Property{PropertyID: "p1"},
		competitors: []models.Competitor{
			comp("c1", 100, 4, 8),
			comp("c2", 110, 4, 8),
			comp("c3", 120, 4, 8),
		},
		priceErr: kinderr.New(kinderr.KindNotFound, "no_rows", "no pricing rows"),
	}
	engine := NewEngine(store, nil)

	_, err := engine.ComputeFor(context.Background(), "p1", time.Now())
	require.Error(t, err)
	assert.Equal(t, kinderr.KindValidation, kinderr.KindOf(err))
	assert.Empty(t, store.saved)
}

func TestComputeIndexHandlerInsufficientData(t *testing.T) {
	store := &fakeIndexStore{
		property:    models.Property{PropertyID: "p1"},
		competitors: []models.Competitor{comp("c1", 100, 4, 8)},
		price:       decimal.NewFromInt(110),
	}
	h := NewHandlers(NewEngine(store, nil), queue.NewMemory(time.Minute), nil)

	payload, _ := json.Marshal(queue.ComputeIndexPayload{PropertyID: "p1", Date: "2024-06-15"})
	job := &queue.Job{ID: "index-p1-1", JobName: queue.JobComputeIndex, Payload: payload}

	result, err := h.ComputeIndex(context.Background(), job, nil)
	require.NoError(t, err, "insufficient data completes the job")
	out := result.(map[string]interface{})
	assert.Equal(t, "insufficient_data", out["outcome"])
}

func TestIndexSweepFansOut(t *testing.T) {
	store := &fakeIndexStore{graphed: []string{"p1", "p2"}}
	q := queue.NewMemory(time.Minute)
	h := NewHandlers(NewEngine(store, nil), q, nil)
	h.now = func() time.Time { return time.Date(2024, 6, 15, 3, 0, 0, 0, time.UTC) }

	payload, _ := json.Marshal(queue.SweepPayload{Schedule: "neighborhood-index-daily", Bucket: "202406150300"})
	job := &queue.Job{ID: "neighborhood-index-daily:202406150300", JobName: queue.JobIndexSweep, Payload: payload}

	result, err := h.IndexSweep(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"properties": 2, "enqueued": 2}, result)

	fanned, err := q.Get(context.Background(), "index-p1-202406150300")
	require.NoError(t, err)
	assert.JSONEq(t, `{"property_id":"p1","date":"2024-06-15"}`, string(fanned.Payload))

	// A second sweep of the same bucket collapses on the stable ids.
	_, err = h.IndexSweep(context.Background(), job, nil)
	require.NoError(t, err)
	depth, err := q.Depth(context.Background(), queue.QueueAnalytics)
	require.NoError(t, err)
	assert.Equal(t, 2, depth[queue.StateWaiting])
}
