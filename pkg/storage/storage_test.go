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

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), nil), mock
}

func propertyColumns() []string {
	return []string{
		"property_id", "user_id", "name", "latitude", "longitude",
		"country_code", "star_rating", "review_score", "enrichment_status",
		"enriched_at", "enrichment_error", "next_scrape_at",
	}
}

func TestGetProperty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT property_id, user_id, name").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(propertyColumns()).
			AddRow("p1", "u1", "Hotel Lutetia", 48.8566, 2.3522, "FR", 4.5, 8.9, "completed", nil, nil, nil))

	p, err := s.GetProperty(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Hotel Lutetia", p.Name)
	assert.Equal(t, models.EnrichmentCompleted, p.EnrichmentStatus)
	require.NotNil(t, p.Latitude)
	assert.InDelta(t, 48.8566, *p.Latitude, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPropertyNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT property_id, user_id, name").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(propertyColumns()))

	_, err := s.GetProperty(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, kinderr.KindNotFound, kinderr.KindOf(err))
	assert.Equal(t, "property_not_found", kinderr.CodeOf(err))
}

func TestUpsertEnrichmentPreservesStoredValues(t *testing.T) {
	s, mock := newMockStore(t)

	temp := 15.5
	rows := []models.PricingRow{
		{RowID: "r1", PropertyID: "p1", Temperature: &temp},
		{RowID: "r2", PropertyID: "p1"},
	}

	mock.ExpectBegin()
	// COALESCE on the stored column keeps already-set values.
	mock.ExpectExec(`UPDATE pricing_rows SET\s+temperature\s+= COALESCE\(temperature`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pricing_rows SET\s+temperature\s+= COALESCE\(temperature`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpsertEnrichment(context.Background(), rows))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEnrichmentEmptyIsNoop(t *testing.T) {
	s, mock := newMockStore(t)
	require.NoError(t, s.UpsertEnrichment(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEnrichmentStatusNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE properties SET").
		WithArgs("missing", models.EnrichmentProcessing, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateEnrichmentStatus(context.Background(), "missing", models.EnrichmentProcessing, nil)
	require.Error(t, err)
	assert.Equal(t, kinderr.KindNotFound, kinderr.KindOf(err))
}

func TestLatestPriceOn(t *testing.T) {
	s, mock := newMockStore(t)
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT price FROM pricing_rows").
		WithArgs("p1", "2024-06-01").
		WillReturnRows(sqlmock.NewRows([]string{"price"}).AddRow("129.50"))

	price, err := s.LatestPriceOn(context.Background(), "p1", date)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("129.50")))

	mock.ExpectQuery("SELECT price FROM pricing_rows").
		WithArgs("p2", "2024-06-01").
		WillReturnRows(sqlmock.NewRows([]string{"price"}))

	_, err = s.LatestPriceOn(context.Background(), "p2", date)
	assert.Equal(t, "price_not_found", kinderr.CodeOf(err))
}

func TestSaveIndexRowUpserts(t *testing.T) {
	s, mock := newMockStore(t)

	delta := decimal.RequireFromString("1.25")
	row := &models.NeighborhoodIndexRow{
		PropertyID:           "p1",
		IndexDate:            time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		OverallIndex:         decimal.RequireFromString("72.40"),
		PriceCompetitiveness: decimal.RequireFromString("88.00"),
		Value:                decimal.RequireFromString("61.00"),
		Positioning:          decimal.RequireFromString("55.00"),
		MarketPosition:       models.PositionMidMarket,
		CompetitorsAnalyzed:  8,
		PricePercentile:      decimal.RequireFromString("42.00"),
		P10:                  decimal.RequireFromString("90.00"),
		P50:                  decimal.RequireFromString("120.00"),
		P90:                  decimal.RequireFromString("180.00"),
		Delta1D:              &delta,
		Advantages:           []string{"price_competitiveness"},
	}

	mock.ExpectExec("INSERT INTO neighborhood_index").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveIndexRow(context.Background(), row))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIndexRowDecodesTokens(t *testing.T) {
	s, mock := newMockStore(t)
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	cols := []string{
		"property_id", "index_date", "overall_index", "price_competitiveness",
		"value", "positioning", "market_position", "competitors_analyzed",
		"price_percentile", "p10", "p50", "p90", "delta_1d", "delta_7d",
		"delta_30d", "advantages", "weaknesses",
	}
	mock.ExpectQuery("FROM neighborhood_index").
		WithArgs("p1", "2024-06-01").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"p1", date, "72.40", "88.00", "61.00", "55.00", "mid-market", 8,
			"42.00", "90.00", "120.00", "180.00", nil, nil, nil,
			[]byte(`["price_competitiveness"]`), []byte(`[]`)))

	row, err := s.GetIndexRow(context.Background(), "p1", date)
	require.NoError(t, err)
	assert.Equal(t, models.PositionMidMarket, row.MarketPosition)
	assert.Equal(t, []string{"price_competitiveness"}, row.Advantages)
	assert.Empty(t, row.Weaknesses)
	assert.Nil(t, row.Delta7D)
}

func TestReplaceCompetitorsIsTransactional(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM competitors").
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO competitors").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.ReplaceCompetitors(context.Background(), "p1", []models.Competitor{
		{CompetitorID: "c1", Name: "Rival", DistanceKM: 0.4,
			LatestPrice: decimal.RequireFromString("99.00"), ScrapedAt: time.Now()},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetKeyByHashDecodesScopes(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{
		"key_id", "key_hash", "user_id", "role", "scopes", "allowed_ips",
		"quota_per_minute", "quota_per_hour", "quota_per_day", "is_active",
		"expires_at",
	}
	mock.ExpectQuery("FROM api_keys WHERE key_hash").
		WithArgs("abc123").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"k1", "abc123", "u1", "read_write",
			[]byte(`["pricing:*","read:reports"]`), []byte(`[]`),
			60, 1000, 10000, true, nil))

	key, err := s.GetKeyByHash(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.RoleReadWrite, key.Role)
	assert.Equal(t, []string{"pricing:*", "read:reports"}, key.Scopes)
	assert.Equal(t, 60, key.Quotas.PerMinute)
	assert.Empty(t, key.AllowedIPs)
}

func TestRecordUsage(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO api_key_usage").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.RecordUsage(context.Background(), models.UsageRecord{
		KeyID: "k1", Endpoint: "/enrichment/start", Method: "POST",
		Status: 200, LatencyMS: 12, IP: "10.0.0.1", At: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPropertiesWithGraph(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT property_id FROM competitors").
		WillReturnRows(sqlmock.NewRows([]string{"property_id"}).
			AddRow("p1").AddRow("p2"))

	ids, err := s.PropertiesWithGraph(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, ids)
}
