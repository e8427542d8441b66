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
	"database/sql"
	"errors"
	"fmt"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

// GetProperty loads one property or a not_found error.
func (s *Store) GetProperty(ctx context.Context, propertyID string) (*models.Property, error) {
	var p models.Property
	err := s.db.GetContext(ctx, &p, `
		SELECT property_id, user_id, name, latitude, longitude, country_code,
		       star_rating, review_score, enrichment_status, enriched_at,
		       enrichment_error, next_scrape_at
		FROM properties WHERE property_id = $1`, propertyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kinderr.New(kinderr.KindNotFound, "property_not_found",
			fmt.Sprintf("property %s does not exist", propertyID))
	}
	if err != nil {
		return nil, fmt.Errorf("get property %s: %w", propertyID, err)
	}
	return &p, nil
}

// RowsForProperty loads every pricing row of a property in stay-date
// order.
func (s *Store) RowsForProperty(ctx context.Context, propertyID string) ([]models.PricingRow, error) {
	var rows []models.PricingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT row_id, property_id, user_id, stay_date, price, occupancy,
		       temperature, precipitation, weather_code, weather_description,
		       sunshine_hours, day_of_week, month, season, is_weekend,
		       is_holiday, holiday_name
		FROM pricing_rows WHERE property_id = $1
		ORDER BY stay_date`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("rows for property %s: %w", propertyID, err)
	}
	return rows, nil
}

// UpsertEnrichment writes the enrichment block of each row. COALESCE on
// the stored column keeps any value that is already set, so re-running
// enrichment never overwrites prior data.
func (s *Store) UpsertEnrichment(ctx context.Context, rows []models.PricingRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enrichment upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
		UPDATE pricing_rows SET
			temperature         = COALESCE(temperature, :temperature),
			precipitation       = COALESCE(precipitation, :precipitation),
			weather_code        = COALESCE(weather_code, :weather_code),
			weather_description = COALESCE(weather_description, :weather_description),
			sunshine_hours      = COALESCE(sunshine_hours, :sunshine_hours),
			day_of_week         = COALESCE(day_of_week, :day_of_week),
			month               = COALESCE(month, :month),
			season              = COALESCE(season, :season),
			is_weekend          = COALESCE(is_weekend, :is_weekend),
			is_holiday          = COALESCE(is_holiday, :is_holiday),
			holiday_name        = COALESCE(holiday_name, :holiday_name)
		WHERE row_id = :row_id`
	for i := range rows {
		if _, err := tx.NamedExecContext(ctx, q, &rows[i]); err != nil {
			return fmt.Errorf("upsert row %s: %w", rows[i].RowID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enrichment upsert: %w", err)
	}
	return nil
}

// UpdateEnrichmentStatus moves a property through the enrichment state
// machine, stamping enriched_at on completion.
func (s *Store) UpdateEnrichmentStatus(ctx context.Context, propertyID string, status models.EnrichmentStatus, enrichmentError *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE properties SET
			enrichment_status = $2,
			enrichment_error  = $3,
			enriched_at       = CASE WHEN $2 = 'completed' THEN now() ELSE enriched_at END,
			updated_at        = now()
		WHERE property_id = $1`, propertyID, status, enrichmentError)
	if err != nil {
		return fmt.Errorf("update enrichment status of %s: %w", propertyID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return kinderr.New(kinderr.KindNotFound, "property_not_found",
			fmt.Sprintf("property %s does not exist", propertyID))
	}
	return nil
}

// RefreshPropertySummary recomputes a property's aggregate price
// statistics from its current rows.
func (s *Store) RefreshPropertySummary(ctx context.Context, propertyID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO property_summaries
			(property_id, row_count, enriched_rows, avg_price, min_price, max_price, refreshed_at)
		SELECT $1,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE temperature IS NOT NULL),
		       AVG(price), MIN(price), MAX(price),
		       now()
		FROM pricing_rows WHERE property_id = $1
		ON CONFLICT (property_id) DO UPDATE SET
			row_count     = EXCLUDED.row_count,
			enriched_rows = EXCLUDED.enriched_rows,
			avg_price     = EXCLUDED.avg_price,
			min_price     = EXCLUDED.min_price,
			max_price     = EXCLUDED.max_price,
			refreshed_at  = EXCLUDED.refreshed_at`, propertyID)
	if err != nil {
		return fmt.Errorf("refresh summary of %s: %w", propertyID, err)
	}
	return nil
}
