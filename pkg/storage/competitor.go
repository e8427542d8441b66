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
	"fmt"
	"time"

	"github.com/jennahq/jenna/pkg/models"
)

// CompetitorsFor loads a property's competitor graph, nearest first.
func (s *Store) CompetitorsFor(ctx context.Context, propertyID string) ([]models.Competitor, error) {
	var competitors []models.Competitor
	err := s.db.SelectContext(ctx, &competitors, `
		SELECT property_id, competitor_id, name, distance_km, star_rating,
		       review_score, latest_price, scraped_at
		FROM competitors WHERE property_id = $1
		ORDER BY distance_km`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("competitors for %s: %w", propertyID, err)
	}
	return competitors, nil
}

// ReplaceCompetitors swaps a property's competitor set atomically.
func (s *Store) ReplaceCompetitors(ctx context.Context, propertyID string, competitors []models.Competitor) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin competitor replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM competitors WHERE property_id = $1`, propertyID); err != nil {
		return fmt.Errorf("clear competitors of %s: %w", propertyID, err)
	}
	const q = `
		INSERT INTO competitors
			(property_id, competitor_id, name, distance_km, star_rating,
			 review_score, latest_price, scraped_at)
		VALUES
			(:property_id, :competitor_id, :name, :distance_km, :star_rating,
			 :review_score, :latest_price, :scraped_at)`
	for i := range competitors {
		competitors[i].PropertyID = propertyID
		if _, err := tx.NamedExecContext(ctx, q, &competitors[i]); err != nil {
			return fmt.Errorf("insert competitor %s: %w", competitors[i].CompetitorID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit competitor replace: %w", err)
	}
	return nil
}

// PropertiesDueForScrape lists properties whose refresh time has passed.
func (s *Store) PropertiesDueForScrape(ctx context.Context, now time.Time) ([]models.Property, error) {
	var properties []models.Property
	err := s.db.SelectContext(ctx, &properties, `
		SELECT property_id, user_id, name, latitude, longitude, country_code,
		       star_rating, review_score, enrichment_status, enriched_at,
		       enrichment_error, next_scrape_at
		FROM properties
		WHERE next_scrape_at IS NOT NULL AND next_scrape_at <= $1
		ORDER BY next_scrape_at`, now)
	if err != nil {
		return nil, fmt.Errorf("properties due for scrape: %w", err)
	}
	return properties, nil
}

// PropertiesWithoutGraph lists up to limit geocoded properties that have
// no competitor rows yet.
func (s *Store) PropertiesWithoutGraph(ctx context.Context, limit int) ([]models.Property, error) {
	var properties []models.Property
	err := s.db.SelectContext(ctx, &properties, `
		SELECT p.property_id, p.user_id, p.name, p.latitude, p.longitude,
		       p.country_code, p.star_rating, p.review_score,
		       p.enrichment_status, p.enriched_at, p.enrichment_error,
		       p.next_scrape_at
		FROM properties p
		LEFT JOIN competitors c ON c.property_id = p.property_id
		WHERE p.latitude IS NOT NULL AND p.longitude IS NOT NULL
		GROUP BY p.property_id
		HAVING COUNT(c.competitor_id) = 0
		ORDER BY p.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("properties without graph: %w", err)
	}
	return properties, nil
}

// SetNextScrape records when a property's competitor set goes stale.
func (s *Store) SetNextScrape(ctx context.Context, propertyID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE properties SET next_scrape_at = $2, updated_at = now()
		WHERE property_id = $1`, propertyID, at); err != nil {
		return fmt.Errorf("set next scrape of %s: %w", propertyID, err)
	}
	return nil
}
