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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jennahq/jenna/pkg/index"
	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

// indexRow mirrors models.NeighborhoodIndexRow with the jsonb token
// columns materialized for scanning.
type indexRow struct {
	models.NeighborhoodIndexRow
	AdvantagesJSON []byte `db:"advantages"`
	WeaknessesJSON []byte `db:"weaknesses"`
}

func (r *indexRow) toModel() (*models.NeighborhoodIndexRow, error) {
	row := r.NeighborhoodIndexRow
	if len(r.AdvantagesJSON) > 0 {
		if err := json.Unmarshal(r.AdvantagesJSON, &row.Advantages); err != nil {
			return nil, fmt.Errorf("decode advantages: %w", err)
		}
	}
	if len(r.WeaknessesJSON) > 0 {
		if err := json.Unmarshal(r.WeaknessesJSON, &row.Weaknesses); err != nil {
			return nil, fmt.Errorf("decode weaknesses: %w", err)
		}
	}
	return &row, nil
}

const indexColumns = `
	property_id, index_date, overall_index, price_competitiveness, value,
	positioning, market_position, competitors_analyzed, price_percentile,
	p10, p50, p90, delta_1d, delta_7d, delta_30d, advantages, weaknesses`

// GetIndexRow loads the index row of one (property, date), or a
// not_found error.
func (s *Store) GetIndexRow(ctx context.Context, propertyID string, date time.Time) (*models.NeighborhoodIndexRow, error) {
	var r indexRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+indexColumns+`
		FROM neighborhood_index
		WHERE property_id = $1 AND index_date = $2`,
		propertyID, date.Format(models.DateFormat))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kinderr.New(kinderr.KindNotFound, "index_not_found",
			fmt.Sprintf("no index row for %s on %s", propertyID, date.Format(models.DateFormat)))
	}
	if err != nil {
		return nil, fmt.Errorf("get index row: %w", err)
	}
	return r.toModel()
}

// LatestIndexRow loads the most recent index row of a property.
func (s *Store) LatestIndexRow(ctx context.Context, propertyID string) (*models.NeighborhoodIndexRow, error) {
	var r indexRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+indexColumns+`
		FROM neighborhood_index
		WHERE property_id = $1
		ORDER BY index_date DESC LIMIT 1`, propertyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kinderr.New(kinderr.KindNotFound, "index_not_found",
			fmt.Sprintf("property %s has no index rows", propertyID))
	}
	if err != nil {
		return nil, fmt.Errorf("latest index row: %w", err)
	}
	return r.toModel()
}

// IndexTrend loads the last days of index rows, oldest first.
func (s *Store) IndexTrend(ctx context.Context, propertyID string, days int) ([]models.NeighborhoodIndexRow, error) {
	var raw []indexRow
	err := s.db.SelectContext(ctx, &raw, `
		SELECT `+indexColumns+`
		FROM neighborhood_index
		WHERE property_id = $1 AND index_date >= $2
		ORDER BY index_date`, propertyID,
		s.now().AddDate(0, 0, -days).Format(models.DateFormat))
	if err != nil {
		return nil, fmt.Errorf("index trend: %w", err)
	}
	rows := make([]models.NeighborhoodIndexRow, 0, len(raw))
	for i := range raw {
		row, err := raw[i].toModel()
		if err != nil {
			return nil, err
		}
		rows = append(rows, *row)
	}
	return rows, nil
}

// SaveIndexRow upserts one day's index row.
func (s *Store) SaveIndexRow(ctx context.Context, row *models.NeighborhoodIndexRow) error {
	advantages, err := json.Marshal(orEmpty(row.Advantages))
	if err != nil {
		return fmt.Errorf("encode advantages: %w", err)
	}
	weaknesses, err := json.Marshal(orEmpty(row.Weaknesses))
	if err != nil {
		return fmt.Errorf("encode weaknesses: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO neighborhood_index (`+indexColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (property_id, index_date) DO UPDATE SET
			overall_index         = EXCLUDED.overall_index,
			price_competitiveness = EXCLUDED.price_competitiveness,
			value                 = EXCLUDED.value,
			positioning           = EXCLUDED.positioning,
			market_position       = EXCLUDED.market_position,
			competitors_analyzed  = EXCLUDED.competitors_analyzed,
			price_percentile      = EXCLUDED.price_percentile,
			p10 = EXCLUDED.p10, p50 = EXCLUDED.p50, p90 = EXCLUDED.p90,
			delta_1d  = EXCLUDED.delta_1d,
			delta_7d  = EXCLUDED.delta_7d,
			delta_30d = EXCLUDED.delta_30d,
			advantages = EXCLUDED.advantages,
			weaknesses = EXCLUDED.weaknesses`,
		row.PropertyID, row.IndexDate.Format(models.DateFormat),
		row.OverallIndex, row.PriceCompetitiveness, row.Value, row.Positioning,
		row.MarketPosition, row.CompetitorsAnalyzed, row.PricePercentile,
		row.P10, row.P50, row.P90,
		decimalPtr(row.Delta1D), decimalPtr(row.Delta7D), decimalPtr(row.Delta30D),
		advantages, weaknesses)
	if err != nil {
		return fmt.Errorf("save index row: %w", err)
	}
	return nil
}

// PropertiesWithGraph lists property ids whose competitor group is large
// enough to index.
func (s *Store) PropertiesWithGraph(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT property_id FROM competitors
		GROUP BY property_id
		HAVING COUNT(*) >= $1
		ORDER BY property_id`, index.MinCompetitors)
	if err != nil {
		return nil, fmt.Errorf("properties with graph: %w", err)
	}
	return ids, nil
}

// LatestPriceOn returns the property's most recent price at or before the
// date, or a not_found error.
func (s *Store) LatestPriceOn(ctx context.Context, propertyID string, date time.Time) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := s.db.GetContext(ctx, &price, `
		SELECT price FROM pricing_rows
		WHERE property_id = $1 AND stay_date <= $2
		ORDER BY stay_date DESC LIMIT 1`,
		propertyID, date.Format(models.DateFormat))
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, kinderr.New(kinderr.KindNotFound, "price_not_found",
			fmt.Sprintf("property %s has no price at or before %s", propertyID, date.Format(models.DateFormat)))
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("latest price: %w", err)
	}
	return price, nil
}

func orEmpty(tokens []string) []string {
	if tokens == nil {
		return []string{}
	}
	return tokens
}

func decimalPtr(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return *d
}
