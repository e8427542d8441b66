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
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

// Store is the persistence surface of the index engine.
type Store interface {
	GetProperty(ctx context.Context, propertyID string) (*models.Property, error)
	CompetitorsFor(ctx context.Context, propertyID string) ([]models.Competitor, error)
	// LatestPriceOn returns the property's most recent price at or before
	// the date, or a not_found error.
	LatestPriceOn(ctx context.Context, propertyID string, date time.Time) (decimal.Decimal, error)
	GetIndexRow(ctx context.Context, propertyID string, date time.Time) (*models.NeighborhoodIndexRow, error)
	SaveIndexRow(ctx context.Context, row *models.NeighborhoodIndexRow) error
	// PropertiesWithGraph lists property ids that have at least
	// MinCompetitors competitors.
	PropertiesWithGraph(ctx context.Context) ([]string, error)
}

// Engine computes and persists daily neighborhood index rows.
type Engine struct {
	store  Store
	logger *zap.Logger
}

// NewEngine builds the index engine.
func NewEngine(store Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger.With(zap.String("component", "neighborhood_index"))}
}

// ComputeFor derives and stores the index row of a property for a date.
// A group below MinCompetitors returns ErrInsufficientData and stores
// nothing.
func (e *Engine) ComputeFor(ctx context.Context, propertyID string, date time.Time) (*models.NeighborhoodIndexRow, error) {
	competitors, err := e.store.CompetitorsFor(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("load competitors: %w", err)
	}

	price, err := e.store.LatestPriceOn(ctx, propertyID, date)
	if err != nil {
		if kinderr.KindOf(err) == kinderr.KindNotFound {
			return nil, kinderr.New(kinderr.KindValidation, "no_price_data",
				fmt.Sprintf("property %s has no price at or before %s", propertyID, date.Format(models.DateFormat)))
		}
		return nil, fmt.Errorf("load price: %w", err)
	}

	prop, err := e.store.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("load property: %w", err)
	}

	row, err := Compute(Input{
		PropertyID:  propertyID,
		Price:       price,
		StarRating:  prop.StarRating,
		ReviewScore: prop.ReviewScore,
	}, competitors)
	if err != nil {
		return nil, err
	}
	row.IndexDate = date

	e.applyDeltas(ctx, row, date)

	if err := e.store.SaveIndexRow(ctx, row); err != nil {
		return nil, fmt.Errorf("save index row: %w", err)
	}
	e.logger.Debug("index row stored",
		zap.String("property_id", propertyID),
		zap.String("date", date.Format(models.DateFormat)),
		zap.String("overall", row.OverallIndex.String()))
	return row, nil
}

// applyDeltas fills Δ1d/Δ7d/Δ30d from prior stored rows. A missing prior
// row leaves the delta nil.
func (e *Engine) applyDeltas(ctx context.Context, row *models.NeighborhoodIndexRow, date time.Time) {
	for _, d := range []struct {
		days int
		dst  **decimal.Decimal
	}{
		{1, &row.Delta1D},
		{7, &row.Delta7D},
		{30, &row.Delta30D},
	} {
		prior, err := e.store.GetIndexRow(ctx, row.PropertyID, date.AddDate(0, 0, -d.days))
		if err != nil {
			if kinderr.KindOf(err) != kinderr.KindNotFound {
				e.logger.Warn("prior index lookup failed",
					zap.String("property_id", row.PropertyID),
					zap.Int("days", d.days),
					zap.Error(err))
			}
			continue
		}
		delta := row.OverallIndex.Sub(prior.OverallIndex).Round(2)
		*d.dst = &delta
	}
}

// Insufficient reports whether an error is the insufficient-data outcome.
func Insufficient(err error) bool {
	return errors.Is(err, ErrInsufficientData) ||
		kinderr.CodeOf(err) == "insufficient_data"
}
