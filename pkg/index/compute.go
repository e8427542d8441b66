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

// Package index computes the daily neighborhood competitive index: a
// 0..100 score summarizing a property's standing against its competitor
// graph. Price math is decimal end to end.
package index

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

// MinCompetitors is the smallest group an index can be derived from.
const MinCompetitors = 3

// Component weights of the overall index.
var (
	weightPrice       = decimal.RequireFromString("0.4")
	weightValue       = decimal.RequireFromString("0.3")
	weightPositioning = decimal.RequireFromString("0.3")
)

// ErrInsufficientData reports a competitor group too small to index.
var ErrInsufficientData = kinderr.New(kinderr.KindValidation, "insufficient_data",
	"fewer than 3 competitors with price data")

// Input is the property-side data of one index computation.
type Input struct {
	PropertyID string
	Price      decimal.Decimal
	// StarRating and ReviewScore may be unknown; positioning then
	// defaults to the middle of the group.
	StarRating  *float64
	ReviewScore *float64
}

// Percentile returns the q-th percentile (0..1) of sorted decimal values
// with linear interpolation.
func Percentile(sorted []decimal.Decimal, q decimal.Decimal) decimal.Decimal {
	n := len(sorted)
	if n == 0 {
		return decimal.Zero
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q.Mul(decimal.NewFromInt(int64(n - 1)))
	lo := pos.IntPart()
	frac := pos.Sub(decimal.NewFromInt(lo))
	if int(lo) >= n-1 {
		return sorted[n-1]
	}
	return sorted[lo].Add(sorted[lo+1].Sub(sorted[lo]).Mul(frac))
}

// PercentileRank returns the 0..100 rank of v within values (mean of
// strict and weak rank, so ties land in the middle).
func PercentileRank(values []decimal.Decimal, v decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.NewFromInt(50)
	}
	below, equal := 0, 0
	for _, x := range values {
		switch x.Cmp(v) {
		case -1:
			below++
		case 0:
			equal++
		}
	}
	num := decimal.NewFromInt(int64(2*below + equal))
	den := decimal.NewFromInt(int64(2 * len(values)))
	return num.Div(den).Mul(decimal.NewFromInt(100))
}

func clampScore(v decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(hundred) {
		return hundred
	}
	return v
}

// Compute derives the index row core (no deltas) for a property against
// its competitor group. Competitors without a positive price are
// excluded; fewer than MinCompetitors remaining yields
// ErrInsufficientData.
func Compute(in Input, competitors []models.Competitor) (*models.NeighborhoodIndexRow, error) {
	var priced []models.Competitor
	for _, c := range competitors {
		if c.LatestPrice.IsPositive() {
			priced = append(priced, c)
		}
	}
	if len(priced) < MinCompetitors {
		return nil, ErrInsufficientData
	}

	prices := make([]decimal.Decimal, len(priced))
	for i, c := range priced {
		prices[i] = c.LatestPrice
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })

	p10 := Percentile(prices, decimal.RequireFromString("0.1"))
	p50 := Percentile(prices, decimal.RequireFromString("0.5"))
	p90 := Percentile(prices, decimal.RequireFromString("0.9"))
	pricePercentile := PercentileRank(prices, in.Price)

	priceScore := priceCompetitiveness(in.Price, p50, p90)
	valScore := valueScore(in, priced)
	posScore := positioningScore(in, priced)

	overall := priceScore.Mul(weightPrice).
		Add(valScore.Mul(weightValue)).
		Add(posScore.Mul(weightPositioning)).
		Round(2)

	row := &models.NeighborhoodIndexRow{
		PropertyID:           in.PropertyID,
		OverallIndex:         overall,
		PriceCompetitiveness: priceScore.Round(2),
		Value:                valScore.Round(2),
		Positioning:          posScore.Round(2),
		MarketPosition:       marketPosition(pricePercentile),
		CompetitorsAnalyzed:  len(priced),
		PricePercentile:      pricePercentile.Round(2),
		P10:                  p10.Round(2),
		P50:                  p50.Round(2),
		P90:                  p90.Round(2),
	}
	row.Advantages, row.Weaknesses = quartileTokens(row)
	return row, nil
}

// priceCompetitiveness scores the distance to the group median: 100 at
// the median, falling off with relative distance, halved above p90 where
// the property prices itself out of the neighborhood.
func priceCompetitiveness(price, p50, p90 decimal.Decimal) decimal.Decimal {
	if p50.IsZero() {
		return decimal.NewFromInt(50)
	}
	hundred := decimal.NewFromInt(100)
	distance := price.Sub(p50).Abs().Div(p50).Mul(hundred)
	score := clampScore(hundred.Sub(distance))
	if price.GreaterThan(p90) {
		score = score.Div(decimal.NewFromInt(2))
	}
	return score
}

// valueScore compares the property's price-per-review-point ratio with
// the group mean. At the mean it is 50; twice the value (half the ratio)
// saturates at 100.
func valueScore(in Input, competitors []models.Competitor) decimal.Decimal {
	rating := 0.0
	if in.ReviewScore != nil {
		rating = *in.ReviewScore
	}
	var sum decimal.Decimal
	counted := 0
	for _, c := range competitors {
		if c.ReviewScore > 0 {
			sum = sum.Add(c.LatestPrice.Div(decimal.NewFromFloat(c.ReviewScore)))
			counted++
		}
	}
	if rating <= 0 || counted == 0 {
		return decimal.NewFromInt(50)
	}
	groupMean := sum.Div(decimal.NewFromInt(int64(counted)))
	ours := in.Price.Div(decimal.NewFromFloat(rating))
	if ours.IsZero() {
		return decimal.NewFromInt(50)
	}
	return clampScore(groupMean.Div(ours).Mul(decimal.NewFromInt(50)))
}

// positioningScore is the property's percentile of combined star and
// review quality within the group.
func positioningScore(in Input, competitors []models.Competitor) decimal.Decimal {
	if in.StarRating == nil && in.ReviewScore == nil {
		return decimal.NewFromInt(50)
	}
	combined := func(star, review float64) decimal.Decimal {
		// Stars out of 5 and reviews out of 10, each worth half.
		return decimal.NewFromFloat(star*10 + review*5)
	}
	group := make([]decimal.Decimal, len(competitors))
	for i, c := range competitors {
		group[i] = combined(c.StarRating, c.ReviewScore)
	}
	var star, review float64
	if in.StarRating != nil {
		star = *in.StarRating
	}
	if in.ReviewScore != nil {
		review = *in.ReviewScore
	}
	return PercentileRank(group, combined(star, review))
}

// marketPosition buckets a price percentile.
func marketPosition(pricePercentile decimal.Decimal) models.MarketPosition {
	switch {
	case pricePercentile.LessThan(decimal.NewFromInt(25)):
		return models.PositionBudget
	case pricePercentile.LessThan(decimal.NewFromInt(60)):
		return models.PositionMidMarket
	case pricePercentile.LessThan(decimal.NewFromInt(85)):
		return models.PositionPremium
	default:
		return models.PositionUltraPremium
	}
}

// quartileTokens labels components scoring in the top quartile as
// advantages and the bottom quartile as weaknesses.
func quartileTokens(row *models.NeighborhoodIndexRow) (advantages, weaknesses []string) {
	top := decimal.NewFromInt(75)
	bottom := decimal.NewFromInt(25)
	components := []struct {
		name  string
		score decimal.Decimal
	}{
		{"price_competitiveness", row.PriceCompetitiveness},
		{"value", row.Value},
		{"positioning", row.Positioning},
	}
	for _, c := range components {
		switch {
		case c.score.GreaterThanOrEqual(top):
			advantages = append(advantages, c.name)
		case c.score.LessThanOrEqual(bottom):
			weaknesses = append(weaknesses, c.name)
		}
	}
	return advantages, weaknesses
}
