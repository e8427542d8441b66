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

// Package models holds the shared domain types used across the enrichment
// pipeline, the job queue, and the HTTP surface. These types are the single
// source of truth for the row, property, and competitor schemas; the storage
// layer maps them to Postgres and the queue serializes them as JSON.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateFormat is the calendar-date wire format used for stay dates and
// cache keys.
const DateFormat = "2006-01-02"

// Location is a geographic point with an optional ISO-3166 country code.
type Location struct {
	Latitude    float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64 `json:"longitude" validate:"gte=-180,lte=180"`
	CountryCode string  `json:"country_code,omitempty" validate:"omitempty,len=2"`
}

// PricingRow is one date × property observation. Enrichment fields are
// pointers: nil means "not yet enriched" and the upsert preserves any
// value that is already set.
type PricingRow struct {
	RowID      string          `json:"row_id" db:"row_id"`
	PropertyID string          `json:"property_id" db:"property_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	StayDate   time.Time       `json:"stay_date" db:"stay_date"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Occupancy  *float64        `json:"occupancy,omitempty" db:"occupancy"`

	// Enrichment block. All nullable until the row is enriched.
	Temperature        *float64 `json:"temperature,omitempty" db:"temperature"`
	Precipitation      *float64 `json:"precipitation,omitempty" db:"precipitation"`
	WeatherCode        *int     `json:"weather_code,omitempty" db:"weather_code"`
	WeatherDescription *string  `json:"weather_description,omitempty" db:"weather_description"`
	SunshineHours      *float64 `json:"sunshine_hours,omitempty" db:"sunshine_hours"`
	DayOfWeek          *int     `json:"day_of_week,omitempty" db:"day_of_week"`
	Month              *int     `json:"month,omitempty" db:"month"`
	Season             *string  `json:"season,omitempty" db:"season"`
	IsWeekend          *bool    `json:"is_weekend,omitempty" db:"is_weekend"`
	IsHoliday          *bool    `json:"is_holiday,omitempty" db:"is_holiday"`
	HolidayName        *string  `json:"holiday_name,omitempty" db:"holiday_name"`
}

// Enriched reports whether the row already carries weather enrichment.
func (r *PricingRow) Enriched() bool {
	return r.Temperature != nil
}

// EnrichmentStatus is the property-level enrichment state machine.
type EnrichmentStatus string

const (
	EnrichmentNone       EnrichmentStatus = "none"
	EnrichmentPending    EnrichmentStatus = "pending"
	EnrichmentProcessing EnrichmentStatus = "processing"
	EnrichmentCompleted  EnrichmentStatus = "completed"
	EnrichmentFailed     EnrichmentStatus = "failed"
)

// CanTransition reports whether moving to next is a legal step of the
// enrichment state machine. Failed and completed states may be re-entered
// through pending when the user retries.
func (s EnrichmentStatus) CanTransition(next EnrichmentStatus) bool {
	switch s {
	case EnrichmentNone, EnrichmentCompleted, EnrichmentFailed:
		return next == EnrichmentPending
	case EnrichmentPending:
		return next == EnrichmentProcessing || next == EnrichmentFailed
	case EnrichmentProcessing:
		return next == EnrichmentCompleted || next == EnrichmentFailed
	}
	return false
}

// Property is a hospitality property owned by a single user. The owner is
// immutable after creation.
type Property struct {
	PropertyID       string           `json:"property_id" db:"property_id"`
	UserID           string           `json:"user_id" db:"user_id"`
	Name             string           `json:"name" db:"name"`
	Latitude         *float64         `json:"latitude,omitempty" db:"latitude"`
	Longitude        *float64         `json:"longitude,omitempty" db:"longitude"`
	CountryCode      *string          `json:"country_code,omitempty" db:"country_code"`
	StarRating       *float64         `json:"star_rating,omitempty" db:"star_rating"`
	ReviewScore      *float64         `json:"review_score,omitempty" db:"review_score"`
	EnrichmentStatus EnrichmentStatus `json:"enrichment_status" db:"enrichment_status"`
	EnrichedAt       *time.Time       `json:"enriched_at,omitempty" db:"enriched_at"`
	EnrichmentError  *string          `json:"enrichment_error,omitempty" db:"enrichment_error"`
	NextScrapeAt     *time.Time       `json:"next_scrape_at,omitempty" db:"next_scrape_at"`
}

// HasCoordinates reports whether the property can be enriched or graphed.
func (p *Property) HasCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// Competitor is one edge of a property's competitor graph.
type Competitor struct {
	PropertyID   string          `json:"property_id" db:"property_id"`
	CompetitorID string          `json:"competitor_id" db:"competitor_id"`
	Name         string          `json:"name" db:"name"`
	DistanceKM   float64         `json:"distance_km" db:"distance_km"`
	StarRating   float64         `json:"star_rating" db:"star_rating"`
	ReviewScore  float64         `json:"review_score" db:"review_score"`
	LatestPrice  decimal.Decimal `json:"latest_price" db:"latest_price"`
	ScrapedAt    time.Time       `json:"scraped_at" db:"scraped_at"`
}

// MarketPosition buckets a property by its price percentile within its
// competitor neighborhood.
type MarketPosition string

const (
	PositionBudget       MarketPosition = "budget"
	PositionMidMarket    MarketPosition = "mid-market"
	PositionPremium      MarketPosition = "premium"
	PositionUltraPremium MarketPosition = "ultra-premium"
)

// NeighborhoodIndexRow is one day's competitive standing for a property.
// Scores are 0..100.
type NeighborhoodIndexRow struct {
	PropertyID           string          `json:"property_id" db:"property_id"`
	IndexDate            time.Time       `json:"index_date" db:"index_date"`
	OverallIndex         decimal.Decimal `json:"overall_index" db:"overall_index"`
	PriceCompetitiveness decimal.Decimal `json:"price_competitiveness" db:"price_competitiveness"`
	Value                decimal.Decimal `json:"value" db:"value"`
	Positioning          decimal.Decimal `json:"positioning" db:"positioning"`
	MarketPosition       MarketPosition  `json:"market_position" db:"market_position"`
	CompetitorsAnalyzed  int             `json:"competitors_analyzed" db:"competitors_analyzed"`
	PricePercentile      decimal.Decimal `json:"price_percentile" db:"price_percentile"`
	P10                  decimal.Decimal `json:"p10" db:"p10"`
	P50                  decimal.Decimal `json:"p50" db:"p50"`
	P90                  decimal.Decimal `json:"p90" db:"p90"`
	Delta1D              *decimal.Decimal `json:"delta_1d,omitempty" db:"delta_1d"`
	Delta7D              *decimal.Decimal `json:"delta_7d,omitempty" db:"delta_7d"`
	Delta30D             *decimal.Decimal `json:"delta_30d,omitempty" db:"delta_30d"`
	Advantages           []string         `json:"advantages,omitempty" db:"-"`
	Weaknesses           []string         `json:"weaknesses,omitempty" db:"-"`
}

// Role is the coarse permission tier of an API key.
type Role string

const (
	RoleReadOnly  Role = "read_only"
	RoleReadWrite Role = "read_write"
	RoleAdmin     Role = "admin"
)

// KeyQuotas are the sliding-window request budgets of an API key.
type KeyQuotas struct {
	PerMinute int `json:"per_minute" db:"quota_per_minute"`
	PerHour   int `json:"per_hour" db:"quota_per_hour"`
	PerDay    int `json:"per_day" db:"quota_per_day"`
}

// APIKey is the stored record for a partner key. Only the SHA-256 hash of
// the presented secret is persisted.
type APIKey struct {
	KeyID      string     `json:"key_id" db:"key_id"`
	KeyHash    string     `json:"-" db:"key_hash"`
	UserID     string     `json:"user_id" db:"user_id"`
	Role       Role       `json:"role" db:"role"`
	Scopes     []string   `json:"scopes" db:"-"`
	AllowedIPs []string   `json:"allowed_ips,omitempty" db:"-"`
	Quotas     KeyQuotas  `json:"quotas"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// Expired reports whether the key has an expiry in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// UsageRecord is the asynchronous audit entry emitted per authenticated
// request.
type UsageRecord struct {
	KeyID     string    `json:"key_id" db:"key_id"`
	Endpoint  string    `json:"endpoint" db:"endpoint"`
	Method    string    `json:"method" db:"method"`
	Status    int       `json:"status" db:"status"`
	LatencyMS int64     `json:"latency_ms" db:"latency_ms"`
	IP        string    `json:"ip" db:"ip"`
	ErrorType string    `json:"error_type,omitempty" db:"error_type"`
	At        time.Time `json:"at" db:"at"`
}
