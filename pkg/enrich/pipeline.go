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

package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jennahq/jenna/pkg/cache"
	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

// Store is the persistence surface the pipeline writes through.
type Store interface {
	GetProperty(ctx context.Context, propertyID string) (*models.Property, error)
	RowsForProperty(ctx context.Context, propertyID string) ([]models.PricingRow, error)
	// UpsertEnrichment persists the enrichment block of each row. The
	// write preserves any column that is already non-null in the store.
	UpsertEnrichment(ctx context.Context, rows []models.PricingRow) error
	UpdateEnrichmentStatus(ctx context.Context, propertyID string, status models.EnrichmentStatus, enrichmentError *string) error
}

// Cache is the slice of the tiered cache the pipeline consumes.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch cache.FetchFunc) ([]byte, error)
}

// WeatherSource fetches historical weather for a coordinate pair over a
// contiguous date range.
type WeatherSource interface {
	Range(ctx context.Context, lat, lon float64, start, end time.Time) ([]models.WeatherDay, error)
}

// HolidaySource fetches the public holidays of a (country, year) pair.
type HolidaySource interface {
	Year(ctx context.Context, countryCode string, year int) ([]models.Holiday, error)
}

// ProgressFunc reports pipeline progress 0..100 upward.
type ProgressFunc func(ctx context.Context, pct int) error

// Result summarizes one enrichment run.
type Result struct {
	PropertyID   string `json:"property_id"`
	RowsEnriched int    `json:"rows_enriched"`
	Warning      string `json:"warning,omitempty"`
}

// Pipeline performs per-property enrichment.
type Pipeline struct {
	store    Store
	cache    Cache
	weather  WeatherSource
	holidays HolidaySource
	logger   *zap.Logger
	flight   singleflight.Group

	// HolidaysEnabled gates the holiday-fetch path.
	HolidaysEnabled bool
}

// NewPipeline wires the enrichment pipeline.
func NewPipeline(store Store, c Cache, weather WeatherSource, holidays HolidaySource, holidaysEnabled bool, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:           store,
		cache:           c,
		weather:         weather,
		holidays:        holidays,
		HolidaysEnabled: holidaysEnabled,
		logger:          logger.With(zap.String("component", "enrichment")),
	}
}

// Run enriches every row of a property. On success the property moves to
// completed; a holiday failure alone degrades to completed with a
// warning, since the weather and temporal features remain usable.
func (p *Pipeline) Run(ctx context.Context, propertyID string, loc models.Location, countryCode string, report ProgressFunc) (*Result, error) {
	log := p.logger.With(zap.String("property_id", propertyID))

	if err := p.store.UpdateEnrichmentStatus(ctx, propertyID, models.EnrichmentProcessing, nil); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}

	result, err := p.run(ctx, propertyID, loc, countryCode, report, log)
	if err != nil {
		msg := err.Error()
		if statusErr := p.store.UpdateEnrichmentStatus(ctx, propertyID, models.EnrichmentFailed, &msg); statusErr != nil {
			log.Error("failed to record enrichment failure", zap.Error(statusErr))
		}
		return nil, err
	}

	if err := p.store.UpdateEnrichmentStatus(ctx, propertyID, models.EnrichmentCompleted, nil); err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	log.Info("enrichment completed",
		zap.Int("rows", result.RowsEnriched),
		zap.String("warning", result.Warning))
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, propertyID string, loc models.Location, countryCode string, report ProgressFunc, log *zap.Logger) (*Result, error) {
	rows, err := p.store.RowsForProperty(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("load rows: %w", err)
	}
	if report != nil {
		_ = report(ctx, 10)
	}
	if len(rows) == 0 {
		return &Result{PropertyID: propertyID}, nil
	}

	weatherByDate, err := p.weatherFor(ctx, loc, rows, report)
	if err != nil {
		return nil, err
	}
	if report != nil {
		_ = report(ctx, 60)
	}

	var warning string
	holidaysByDate := map[string]string{}
	if p.HolidaysEnabled && countryCode != "" {
		holidaysByDate, err = p.holidaysFor(ctx, countryCode, rows)
		if err != nil {
			// Partial success: weather and temporal features stand on
			// their own.
			warning = fmt.Sprintf("holiday enrichment skipped: %v", err)
			log.Warn("holiday fetch failed, continuing without holidays", zap.Error(err))
		}
	}
	if report != nil {
		_ = report(ctx, 80)
	}

	enriched := 0
	for i := range rows {
		if p.enrichRow(&rows[i], weatherByDate, holidaysByDate) {
			enriched++
		}
	}

	if err := p.store.UpsertEnrichment(ctx, rows); err != nil {
		return nil, fmt.Errorf("upsert rows: %w", err)
	}
	if report != nil {
		_ = report(ctx, 95)
	}

	return &Result{PropertyID: propertyID, RowsEnriched: enriched, Warning: warning}, nil
}

// weatherFor resolves per-date weather through the cache. Cache gaps
// collapse into one contiguous range request to the upstream.
func (p *Pipeline) weatherFor(ctx context.Context, loc models.Location, rows []models.PricingRow, report ProgressFunc) (map[string]models.WeatherDay, error) {
	need := map[string]time.Time{}
	for _, row := range rows {
		if row.Temperature == nil {
			need[row.StayDate.Format(models.DateFormat)] = row.StayDate
		}
	}
	if len(need) == 0 {
		return map[string]models.WeatherDay{}, nil
	}

	now := time.Now()
	byDate := make(map[string]models.WeatherDay, len(need))
	var gaps []time.Time
	for dateStr, date := range need {
		data, err := p.cache.Get(ctx, cache.WeatherKey(loc.Latitude, loc.Longitude, date))
		if err == nil && data != nil {
			var day models.WeatherDay
			if err := json.Unmarshal(data, &day); err == nil {
				byDate[dateStr] = day
				continue
			}
		}
		gaps = append(gaps, date)
	}
	if report != nil {
		_ = report(ctx, 30)
	}
	if len(gaps) == 0 {
		return byDate, nil
	}

	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Before(gaps[j]) })
	start, end := gaps[0], gaps[len(gaps)-1]

	// Concurrent runs that computed the same gap share one upstream call.
	rangeKey := fmt.Sprintf("%s|%s",
		cache.WeatherKey(loc.Latitude, loc.Longitude, start),
		end.Format(models.DateFormat))
	v, err, _ := p.flight.Do(rangeKey, func() (interface{}, error) {
		return p.weather.Range(ctx, loc.Latitude, loc.Longitude, start, end)
	})
	if err != nil {
		return nil, fmt.Errorf("weather range %s..%s: %w",
			start.Format(models.DateFormat), end.Format(models.DateFormat), err)
	}
	days := v.([]models.WeatherDay)

	for _, day := range days {
		dateStr := day.Date.Format(models.DateFormat)
		// The contiguous range may span dates no row needs; cache those
		// too, they are already paid for.
		p.cacheWeatherDay(ctx, loc, day, now)
		if _, wanted := need[dateStr]; wanted {
			byDate[dateStr] = day
		}
	}
	return byDate, nil
}

func (p *Pipeline) cacheWeatherDay(ctx context.Context, loc models.Location, day models.WeatherDay, now time.Time) {
	data, err := json.Marshal(day)
	if err != nil {
		return
	}
	key := cache.WeatherKey(loc.Latitude, loc.Longitude, day.Date)
	if err := p.cache.Set(ctx, key, data, cache.WeatherTTL(day.Date, now)); err != nil {
		p.logger.Debug("weather cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// holidaysFor resolves the holiday name per date across every year the
// rows span, one cached upstream call per (country, year).
func (p *Pipeline) holidaysFor(ctx context.Context, countryCode string, rows []models.PricingRow) (map[string]string, error) {
	years := map[int]struct{}{}
	for _, row := range rows {
		years[row.StayDate.Year()] = struct{}{}
	}

	byDate := map[string]string{}
	for year := range years {
		year := year
		data, err := p.cache.GetOrFetch(ctx, cache.HolidayKey(countryCode, year), cache.HolidayTTL,
			func(ctx context.Context) ([]byte, error) {
				holidays, err := p.holidays.Year(ctx, countryCode, year)
				if err != nil {
					return nil, err
				}
				return json.Marshal(holidays)
			})
		if err != nil {
			return nil, fmt.Errorf("holidays %s/%d: %w", countryCode, year, err)
		}
		var holidays []models.Holiday
		if err := json.Unmarshal(data, &holidays); err != nil {
			return nil, kinderr.Wrap(kinderr.KindInternal, "corrupt_holiday_cache",
				fmt.Sprintf("holiday cache entry for %s/%d does not decode", countryCode, year), err)
		}
		for _, h := range holidays {
			byDate[h.Date.Format(models.DateFormat)] = h.Name
		}
	}
	return byDate, nil
}

// enrichRow fills the nil enrichment fields of one row in place and
// reports whether anything changed. Non-nil fields are left untouched.
func (p *Pipeline) enrichRow(row *models.PricingRow, weather map[string]models.WeatherDay, holidays map[string]string) bool {
	changed := false
	dateStr := row.StayDate.Format(models.DateFormat)

	if day, ok := weather[dateStr]; ok {
		if row.Temperature == nil {
			t := day.Temperature
			row.Temperature = &t
			changed = true
		}
		if row.Precipitation == nil {
			v := day.Precipitation
			row.Precipitation = &v
			changed = true
		}
		if row.WeatherCode == nil {
			c := day.WeatherCode
			row.WeatherCode = &c
			changed = true
		}
		if row.WeatherDescription == nil {
			d := DescribeWeatherCode(day.WeatherCode)
			row.WeatherDescription = &d
			changed = true
		}
		if row.SunshineHours == nil {
			s := day.SunshineHours
			row.SunshineHours = &s
			changed = true
		}
	}

	if row.DayOfWeek == nil {
		dow := DayOfWeek(row.StayDate)
		row.DayOfWeek = &dow
		changed = true
	}
	if row.Month == nil {
		m := int(row.StayDate.Month())
		row.Month = &m
		changed = true
	}
	if row.Season == nil {
		s := SeasonOf(row.StayDate)
		row.Season = &s
		changed = true
	}
	if row.IsWeekend == nil {
		w := IsWeekend(DayOfWeek(row.StayDate))
		row.IsWeekend = &w
		changed = true
	}

	if name, isHoliday := holidays[dateStr]; isHoliday {
		if row.IsHoliday == nil {
			v := true
			row.IsHoliday = &v
			changed = true
		}
		if row.HolidayName == nil {
			n := name
			row.HolidayName = &n
			changed = true
		}
	} else if len(holidays) > 0 && row.IsHoliday == nil {
		v := false
		row.IsHoliday = &v
		changed = true
	}

	return changed
}
