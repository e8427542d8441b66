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

package cache

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jennahq/jenna/pkg/models"
)

// TTL policy per entry class.
const (
	// WeatherTodayTTL bounds staleness for same-day weather, which may
	// still be revised upstream. Historical dates never expire.
	WeatherTodayTTL = 24 * time.Hour
	HolidayTTL      = 365 * 24 * time.Hour
	GeocodeTTL      = time.Duration(0) // no expiry
)

// RoundCoord rounds a coordinate to 4 decimal places (~11m), the
// resolution of the weather fingerprint.
func RoundCoord(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// WeatherKey is the content-addressed fingerprint of one (lat, lon, date)
// weather observation.
func WeatherKey(lat, lon float64, date time.Time) string {
	return fmt.Sprintf("weather:%.4f:%.4f:%s", RoundCoord(lat), RoundCoord(lon), date.Format(models.DateFormat))
}

// WeatherTTL returns the expiry for a weather entry: indefinite for
// historical dates, bounded for today and the future.
func WeatherTTL(date, now time.Time) time.Duration {
	today := now.UTC().Truncate(24 * time.Hour)
	if date.UTC().Truncate(24 * time.Hour).Before(today) {
		return 0
	}
	return WeatherTodayTTL
}

// HolidayKey addresses the public-holiday list of a (country, year) pair.
func HolidayKey(countryCode string, year int) string {
	return fmt.Sprintf("holidays:%s:%d", strings.ToUpper(countryCode), year)
}

// GeocodeKey addresses the resolved coordinates of a (city, country) pair.
func GeocodeKey(city, countryCode string) string {
	return fmt.Sprintf("geocode:%s:%s", strings.ToLower(strings.TrimSpace(city)), strings.ToUpper(countryCode))
}
