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

package fetch

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

// WeatherClient fetches historical daily weather for a coordinate pair.
// One call covers a contiguous date range; the pipeline batches gaps into
// ranges rather than fetching day by day.
type WeatherClient struct {
	c *client
}

// NewWeatherClient builds a weather client against an Open-Meteo-style
// archive endpoint.
func NewWeatherClient(opts Options) *WeatherClient {
	return &WeatherClient{c: newClient("weather", opts)}
}

// archiveResponse mirrors the upstream daily-aggregate payload.
type archiveResponse struct {
	Daily struct {
		Time             []string  `json:"time"`
		Temperature2mMean []float64 `json:"temperature_2m_mean"`
		PrecipitationSum []float64 `json:"precipitation_sum"`
		WeatherCode      []int     `json:"weather_code"`
		SunshineDuration []float64 `json:"sunshine_duration"` // seconds
	} `json:"daily"`
}

// Range fetches one day-per-entry weather for [start, end] inclusive.
func (w *WeatherClient) Range(ctx context.Context, lat, lon float64, start, end time.Time) ([]models.WeatherDay, error) {
	if end.Before(start) {
		return nil, kinderr.New(kinderr.KindValidation, "invalid_range", "end date before start date")
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", lat))
	q.Set("longitude", fmt.Sprintf("%.4f", lon))
	q.Set("start_date", start.Format(models.DateFormat))
	q.Set("end_date", end.Format(models.DateFormat))
	q.Set("daily", "temperature_2m_mean,precipitation_sum,weather_code,sunshine_duration")
	q.Set("timezone", "UTC")

	var resp archiveResponse
	if err := w.c.getJSON(ctx, w.c.baseURL+"?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("weather range %s..%s: %w",
			start.Format(models.DateFormat), end.Format(models.DateFormat), err)
	}

	days := make([]models.WeatherDay, 0, len(resp.Daily.Time))
	for i, ts := range resp.Daily.Time {
		date, err := time.Parse(models.DateFormat, ts)
		if err != nil {
			return nil, kinderr.Wrap(kinderr.KindPermanentUpstream, "bad_upstream_payload",
				"weather day has unparseable date", err)
		}
		day := models.WeatherDay{Date: date}
		if i < len(resp.Daily.Temperature2mMean) {
			day.Temperature = resp.Daily.Temperature2mMean[i]
		}
		if i < len(resp.Daily.PrecipitationSum) {
			day.Precipitation = resp.Daily.PrecipitationSum[i]
		}
		if i < len(resp.Daily.WeatherCode) {
			day.WeatherCode = resp.Daily.WeatherCode[i]
		}
		if i < len(resp.Daily.SunshineDuration) {
			day.SunshineHours = resp.Daily.SunshineDuration[i] / 3600
		}
		days = append(days, day)
	}
	return days, nil
}
