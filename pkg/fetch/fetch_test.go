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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

func fastOptions(baseURL string) Options {
	return Options{
		BaseURL:     baseURL,
		Timeout:     2 * time.Second,
		BackoffBase: time.Millisecond,
	}
}

func TestWeatherRangeBatchesOneCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "48.8566", r.URL.Query().Get("latitude"))
		assert.Equal(t, "2024-01-01", r.URL.Query().Get("start_date"))
		assert.Equal(t, "2024-01-03", r.URL.Query().Get("end_date"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"daily":{
			"time":["2024-01-01","2024-01-02","2024-01-03"],
			"temperature_2m_mean":[4.1,5.0,3.2],
			"precipitation_sum":[0.0,2.4,0.1],
			"weather_code":[0,61,3],
			"sunshine_duration":[18000,3600,7200]}}`))
	}))
	defer srv.Close()

	wc := NewWeatherClient(fastOptions(srv.URL))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	days, err := wc.Range(context.Background(), 48.8566, 2.3522, start, end)
	require.NoError(t, err)
	require.Len(t, days, 3)
	assert.Equal(t, int32(1), calls.Load(), "a contiguous range is one upstream call")

	assert.Equal(t, 4.1, days[0].Temperature)
	assert.Equal(t, 61, days[1].WeatherCode)
	assert.Equal(t, 5.0, days[0].SunshineHours, "sunshine seconds convert to hours")
	assert.Equal(t, 2.0, days[2].SunshineHours)
}

func TestWeatherRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"daily":{"time":["2024-01-01"],"temperature_2m_mean":[1.0],"precipitation_sum":[0],"weather_code":[0],"sunshine_duration":[0]}}`))
	}))
	defer srv.Close()

	wc := NewWeatherClient(fastOptions(srv.URL))
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	days, err := wc.Range(context.Background(), 1, 1, day, day)
	require.NoError(t, err)
	assert.Len(t, days, 1)
	assert.Equal(t, int32(3), calls.Load(), "two 502s then success")
}

func TestWeatherPermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wc := NewWeatherClient(fastOptions(srv.URL))
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := wc.Range(context.Background(), 1, 1, day, day)
	require.Error(t, err)
	assert.Equal(t, kinderr.KindPermanentUpstream, kinderr.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWeatherQuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	wc := NewWeatherClient(fastOptions(srv.URL))
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := wc.Range(context.Background(), 1, 1, day, day)
	require.Error(t, err)
	assert.Equal(t, kinderr.KindQuotaExceeded, kinderr.KindOf(err))
}

func TestHolidayYear(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/PublicHolidays/2024/FR", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"date":"2024-01-01","localName":"Jour de l'an","name":"New Year's Day"},
			{"date":"2024-07-14","localName":"Fête nationale","name":"Bastille Day"}]`))
	}))
	defer srv.Close()

	hc := NewHolidayClient(fastOptions(srv.URL))
	holidays, err := hc.Year(context.Background(), "fr", 2024)
	require.NoError(t, err)
	require.Len(t, holidays, 2)
	assert.Equal(t, "New Year's Day", holidays[0].Name)
	assert.Equal(t, time.Date(2024, 7, 14, 0, 0, 0, 0, time.UTC), holidays[1].Date)
}

func TestHolidayRejectsBadCountry(t *testing.T) {
	hc := NewHolidayClient(fastOptions("http://unused.invalid"))
	_, err := hc.Year(context.Background(), "France", 2024)
	require.Error(t, err)
	assert.Equal(t, kinderr.KindValidation, kinderr.KindOf(err))
}

func TestGeocodeLookupPrefersCountryMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Paris", r.URL.Query().Get("name"))
		_, _ = w.Write([]byte(`{"results":[
			{"latitude":33.66,"longitude":-95.55,"timezone":"America/Chicago","country_code":"US"},
			{"latitude":48.8566,"longitude":2.3522,"timezone":"Europe/Paris","country_code":"FR"}]}`))
	}))
	defer srv.Close()

	gc := NewGeocodeClient(fastOptions(srv.URL))
	res, err := gc.Lookup(context.Background(), "Paris", "FR")
	require.NoError(t, err)
	assert.Equal(t, 48.8566, res.Latitude)
	assert.Equal(t, "Europe/Paris", res.Timezone)
}

func TestGeocodeNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	gc := NewGeocodeClient(fastOptions(srv.URL))
	_, err := gc.Lookup(context.Background(), "Nowhereville", "")
	require.Error(t, err)
	assert.Equal(t, kinderr.KindNotFound, kinderr.KindOf(err))
}

func TestSemaphoreBoundsInFlight(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	opts := fastOptions(srv.URL)
	opts.MaxInFlight = 2
	hc := NewHolidayClient(opts)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(year int) {
			defer func() { done <- struct{}{} }()
			_, _ = hc.Year(context.Background(), "FR", year)
		}(2000 + i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.LessOrEqual(t, peak.Load(), int32(2), "no more than MaxInFlight concurrent upstream calls")
}

func TestScraperScrape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/competitors", r.URL.Path)
		assert.Equal(t, "p1", r.URL.Query().Get("property_id"))
		assert.Equal(t, "30", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"competitors":[
			{"id":"c1","name":"Rival One","distance_km":0.4,"star_rating":4.0,"review_score":8.2,"latest_price":"119.00"},
			{"id":"c2","name":"Rival Two","distance_km":1.1,"star_rating":3.5,"review_score":7.9,"latest_price":"95.50"}]}`))
	}))
	defer srv.Close()

	sc := NewScraperClient(fastOptions(srv.URL))
	competitors, err := sc.Scrape(context.Background(), "p1",
		models.Location{Latitude: 48.8566, Longitude: 2.3522}, 30)
	require.NoError(t, err)
	require.Len(t, competitors, 2)
	assert.Equal(t, "p1", competitors[0].PropertyID)
	assert.Equal(t, "c1", competitors[0].CompetitorID)
	assert.True(t, competitors[0].LatestPrice.Equal(decimal.RequireFromString("119.00")))
}

func TestScraperRejectsUnparseablePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"competitors":[{"id":"c1","name":"Rival","latest_price":"not-a-price"}]}`))
	}))
	defer srv.Close()

	sc := NewScraperClient(fastOptions(srv.URL))
	_, err := sc.Scrape(context.Background(), "p1", models.Location{Latitude: 1, Longitude: 1}, 30)
	require.Error(t, err)
	assert.Equal(t, kinderr.KindPermanentUpstream, kinderr.KindOf(err))
}
