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
	"strings"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

// GeocodeClient resolves a city name to coordinates. Competitor scrape
// requests sometimes arrive with a bare location string; geocoding turns
// that into the coordinate form the rest of the system requires.
type GeocodeClient struct {
	c *client
}

// NewGeocodeClient builds a geocoding client.
func NewGeocodeClient(opts Options) *GeocodeClient {
	return &GeocodeClient{c: newClient("geocode", opts)}
}

type geocodeResponse struct {
	Results []struct {
		Latitude    float64 `json:"latitude"`
		Longitude   float64 `json:"longitude"`
		Timezone    string  `json:"timezone"`
		CountryCode string  `json:"country_code"`
	} `json:"results"`
}

// Lookup resolves a (city, country) pair. When the country code is set,
// the first result matching it wins; otherwise the first result wins.
func (g *GeocodeClient) Lookup(ctx context.Context, city, countryCode string) (*models.GeocodeResult, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return nil, kinderr.New(kinderr.KindValidation, "missing_city", "city is required for geocoding")
	}

	q := url.Values{}
	q.Set("name", city)
	q.Set("count", "10")

	var resp geocodeResponse
	if err := g.c.getJSON(ctx, g.c.baseURL+"?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("geocode %q: %w", city, err)
	}
	if len(resp.Results) == 0 {
		return nil, kinderr.New(kinderr.KindNotFound, "location_not_found",
			fmt.Sprintf("no geocoding result for %q", city))
	}

	countryCode = strings.ToUpper(strings.TrimSpace(countryCode))
	for _, r := range resp.Results {
		if countryCode == "" || strings.EqualFold(r.CountryCode, countryCode) {
			return &models.GeocodeResult{
				Latitude:  r.Latitude,
				Longitude: r.Longitude,
				Timezone:  r.Timezone,
			}, nil
		}
	}
	return nil, kinderr.New(kinderr.KindNotFound, "location_not_found",
		fmt.Sprintf("no geocoding result for %q in %s", city, countryCode))
}
