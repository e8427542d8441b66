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
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

// ScraperClient talks to the external competitor-scraper service. The
// scraping heuristics live there; this client only requests a property's
// competitor set and normalizes the result.
type ScraperClient struct {
	c *client
}

// NewScraperClient builds a client against the scraper service.
func NewScraperClient(opts Options) *ScraperClient {
	return &ScraperClient{c: newClient("scraper", opts)}
}

type scrapeResponse struct {
	Competitors []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		DistanceKM  float64 `json:"distance_km"`
		StarRating  float64 `json:"star_rating"`
		ReviewScore float64 `json:"review_score"`
		LatestPrice string `json:"latest_price"`
	} `json:"competitors"`
}

// Scrape fetches up to maxSize competitors around a coordinate pair.
func (s *ScraperClient) Scrape(ctx context.Context, propertyID string, loc models.Location, maxSize int) ([]models.Competitor, error) {
	q := url.Values{}
	q.Set("property_id", propertyID)
	q.Set("latitude", fmt.Sprintf("%.4f", loc.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", loc.Longitude))
	q.Set("limit", strconv.Itoa(maxSize))

	var resp scrapeResponse
	if err := s.c.getJSON(ctx, s.c.baseURL+"/competitors?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("scrape competitors of %s: %w", propertyID, err)
	}

	now := time.Now()
	competitors := make([]models.Competitor, 0, len(resp.Competitors))
	for _, c := range resp.Competitors {
		price, err := decimal.NewFromString(c.LatestPrice)
		if err != nil {
			return nil, kinderr.Wrap(kinderr.KindPermanentUpstream, "bad_upstream_payload",
				fmt.Sprintf("competitor %s has unparseable price %q", c.ID, c.LatestPrice), err)
		}
		competitors = append(competitors, models.Competitor{
			PropertyID:   propertyID,
			CompetitorID: c.ID,
			Name:         c.Name,
			DistanceKM:   c.DistanceKM,
			StarRating:   c.StarRating,
			ReviewScore:  c.ReviewScore,
			LatestPrice:  price,
			ScrapedAt:    now,
		})
	}
	return competitors, nil
}
