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
	"strings"
	"time"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

// HolidayClient fetches the public holidays of a (country, year) pair from
// a Nager.Date-style endpoint.
type HolidayClient struct {
	c *client
}

// NewHolidayClient builds a holiday client.
func NewHolidayClient(opts Options) *HolidayClient {
	return &HolidayClient{c: newClient("holidays", opts)}
}

type holidayEntry struct {
	Date      string `json:"date"`
	LocalName string `json:"localName"`
	Name      string `json:"name"`
}

// Year fetches all public holidays for a country and year.
func (h *HolidayClient) Year(ctx context.Context, countryCode string, year int) ([]models.Holiday, error) {
	countryCode = strings.ToUpper(strings.TrimSpace(countryCode))
	if len(countryCode) != 2 {
		return nil, kinderr.New(kinderr.KindValidation, "invalid_country", "country code must be ISO-3166 alpha-2")
	}

	var entries []holidayEntry
	url := fmt.Sprintf("%s/PublicHolidays/%d/%s", h.c.baseURL, year, countryCode)
	if err := h.c.getJSON(ctx, url, &entries); err != nil {
		return nil, fmt.Errorf("holidays %s/%d: %w", countryCode, year, err)
	}

	holidays := make([]models.Holiday, 0, len(entries))
	for _, e := range entries {
		date, err := time.Parse(models.DateFormat, e.Date)
		if err != nil {
			return nil, kinderr.Wrap(kinderr.KindPermanentUpstream, "bad_upstream_payload",
				"holiday entry has unparseable date", err)
		}
		name := e.Name
		if name == "" {
			name = e.LocalName
		}
		holidays = append(holidays, models.Holiday{Date: date, Name: name})
	}
	return holidays, nil
}
