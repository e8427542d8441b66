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

package models

import "time"

// WeatherDay is one day of historical weather for a coordinate pair, as
// returned by the weather upstream and stored in the weather cache.
type WeatherDay struct {
	Date          time.Time `json:"date"`
	Temperature   float64   `json:"temperature"`
	Precipitation float64   `json:"precipitation"`
	WeatherCode   int       `json:"weather_code"`
	SunshineHours float64   `json:"sunshine_hours"`
}

// Holiday is one public holiday of a (country, year) pair.
type Holiday struct {
	Date time.Time `json:"date"`
	Name string    `json:"name"`
}

// GeocodeResult resolves a (city, country) pair to coordinates.
type GeocodeResult struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
}
