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

// Package enrich attaches weather, holiday, and temporal features to
// pricing rows. The pipeline is idempotent: a second run with identical
// cache contents changes nothing, and existing non-nil fields are never
// overwritten.
package enrich

// Weather descriptions derived from WMO weather codes.
const (
	WeatherClear        = "Clear"
	WeatherPartlyCloudy = "Partly Cloudy"
	WeatherFoggy        = "Foggy"
	WeatherDrizzle      = "Drizzle"
	WeatherRainy        = "Rainy"
	WeatherSnowy        = "Snowy"
	WeatherThunderstorm = "Thunderstorm"
	WeatherCloudy       = "Cloudy"
)

// DescribeWeatherCode maps a WMO weather code to its description. Codes
// outside the table read as Cloudy.
func DescribeWeatherCode(code int) string {
	switch code {
	case 0:
		return WeatherClear
	case 1, 2, 3:
		return WeatherPartlyCloudy
	case 45, 48:
		return WeatherFoggy
	case 51, 53, 55, 56, 57:
		return WeatherDrizzle
	case 61, 63, 65, 66, 67, 80, 81, 82:
		return WeatherRainy
	case 71, 73, 75, 77, 85, 86:
		return WeatherSnowy
	case 95, 96, 99:
		return WeatherThunderstorm
	default:
		return WeatherCloudy
	}
}

// WeatherSeverity scores a description 0 (best) to 4 (worst).
func WeatherSeverity(description string) int {
	switch description {
	case WeatherClear:
		return 0
	case WeatherPartlyCloudy, WeatherCloudy:
		return 1
	case WeatherDrizzle:
		return 2
	case WeatherFoggy, WeatherRainy:
		return 3
	case WeatherSnowy, WeatherThunderstorm:
		return 4
	default:
		return 1
	}
}
