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

// Package config loads the worker configuration from the environment. A
// local .env file is honored in development; real deployments set the
// variables directly. The loaded struct is validated once and passed
// explicitly to every component, never read from globals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the full configuration of the jenna-worker process.
type Config struct {
	HTTPAddr    string `validate:"required"`
	DatabaseURL string `validate:"required"`
	RedisAddr   string `validate:"required"`
	FrontendURL string

	// Worker pool sizing.
	EnrichmentConcurrency int `validate:"gte=1"`
	CompetitorConcurrency int `validate:"gte=1"`
	AnalyticsConcurrency  int `validate:"gte=1"`

	// Enrichment behavior.
	EnableAutoAnalytics bool
	HolidaysEnabled     bool

	// Upstream endpoints.
	WeatherAPIURL string `validate:"required,url"`
	HolidayAPIURL string `validate:"required,url"`
	GeocodeAPIURL string `validate:"omitempty,url"`
	ScraperAPIURL string `validate:"required,url"`

	// Limits and timeouts.
	MaxRequestsPerMinute int           `validate:"gte=1"`
	JobTimeout           time.Duration `validate:"gt=0"`
	ShutdownGrace        time.Duration `validate:"gt=0"`

	JWTSecret string
	LogLevel  string `validate:"oneof=debug info warn error"`
}

// Load reads configuration from the environment, applying defaults for
// anything unset. Missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:              envOr("HTTP_ADDR", ":8080"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             envOr("REDIS_ADDR", "localhost:6379"),
		FrontendURL:           os.Getenv("FRONTEND_URL"),
		EnrichmentConcurrency: envInt("ENRICHMENT_WORKER_CONCURRENCY", 3),
		CompetitorConcurrency: envInt("COMPETITOR_WORKER_CONCURRENCY", 2),
		AnalyticsConcurrency:  envInt("ANALYTICS_WORKER_CONCURRENCY", 2),
		EnableAutoAnalytics:   os.Getenv("ENABLE_AUTO_ANALYTICS") != "false",
		HolidaysEnabled:       os.Getenv("HOLIDAYS_ENABLED") != "false",
		WeatherAPIURL:         envOr("WEATHER_API_URL", "https://archive-api.open-meteo.com/v1/archive"),
		HolidayAPIURL:         envOr("HOLIDAY_API_URL", "https://date.nager.at/api/v3"),
		GeocodeAPIURL:         envOr("GEOCODE_API_URL", "https://geocoding-api.open-meteo.com/v1/search"),
		ScraperAPIURL:         envOr("SCRAPER_API_URL", "http://localhost:9100"),
		MaxRequestsPerMinute:  envInt("MAX_REQUESTS_PER_MINUTE", 120),
		JobTimeout:            envDuration("JOB_TIMEOUT", 10*time.Minute),
		ShutdownGrace:         envDuration("SHUTDOWN_GRACE", 30*time.Second),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		LogLevel:              envOr("LOG_LEVEL", "info"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
