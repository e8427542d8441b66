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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

type keyRow struct {
	KeyID          string     `db:"key_id"`
	KeyHash        string     `db:"key_hash"`
	UserID         string     `db:"user_id"`
	Role           string     `db:"role"`
	ScopesJSON     []byte     `db:"scopes"`
	AllowedIPsJSON []byte     `db:"allowed_ips"`
	PerMinute      int        `db:"quota_per_minute"`
	PerHour        int        `db:"quota_per_hour"`
	PerDay         int        `db:"quota_per_day"`
	IsActive       bool       `db:"is_active"`
	ExpiresAt      *time.Time `db:"expires_at"`
}

// GetKeyByHash resolves an API key by the SHA-256 hash of its secret.
func (s *Store) GetKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var r keyRow
	err := s.db.GetContext(ctx, &r, `
		SELECT key_id, key_hash, user_id, role, scopes, allowed_ips,
		       quota_per_minute, quota_per_hour, quota_per_day,
		       is_active, expires_at
		FROM api_keys WHERE key_hash = $1`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kinderr.New(kinderr.KindNotFound, "key_not_found", "no key matches the presented hash")
	}
	if err != nil {
		return nil, fmt.Errorf("get key by hash: %w", err)
	}

	key := &models.APIKey{
		KeyID:    r.KeyID,
		KeyHash:  r.KeyHash,
		UserID:   r.UserID,
		Role:     models.Role(r.Role),
		IsActive: r.IsActive,
		Quotas: models.KeyQuotas{
			PerMinute: r.PerMinute,
			PerHour:   r.PerHour,
			PerDay:    r.PerDay,
		},
		ExpiresAt: r.ExpiresAt,
	}
	if len(r.ScopesJSON) > 0 {
		if err := json.Unmarshal(r.ScopesJSON, &key.Scopes); err != nil {
			return nil, fmt.Errorf("decode scopes of key %s: %w", r.KeyID, err)
		}
	}
	if len(r.AllowedIPsJSON) > 0 {
		if err := json.Unmarshal(r.AllowedIPsJSON, &key.AllowedIPs); err != nil {
			return nil, fmt.Errorf("decode allowlist of key %s: %w", r.KeyID, err)
		}
	}
	return key, nil
}

// RecordUsage appends one usage audit entry.
func (s *Store) RecordUsage(ctx context.Context, rec models.UsageRecord) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO api_key_usage
			(key_id, endpoint, method, status, latency_ms, ip, error_type, at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		rec.KeyID, rec.Endpoint, rec.Method, rec.Status, rec.LatencyMS,
		rec.IP, rec.ErrorType, rec.At); err != nil {
		return fmt.Errorf("record usage for key %s: %w", rec.KeyID, err)
	}
	return nil
}
