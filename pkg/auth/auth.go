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

// Package auth authenticates partner traffic by workspace-scoped API
// keys, with a session-token path for browser clients. Only the SHA-256
// hash of a key is ever stored or compared.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/metrics"
	"github.com/jennahq/jenna/pkg/models"
)

// KeyPrefix distinguishes API keys from session tokens.
const KeyPrefix = "jen_"

// KeyStore looks up API keys and records their usage.
type KeyStore interface {
	// GetKeyByHash returns the key record for a SHA-256 hash, or a
	// not_found error.
	GetKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	RecordUsage(ctx context.Context, rec models.UsageRecord) error
}

// SessionVerifier validates a session token and returns its user id.
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// Principal is the authenticated identity attached to a request context.
type Principal struct {
	KeyID  string
	UserID string
	Role   models.Role
	Scopes []string
	Quotas models.KeyQuotas
	// Session is true for session-token principals, which carry no key
	// quotas.
	Session bool
}

type contextKey struct{}

// FromContext returns the request's principal, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok
}

// WithPrincipal attaches a principal to a context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// HashKey returns the hex SHA-256 of a presented secret.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// HasScope decides scope membership: an exact match, a wildcard on the
// same resource, or the admin wildcard all grant access.
func HasScope(scopes []string, required string) bool {
	resource, _, _ := strings.Cut(required, ":")
	for _, s := range scopes {
		if s == required || s == resource+":*" || s == "admin:*" {
			return true
		}
	}
	return false
}

// Authenticator verifies API keys and, when configured, session tokens.
type Authenticator struct {
	keys     KeyStore
	sessions SessionVerifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New builds the authenticator. sessions may be nil to disable the
// session-token path; metrics may be nil.
func New(keys KeyStore, sessions SessionVerifier, m *metrics.Metrics, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		keys:     keys,
		sessions: sessions,
		logger:   logger.With(zap.String("component", "auth")),
		metrics:  m,
		now:      time.Now,
	}
}

// ExtractToken pulls the presented credential from the request headers:
// Authorization Bearer, bare Authorization, or X-API-Key.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return strings.TrimSpace(h)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// Authenticate resolves a presented token to a principal. Tokens with
// the key prefix take the API-key path; anything else is delegated to
// the session verifier when one is configured.
func (a *Authenticator) Authenticate(ctx context.Context, token, callerIP string) (*Principal, error) {
	if token == "" {
		return nil, a.failure("missing_token", kinderr.KindAuthentication, "invalid_api_key", "no credential presented")
	}

	if !strings.HasPrefix(token, KeyPrefix) {
		if a.sessions == nil {
			return nil, a.failure("unknown_token_form", kinderr.KindAuthentication, "invalid_api_key", "credential is not an API key")
		}
		userID, err := a.sessions.Verify(ctx, token)
		if err != nil {
			return nil, a.failure("invalid_session", kinderr.KindAuthentication, "invalid_session", "session token rejected")
		}
		return &Principal{UserID: userID, Role: models.RoleReadWrite, Session: true}, nil
	}

	key, err := a.keys.GetKeyByHash(ctx, HashKey(token))
	if err != nil {
		if kinderr.KindOf(err) == kinderr.KindNotFound {
			return nil, a.failure("unknown_key", kinderr.KindAuthentication, "invalid_api_key", "API key not recognized")
		}
		return nil, err
	}
	if !key.IsActive {
		return nil, a.failure("inactive_key", kinderr.KindAuthentication, "invalid_api_key", "API key is inactive")
	}
	if key.Expired(a.now()) {
		return nil, a.failure("expired_key", kinderr.KindAuthentication, "invalid_api_key", "API key is expired")
	}
	if !ipAllowed(key.AllowedIPs, callerIP) {
		return nil, a.failure("ip_not_allowed", kinderr.KindAuthorization, "ip_not_allowed", "caller IP is not on the key's allowlist")
	}

	return &Principal{
		KeyID:  key.KeyID,
		UserID: key.UserID,
		Role:   key.Role,
		Scopes: key.Scopes,
		Quotas: key.Quotas,
	}, nil
}

// Authorize checks a principal against a route's required scope. Session
// principals bypass scope checks; their access is bounded by ownership
// in the handlers.
func (a *Authenticator) Authorize(p *Principal, requiredScope string) error {
	if requiredScope == "" || p.Session {
		return nil
	}
	if !HasScope(p.Scopes, requiredScope) {
		return a.failure("insufficient_scope", kinderr.KindAuthorization, "insufficient_scope",
			"API key lacks scope "+requiredScope)
	}
	return nil
}

// RecordUsage emits a usage record without blocking the request path.
func (a *Authenticator) RecordUsage(rec models.UsageRecord) {
	rec.At = a.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.keys.RecordUsage(ctx, rec); err != nil {
			a.logger.Warn("usage record dropped", zap.String("key_id", rec.KeyID), zap.Error(err))
		}
	}()
}

func (a *Authenticator) failure(reason string, kind kinderr.Kind, code, msg string) error {
	if a.metrics != nil {
		a.metrics.AuthFailures.WithLabelValues(reason).Inc()
	}
	return kinderr.New(kind, code, msg)
}

func ipAllowed(allowed []string, callerIP string) bool {
	if len(allowed) == 0 {
		return true
	}
	ip := net.ParseIP(callerIP)
	for _, a := range allowed {
		if a == callerIP {
			return true
		}
		if ip != nil {
			if _, cidr, err := net.ParseCIDR(a); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}
