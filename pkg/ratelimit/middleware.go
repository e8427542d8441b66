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

package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jennahq/jenna/pkg/auth"
	"github.com/jennahq/jenna/pkg/models"
)

// Middleware enforces the principal's quotas, or a per-minute IP cap for
// requests that carry no API key. Session principals inherit the IP cap
// as well, since they carry no key quotas.
func (l *Limiter) Middleware(ipFallback models.KeyQuotas) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope := "ip:" + auth.CallerIP(r)
			quotas := ipFallback
			if p, ok := auth.FromContext(r.Context()); ok && p.KeyID != "" {
				scope = "key:" + p.KeyID
				quotas = p.Quotas
			}

			d := l.Allow(r.Context(), scope, quotas)
			setWindowHeaders(w, d.Windows)
			if !d.Allowed {
				writeRejection(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setWindowHeaders(w http.ResponseWriter, states []WindowState) {
	for _, s := range states {
		if s.Limit <= 0 {
			continue
		}
		suffix := titleWindow(s.Window)
		w.Header().Set("X-RateLimit-Limit-"+suffix, strconv.Itoa(s.Limit))
		w.Header().Set("X-RateLimit-Remaining-"+suffix, strconv.Itoa(s.Remaining))
		w.Header().Set("X-RateLimit-Reset-"+suffix, strconv.FormatInt(s.Reset.Unix(), 10))
	}
}

func writeRejection(w http.ResponseWriter, d Decision) {
	retrySec := int(d.RetryAfter.Seconds())
	if retrySec < 1 {
		retrySec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retrySec))
	for _, s := range d.Windows {
		if s.Window != d.Violated {
			continue
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.Limit))
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(s.Reset.Unix(), 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "RATE_LIMIT_EXCEEDED",
		"message": fmt.Sprintf("quota exhausted for the %s window, retry in %ds", d.Violated, retrySec),
		"details": map[string]string{"window": string(d.Violated)},
	})
}

func titleWindow(w Window) string {
	s := string(w)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
