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

package auth

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jennahq/jenna/pkg/kinderr"
	"github.com/jennahq/jenna/pkg/models"
)

// Middleware authenticates requests and enforces a per-route scope.
// A usage record is emitted asynchronously for API-key principals.
func (a *Authenticator) Middleware(requiredScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := a.now()
			callerIP := CallerIP(r)

			principal, err := a.Authenticate(r.Context(), ExtractToken(r), callerIP)
			if err != nil {
				a.deny(w, r, nil, start, callerIP, err)
				return
			}
			if err := a.Authorize(principal, requiredScope); err != nil {
				a.deny(w, r, principal, start, callerIP, err)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(WithPrincipal(r.Context(), principal)))

			if principal.KeyID != "" {
				a.RecordUsage(models.UsageRecord{
					KeyID:     principal.KeyID,
					Endpoint:  r.URL.Path,
					Method:    r.Method,
					Status:    sw.status,
					LatencyMS: time.Since(start).Milliseconds(),
					IP:        callerIP,
				})
			}
		})
	}
}

func (a *Authenticator) deny(w http.ResponseWriter, r *http.Request, p *Principal, start time.Time, callerIP string, err error) {
	status := kinderr.HTTPStatus(err)
	writeError(w, status, kinderr.CodeOf(err), err)

	if p != nil && p.KeyID != "" {
		a.RecordUsage(models.UsageRecord{
			KeyID:     p.KeyID,
			Endpoint:  r.URL.Path,
			Method:    r.Method,
			Status:    status,
			LatencyMS: time.Since(start).Milliseconds(),
			IP:        callerIP,
			ErrorType: kinderr.CodeOf(err),
		})
	}
}

// CallerIP resolves the client address, honoring X-Forwarded-For from
// the fronting proxy.
func CallerIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": err.Error(),
	})
}
