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

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/kinderr"
)

// respond writes the success envelope: {"success": true, ...fields}.
func (s *Server) respond(w http.ResponseWriter, status int, fields map[string]interface{}) {
	body := make(map[string]interface{}, len(fields)+1)
	body["success"] = true
	for k, v := range fields {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

// writeError maps an error to the error envelope. Internal errors are
// logged under a correlation id and never leak their cause.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := kinderr.HTTPStatus(err)
	code := kinderr.CodeOf(err)
	message := err.Error()
	var details interface{}

	if status >= http.StatusInternalServerError {
		correlationID := uuid.NewString()
		s.logger.Error("request failed",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		code = "internal_error"
		message = "an internal error occurred"
		details = map[string]string{"correlation_id": correlationID}
	}

	body := map[string]interface{}{
		"error":   code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
