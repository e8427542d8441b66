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

package progress

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/queue"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// AuthFunc verifies the token presented at the WebSocket handshake and
// returns the authenticated user id. Ownership of the job id itself is
// not checked here; only the owner possesses the id.
type AuthFunc func(ctx context.Context, token string) (string, error)

// WSHandler upgrades /ws/jobs/{job_id} connections and streams bus
// events for that job.
type WSHandler struct {
	bus      *Bus
	queue    queue.Queue
	auth     AuthFunc
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWSHandler builds the WebSocket endpoint. frontendURL, when set, is
// the only origin allowed to connect.
func NewWSHandler(bus *Bus, q queue.Queue, auth AuthFunc, frontendURL string, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		bus:   bus,
		queue: q,
		auth:  auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if frontendURL == "" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == frontendURL
			},
		},
		logger: logger.With(zap.String("component", "progress_ws")),
	}
}

// ServeHTTP implements the handshake, initial-state probe, and event
// relay for one subscriber.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		http.Error(w, "job_id required", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Sec-WebSocket-Protocol")
	}
	if _, err := h.auth(r.Context(), token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Subscribe before the probe so no event between probe and
	// subscription is lost.
	sub := h.bus.Subscribe(jobID)
	defer sub.Cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// One-shot current-state probe: a subscriber joining after
	// completion still sees the final status.
	if job, err := h.queue.Get(r.Context(), jobID); err == nil {
		ev := Event{
			JobID:    jobID,
			Type:     EventStatus,
			Status:   string(job.State),
			Progress: job.Progress,
			Error:    job.LastError,
		}
		if job.State == queue.StateCompleted {
			ev.Result = job.ReturnValue
		}
		if err := h.write(conn, ev); err != nil {
			return
		}
	}

	// Reader goroutine: detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				// Dropped for lagging.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber lagging"),
					time.Now().Add(writeWait))
				return
			}
			if err := h.write(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *WSHandler) write(conn *websocket.Conn, ev Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
