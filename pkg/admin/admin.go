// Copyright 2023 The seathub-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin provides the REST API for broker operations: stats,
// connection listing and disconnection, channel inspection, and
// server-originated broadcasts. Every endpoint except the health probe
// requires an operator account over HTTP basic auth.
package admin

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/turtacn/seathub-go/pkg/auth"
	"github.com/turtacn/seathub-go/pkg/broker"
	"github.com/turtacn/seathub-go/pkg/protocol"
	"github.com/turtacn/seathub-go/pkg/registry"
)

// APIServer provides REST API endpoints for broker management.
type APIServer struct {
	broker    *broker.Broker
	operators *auth.OperatorStore
}

// ConnectionInfo is one live connection as reported by the API.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	UserID        string    `json:"user_id,omitempty"`
	Username      string    `json:"username,omitempty"`
	RemoteAddr    string    `json:"remote_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	Subscriptions []string  `json:"subscriptions"`
}

// BroadcastRequest is the body of a server-side broadcast call.
type BroadcastRequest struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// APIResponse is the standard response envelope.
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// NewAPIServer creates a new API server instance.
func NewAPIServer(b *broker.Broker, operators *auth.OperatorStore) *APIServer {
	return &APIServer{broker: b, operators: operators}
}

// RegisterRoutes registers all API routes.
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/stats", s.requireOperator(s.handleStats))
	mux.HandleFunc("/api/v1/connections", s.requireOperator(s.handleConnections))
	mux.HandleFunc("/api/v1/connections/", s.requireOperator(s.handleConnectionByID))
	mux.HandleFunc("/api/v1/channels", s.requireOperator(s.handleChannels))
	mux.HandleFunc("/api/v1/broadcast", s.requireOperator(s.handleBroadcast))
	mux.HandleFunc("/health", s.handleHealth)
}

// requireOperator wraps a handler with HTTP basic authentication against
// the operator store.
func (s *APIServer) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || !s.operators.Authenticate(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="seathub admin"`)
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// handleStats handles /api/v1/stats.
func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeSuccess(w, s.broker.Stats())
}

// handleConnections handles /api/v1/connections.
func (s *APIServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	conns := s.broker.Registry().Connections()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, connectionInfo(conn))
	}
	s.writeSuccess(w, infos)
}

// handleConnectionByID handles /api/v1/connections/{id}: GET returns the
// connection, DELETE disconnects it.
func (s *APIServer) handleConnectionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/connections/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "Connection ID required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		conn, ok := s.broker.Registry().Get(id)
		if !ok {
			s.writeError(w, http.StatusNotFound, "Connection not found")
			return
		}
		s.writeSuccess(w, connectionInfo(conn))

	case http.MethodDelete:
		err := s.broker.Registry().Disconnect(id, "disconnected by operator", protocol.CloseNormal)
		if err != nil {
			s.writeError(w, http.StatusNotFound, "Connection not found")
			return
		}
		log.Printf("[INFO] Connection %s disconnected via admin API", id)
		s.writeSuccess(w, map[string]string{"id": id, "status": "disconnected"})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleChannels handles /api/v1/channels.
func (s *APIServer) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeSuccess(w, s.broker.Directory().MemberCounts())
}

// handleBroadcast handles /api/v1/broadcast, publishing a payload into a
// channel on behalf of the server.
func (s *APIServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var req BroadcastRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Channel == "" {
		s.writeError(w, http.StatusBadRequest, "channel and payload are required")
		return
	}

	delivered, err := s.broker.Broadcast(req.Channel, req.Payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, map[string]interface{}{
		"channel":   req.Channel,
		"delivered": delivered,
	})
}

// handleHealth handles /health. It reports degraded with 503 when the
// dependency monitor has flipped the store health flag.
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status := s.broker.Monitor().Snapshot()
	if !status.Healthy {
		s.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Code:    http.StatusServiceUnavailable,
			Message: "degraded",
			Data:    status,
		})
		return
	}
	s.writeSuccess(w, status)
}

func connectionInfo(conn *registry.Connection) ConnectionInfo {
	info := ConnectionInfo{
		ID:            conn.ID,
		State:         conn.State().String(),
		RemoteAddr:    conn.Metadata().RemoteAddr,
		ConnectedAt:   conn.CreatedAt(),
		LastActivity:  conn.LastActivity(),
		Subscriptions: conn.Subscriptions(),
	}
	if id := conn.Identity(); id != nil {
		info.UserID = id.UserID
		info.Username = id.Username
	}
	return info
}

// Helper methods

func (s *APIServer) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{Code: statusCode, Message: message})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("[ERROR] Failed to encode API response: %v", err)
	}
}
