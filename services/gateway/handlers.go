// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/lspgate/services/gateway/telemetry"
)

// HealthResponse is returned by GET /v1/gateway/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// StateResponse is returned by GET /v1/gateway/state.
type StateResponse struct {
	State           string `json:"state"`
	Capabilities    bool   `json:"capabilities"`
	ExplicitIndex   bool   `json:"explicit_index"`
	ClientConnID    string `json:"client_conn_id"`
	BackendConnID   string `json:"backend_conn_id"`
	BackendConnName string `json:"backend_conn_name"`
}

// VisibilityResponse is returned by GET /v1/gateway/visibility.
type VisibilityResponse struct {
	IssuedSeq    uint64              `json:"issued_seq"`
	CommittedSeq uint64              `json:"committed_seq"`
	Targets      map[string][]string `json:"targets"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handlers serves the debug HTTP surface for a Service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleHealth handles GET /v1/gateway/health.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleState handles GET /v1/gateway/state.
//
// Description:
//
//	Reports the proxy lifecycle state and whether backend capabilities
//	have been captured.
//
// Response:
//
//	200 OK: StateResponse
func (h *Handlers) HandleState(c *gin.Context) {
	p := h.svc.Proxy()
	c.JSON(http.StatusOK, StateResponse{
		State:           p.State().String(),
		Capabilities:    p.Capabilities() != nil,
		ExplicitIndex:   h.svc.Tracker() != nil,
		ClientConnID:    p.Client().ID(),
		BackendConnID:   p.Backend().ID(),
		BackendConnName: p.Backend().Name(),
	})
}

// HandleVisibility handles GET /v1/gateway/visibility.
//
// Response:
//
//	200 OK: VisibilityResponse
//	404 Not Found: ErrorResponse - tracking is disabled
func (h *Handlers) HandleVisibility(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	tracker := h.svc.Tracker()
	if tracker == nil {
		slog.Debug("visibility requested with tracking disabled", slog.String("request_id", requestID))
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrNoTracker.Error(),
			Code:  "TRACKING_DISABLED",
		})
		return
	}

	issued, committed := tracker.LatestSeq()
	snapshot := tracker.Snapshot()
	targets := make(map[string][]string, len(snapshot))
	for id, paths := range snapshot {
		targets[id.String()] = paths
	}
	c.JSON(http.StatusOK, VisibilityResponse{
		IssuedSeq:    issued,
		CommittedSeq: committed,
		Targets:      targets,
	})
}

// HandleMetrics serves the prometheus exposition, or 503 when the
// prometheus exporter is not enabled.
func HandleMetrics(c *gin.Context) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "prometheus exporter not enabled",
			Code:  "METRICS_DISABLED",
		})
		return
	}
	handler.ServeHTTP(c.Writer, c.Request)
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
