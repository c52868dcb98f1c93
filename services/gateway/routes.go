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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the /v1/gateway/* debug endpoints.
//
// Endpoints:
//
//	GET /v1/gateway/health - Health check
//	GET /v1/gateway/state - Proxy state and capability presence
//	GET /v1/gateway/visibility - Current visibility mapping
//
// Example:
//
//	router := gin.New()
//	gateway.RegisterRoutes(router.Group("/v1"), gateway.NewHandlers(svc))
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	gw := rg.Group("/gateway")
	{
		gw.GET("/health", handlers.HandleHealth)
		gw.GET("/state", handlers.HandleState)
		gw.GET("/visibility", handlers.HandleVisibility)
	}
}

// RegisterMetrics registers GET /metrics.
func RegisterMetrics(router *gin.Engine) {
	router.GET("/metrics", HandleMetrics)
}
