package main

import (
	"github.com/gin-gonic/gin"

	"voicebridge/internal/httpapi"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h *httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", h.Health)

	// Carrier webhooks and the media stream are authenticated on the
	// carrier side, not with operator tokens.
	// NOTE: these should be protected by carrier signature validation in production.
	r.POST("/webhooks/carrier/voice", h.InboundVoice)
	r.POST("/webhooks/carrier/status", h.StatusCallback)
	r.GET("/media-stream", h.MediaStream)

	// protected operator API
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		calls := v1.Group("/calls")
		{
			calls.POST("", h.RequestCall)
			calls.GET("/:id", h.GetCall)
		}
	}
}
