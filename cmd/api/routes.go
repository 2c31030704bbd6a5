package main

import (
	"recording-reconciler/internal/httpapi"
	"recording-reconciler/internal/ingest"
	"recording-reconciler/internal/rbac"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	healthz gin.HandlerFunc
	authMW  gin.HandlerFunc
	ingest  ingest.Handler
	api     httpapi.Handlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", d.healthz)

	// Provider webhooks (public, signature-verified by the handler).
	hooks := r.Group("/webhooks")
	{
		hooks.POST("/telephony", d.ingest.Generic)
		hooks.POST("/twilio/call-status", d.ingest.TwilioCallStatus)
		hooks.POST("/twilio/recording-status", d.ingest.TwilioRecordingStatus)
	}

	r.POST("/v1/auth/refresh", d.api.Refresh)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(d.authMW)
	{
		v1.POST("/reconciliations", append(httpapi.RequireAnyRole(rbac.RoleDispatcher), d.api.Register)...)
		v1.GET("/intakes/:intake_id/recording", append(httpapi.RequireAnyRole(rbac.RoleDispatcher, rbac.RoleViewer), d.api.GetRecording)...)

		// ADMIN routes: operators only.
		admin := v1.Group("/admin")
		admin.Use(httpapi.RequireAnyRole(rbac.RoleOperator)...)
		{
			admin.GET("/reconciliations/summary", d.api.Summary)
			admin.GET("/review-queue", d.api.ReviewQueue)
			admin.POST("/reconciliations/:id/redrive", d.api.Redrive)
		}
	}
}
