package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"

	"vonage-outbound-otp/internal/audit"
	"vonage-outbound-otp/internal/auth"
	"vonage-outbound-otp/internal/calls"
	"vonage-outbound-otp/internal/config"
	"vonage-outbound-otp/internal/events"
	"vonage-outbound-otp/internal/httpapi"
	"vonage-outbound-otp/internal/metrics"
	"vonage-outbound-otp/internal/rbac"
	"vonage-outbound-otp/internal/reporting"
	"vonage-outbound-otp/internal/telephony"
	"vonage-outbound-otp/internal/transcription"
)

type routeDeps struct {
	cfg         config.Config
	auth        *auth.Manager
	calls       *calls.Service
	reports     *reporting.Service
	audit       *audit.Service
	hub         *events.Hub
	transcripts *transcription.Registry
	checks      map[string]func(context.Context) error
	log         *slog.Logger
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := httpapi.Handlers{
		Auth:    d.auth,
		APIKey:  d.cfg.Auth.APIKey,
		Calls:   d.calls,
		Reports: d.reports,
		Audit:   d.audit,
		Checks:  d.checks,
	}

	// public
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.POST("/auth/token", h.IssueToken)
	r.POST("/auth/refresh", h.RefreshToken)

	// Provider webhooks. Verified with Vonage signed webhooks when a secret is configured.
	{
		wh := telephony.VonageWebhookHandler{
			Callbacks:  httpapi.CallCallbacks{Service: d.calls},
			FromNumber: d.cfg.Vonage.FromNumber,
		}
		signed := telephony.RequireSignedWebhook(d.cfg.Vonage.SignatureSecret)

		r.GET("/calls/:id/answer-callback", signed, wh.HandleAnswer)
		r.POST("/calls/:id/dtmf-callback", signed, wh.HandleDigits)
		r.POST("/calls/event-callback", signed, wh.HandleEvent)

		// Vonage websocket endpoints do not carry a signed-webhook token.
		audio := transcription.NewAudioHandler(d.transcripts, d.calls, d.log)
		audio.NotFound = func(err error) bool { return errors.Is(err, calls.ErrNotFound) }
		r.GET("/calls/:id/audio", audio.Handle)
	}

	// operator API
	api := r.Group("/")
	api.Use(auth.RequireAccessToken(d.auth))
	{
		readers := rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleViewer)

		api.GET("/ws", readers, gin.WrapH(events.NewWSHandler(d.hub, d.log)))
		api.GET("/stats", readers, h.Stats)

		api.POST("/calls", rbac.RequireAnyRole(rbac.RoleOperator), h.TriggerCall)
		api.GET("/calls", readers, h.ListCalls)
		api.GET("/calls/:id", readers, h.GetCall)
	}
}
