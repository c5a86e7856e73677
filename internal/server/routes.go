package server

import (
	"remover/internal/core/removal"
	"remover/internal/health"

	"github.com/gofiber/fiber/v2"
)

type Dependencies struct {
	Removal      *removal.Service
	HealthChecks map[string]health.Checker

	// EvidenceDir, when set, is served read-only under /files. It must point
	// at the evidence subtree only, never at the data directory root, so the
	// attempt database is not reachable over HTTP.
	EvidenceDir string
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	healthHandler := health.NewHealthHandler(d.HealthChecks)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	if d.EvidenceDir != "" {
		app.Static("/files", d.EvidenceDir)
	}

	api := app.Group("/v1")

	h := removal.NewHandler(d.Removal)
	api.Post("/removals", h.HandleCreate)
	api.Post("/removals/batch", h.HandleProcessBatch)
	api.Get("/removals/captcha-queue", h.HandleCaptchaQueue)
	api.Get("/removals/failed-queue", h.HandleFailedQueue)
	api.Get("/removals/scan-job/:scanJobId", h.HandleByScanJob)
	api.Get("/removals/events", h.HandleEvents)
	api.Get("/removals/:id", h.HandleGetAttempt)
	api.Post("/removals/:id/retry", h.HandleRetry)

	return healthHandler
}
