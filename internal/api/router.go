package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/auth"
	"github.com/hackgods/caregiver-scheduling/internal/scheduling"
)

type RouterConfig struct {
	Service  *scheduling.Service
	Tokens   *auth.Tokens
	Logger   zerolog.Logger
	Checkers []Checker
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.Checkers, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := &handlers{svc: cfg.Service, log: cfg.Logger}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens))

		// Availability endpoints
		r.Get("/availabilities", h.listAllAvailability)
		r.Post("/availabilities", h.createAvailability)
		r.Put("/availabilities/{id}", h.updateAvailability)
		r.Delete("/availabilities/{id}", h.deleteAvailability)
		r.Get("/caregivers", h.listCaregivers)
		r.Get("/caregivers/{id}/availabilities", h.listAvailability)

		// Appointment endpoints
		r.Get("/appointments", h.listAppointments)
		r.Post("/appointments", h.createAppointment)
		r.Get("/appointments/{id}", h.getAppointment)
		r.Put("/appointments/{id}", h.updateAppointment)
		r.Delete("/appointments/{id}", h.deleteAppointment)
		r.Get("/appointments/{id}/change-requests", h.listChangeRequests)

		// Change request endpoints
		r.Post("/change-requests", h.createChangeRequest)
		r.Get("/change-requests/incoming", h.listIncoming)
		r.Get("/change-requests/outgoing", h.listOutgoing)
		r.Post("/change-requests/{id}/approve", h.approveChangeRequest)
		r.Post("/change-requests/{id}/reject", h.rejectChangeRequest)
		r.Post("/change-requests/{id}/cancel", h.cancelChangeRequest)
	})

	return r
}
