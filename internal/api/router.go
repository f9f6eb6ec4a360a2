// Package api exposes the booking and superuser services over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"labbook/internal/access"
	"labbook/internal/booking"
	"labbook/internal/db"
	"labbook/internal/metrics"
	"labbook/internal/slots"
	"labbook/internal/superuser"
)

// FacilityStore lists the mirrored registry, inactive facilities included.
type FacilityStore interface {
	ListFacilityRows(ctx context.Context) ([]db.FacilityRow, error)
}

// Dependencies are the services the router dispatches to. Limiter and
// Metrics are optional.
type Dependencies struct {
	Bookings   *booking.Service
	Superusers *superuser.Service
	Resolver   *slots.Resolver
	Registry   *slots.Registry
	Facilities FacilityStore
	Gate       *access.Gate
	Auth       *Authenticator
	Limiter    *RateLimiter
	Metrics    *metrics.Metrics
	// Ready reports whether backing stores answer; nil means always ready.
	Ready    func(ctx context.Context) error
	Location *time.Location
	Logger   *zerolog.Logger
}

// NewRouter mounts health probes at the root and the authenticated API
// under /api/v1.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	h := &handlers{deps: deps, logger: deps.Logger.With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.Auth.Middleware)
		if deps.Limiter != nil {
			r.Use(deps.Limiter.Limit)
		}

		r.Get("/facilities", h.listFacilities)
		r.Get("/facilities/{id}/availability", h.availability)

		r.Post("/bookings", h.createBooking)
		r.Get("/bookings", h.listBookings)
		r.Get("/bookings/{id}", h.getBooking)
		r.Post("/bookings/{id}/{action}", h.transitionBooking)

		r.Route("/superuser", func(r chi.Router) {
			r.Post("/requests", h.submitRequest)
			r.Get("/requests", h.listRequests)
			r.Get("/requests/mine", h.listMyRequests)
			r.Post("/requests/{id}/{decision}", h.decideRequest)
			r.Get("/grants", h.listGrants)
			r.Get("/grants/{user_id}/{facility_id}", h.grantStatus)
			r.Delete("/grants/{user_id}/{facility_id}", h.revokeGrant)
		})
	})

	return r
}

// observe logs each request and records it in metrics.
func (h *handlers) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)

		if m := h.deps.Metrics; m != nil {
			m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		}
		h.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := h.deps.Ready(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("not ready")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
