// Package metrics exposes Prometheus counters for bookings, superuser
// decisions and the HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labbook/internal/events"
)

const namespace = "labbook"

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry *prometheus.Registry

	BookingsCreated    *prometheus.CounterVec
	BookingTransitions *prometheus.CounterVec
	SuperuserEvents    *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	CacheInvalidations prometheus.Counter
}

// New creates the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BookingsCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bookings_created_total",
				Help:      "Count of bookings created per facility.",
			},
			[]string{"facility_id"},
		),

		BookingTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "booking_transitions_total",
				Help:      "Count of booking status changes by action and resulting status.",
			},
			[]string{"action", "status"},
		),

		SuperuserEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "superuser_events_total",
				Help:      "Count of superuser requests, decisions and revocations.",
			},
			[]string{"event", "status"},
		),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Count of API requests by route and status code.",
			},
			[]string{"method", "route", "code"},
		),

		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "API request latency.",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"method", "route"},
		),

		CacheInvalidations: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "availability_cache_invalidations_total",
				Help:      "Count of availability cache invalidations triggered by booking events.",
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Subscribe counts domain events.
func (m *Metrics) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.BookingCreated, func(e events.Event) error {
		var p events.BookingPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		m.BookingsCreated.WithLabelValues(p.FacilityID).Inc()
		m.CacheInvalidations.Inc()
		return nil
	})
	bus.Subscribe(events.BookingTransitioned, func(e events.Event) error {
		var p events.BookingPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		m.BookingTransitions.WithLabelValues(p.Action, p.To).Inc()
		m.CacheInvalidations.Inc()
		return nil
	})

	superuser := func(e events.Event) error {
		var p events.SuperuserPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		m.SuperuserEvents.WithLabelValues(e.Type, p.Status).Inc()
		return nil
	}
	bus.Subscribe(events.SuperuserRequested, superuser)
	bus.Subscribe(events.SuperuserDecided, superuser)
	bus.Subscribe(events.SuperuserRevoked, superuser)
}
