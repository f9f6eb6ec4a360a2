package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labbook/internal/access"
	"labbook/internal/booking"
	"labbook/internal/config"
	"labbook/internal/db"
	"labbook/internal/events"
	"labbook/internal/metrics"
	"labbook/internal/model"
	"labbook/internal/slots"
	"labbook/internal/superuser"
)

const registryYAML = `
defaults:
  rate_per_hour: "10.00"
  eligible: [student, faculty, staff]
facilities:
  - id: lab-a
    name: Lab A
    is_active: true
    rates: {student: "2.50"}
    slots:
      - {id: lab-a-mon-1, day: 1, start: "10:00", end: "11:00"}
      - {id: lab-a-mon-2, day: 1, start: "11:00", end: "12:00"}
  - id: old-c
    name: Old C
    is_active: false
    slots:
      - {id: old-c-1, day: 1, start: "10:00", end: "11:00"}
`

const secret = "test-secret"

var (
	uma = model.Actor{UserID: "u", Name: "Uma", UserType: model.UserTypeStudent}
	wes = model.Actor{UserID: "w", Name: "Wes", UserType: model.UserTypeStudent}
	sam = model.Actor{UserID: "s", Name: "Sam", UserType: model.UserTypeStaff, Role: model.RoleSupervisor}
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	auth    *Authenticator
	monday  time.Time
}

func newTestServer(t *testing.T, mutate func(*Dependencies)) *testServer {
	t.Helper()
	logger := zerolog.Nop()

	store, err := db.Open(filepath.Join(t.TempDir(), "labbook.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg, err := config.ParseFacilitiesConfig([]byte(registryYAML))
	require.NoError(t, err)
	catalog, err := slots.BuildCatalog(cfg)
	require.NoError(t, err)
	require.NoError(t, store.SyncFacilities(context.Background(), catalog.Facilities()))

	registry := slots.NewRegistry(catalog)
	gate := access.NewGate(nil)
	bus := events.NewEventBus(&logger)
	auth := NewAuthenticator(secret, "labbook")

	deps := Dependencies{
		Bookings:   booking.NewService(store, registry, gate, bus, booking.Policy{}, &logger),
		Superusers: superuser.NewService(store, registry, gate, bus, &logger),
		Resolver:   slots.NewResolver(registry, store, &logger),
		Registry:   registry,
		Facilities: store,
		Gate:       gate,
		Auth:       auth,
		Metrics:    metrics.New(),
		Ready:      store.Ping,
		Logger:     &logger,
	}
	if mutate != nil {
		mutate(&deps)
	}

	return &testServer{
		t:       t,
		handler: NewRouter(deps),
		auth:    auth,
		monday:  slots.WeekStart(time.Now().AddDate(0, 0, 14)),
	}
}

func (s *testServer) do(actor *model.Actor, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != nil {
		token, err := s.auth.IssueToken(*actor, time.Hour)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorEnvelope](t, rec).Error.Code
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(nil, http.MethodGet, "/api/v1/facilities", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", errorCode(t, rec))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/facilities", http.NoBody)
	other := NewAuthenticator("another-secret", "labbook")
	token, err := other.IssueToken(uma, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := s.auth.IssueToken(uma, -time.Minute)
	require.NoError(t, err)
	_, err = s.auth.Parse(expired)
	assert.Error(t, err)

	rec = s.do(&uma, http.MethodGet, "/api/v1/facilities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Items []facilityResponse `json:"items"`
	}](t, rec)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "lab-a", body.Items[0].ID)
	assert.Equal(t, "2.50", body.Items[0].Rates["student"])
}

func TestBookingFlow(t *testing.T) {
	s := newTestServer(t, nil)
	date := s.monday.Format(model.DateLayout)

	rec := s.do(&uma, http.MethodPost, "/api/v1/bookings", createBookingRequest{
		FacilityID: "lab-a", Date: date, SlotIDs: []string{"lab-a-mon-1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[bookingResponse](t, rec)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "2.50", created.Cost)
	assert.Equal(t, date, created.Date)
	assert.Equal(t, "Uma", created.RequesterName)

	rec = s.do(&wes, http.MethodPost, "/api/v1/bookings", createBookingRequest{
		FacilityID: "lab-a", Date: date, SlotIDs: []string{"lab-a-mon-1"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", errorCode(t, rec))

	rec = s.do(&wes, http.MethodGet, "/api/v1/bookings/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(&uma, http.MethodPost, "/api/v1/bookings/"+created.ID+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(&sam, http.MethodPost, "/api/v1/bookings/"+created.ID+"/approve", commentRequest{Comment: "see you"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decode[bookingResponse](t, rec).Status)

	rec = s.do(&sam, http.MethodPost, "/api/v1/bookings/"+created.ID+"/reject", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))

	rec = s.do(&sam, http.MethodPost, "/api/v1/bookings/"+created.ID+"/archive", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(&uma, http.MethodGet, "/api/v1/bookings?status=approved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items []bookingResponse `json:"items"`
	}](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, created.ID, list.Items[0].ID)

	rec = s.do(&wes, http.MethodGet, "/api/v1/bookings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())

	rec = s.do(&uma, http.MethodGet, "/api/v1/facilities/lab-a/availability?week="+date, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	week := decode[weekResponse](t, rec)
	assert.Equal(t, date, week.WeekStart)
	require.Len(t, week.Days, 7)
	assert.Equal(t, "Monday", week.Days[0].Weekday)
	require.Len(t, week.Days[0].Slots, 1)
	assert.Equal(t, "lab-a-mon-2", week.Days[0].Slots[0].SlotID)
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad date", http.MethodPost, "/api/v1/bookings", createBookingRequest{FacilityID: "lab-a", Date: "02/03/2026", SlotIDs: []string{"lab-a-mon-1"}}, http.StatusBadRequest, "validation_error"},
		{"unknown field", http.MethodPost, "/api/v1/bookings", map[string]any{"facility": "lab-a"}, http.StatusBadRequest, "validation_error"},
		{"unknown facility", http.MethodGet, "/api/v1/facilities/nope/availability", nil, http.StatusNotFound, "not_found"},
		{"inactive facility", http.MethodGet, "/api/v1/facilities/old-c/availability", nil, http.StatusBadRequest, "validation_error"},
		{"bad status filter", http.MethodGet, "/api/v1/bookings?status=confirmed", nil, http.StatusBadRequest, "validation_error"},
		{"bad limit", http.MethodGet, "/api/v1/bookings?limit=-1", nil, http.StatusBadRequest, "validation_error"},
		{"missing booking", http.MethodGet, "/api/v1/bookings/missing", nil, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(&uma, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestSuperuserFlow(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(&wes, http.MethodPost, "/api/v1/superuser/requests", submitRequest{FacilityID: "lab-a", Reason: "I teach the lab course"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decode[model.SuperuserRequest](t, rec)

	rec = s.do(&wes, http.MethodPost, "/api/v1/superuser/requests", submitRequest{FacilityID: "lab-a", Reason: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(&wes, http.MethodGet, "/api/v1/superuser/requests?status=pending", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(&sam, http.MethodGet, "/api/v1/superuser/requests?status=rejected", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(&sam, http.MethodGet, "/api/v1/superuser/requests?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[struct {
		Items []model.SuperuserRequest `json:"items"`
	}](t, rec)
	require.Len(t, pending.Items, 1)
	assert.Equal(t, req.ID, pending.Items[0].ID)

	rec = s.do(&sam, http.MethodPost, "/api/v1/superuser/requests/"+req.ID+"/approve", decideRequest{Note: "welcome"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.RequestApproved, decode[model.SuperuserRequest](t, rec).Status)

	// Wes now administers lab-a bookings.
	date := s.monday.Format(model.DateLayout)
	rec = s.do(&uma, http.MethodPost, "/api/v1/bookings", createBookingRequest{FacilityID: "lab-a", Date: date, SlotIDs: []string{"lab-a-mon-2"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	b := decode[bookingResponse](t, rec)
	rec = s.do(&wes, http.MethodPost, "/api/v1/bookings/"+b.ID+"/reject", commentRequest{Comment: "maintenance"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(&sam, http.MethodGet, "/api/v1/superuser/grants?facility_id=lab-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	grants := decode[struct {
		Items []model.SuperuserGrant `json:"items"`
	}](t, rec)
	require.Len(t, grants.Items, 1)
	assert.Equal(t, "w", grants.Items[0].UserID)

	rec = s.do(&sam, http.MethodDelete, "/api/v1/superuser/grants/w/lab-a", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(&sam, http.MethodDelete, "/api/v1/superuser/grants/w/lab-a", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(&sam, http.MethodDelete, "/api/v1/superuser/grants/u/lab-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(&wes, http.MethodGet, "/api/v1/superuser/requests/mine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[struct {
		Items []model.SuperuserRequest `json:"items"`
	}](t, rec)
	require.Len(t, mine.Items, 1)
	assert.Equal(t, "welcome", mine.Items[0].Note)
}

func TestListAllFacilities(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(&uma, http.MethodGet, "/api/v1/facilities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode[struct {
		Items []facilityResponse `json:"items"`
	}](t, rec)
	require.Len(t, active.Items, 1)
	assert.Equal(t, "lab-a", active.Items[0].ID)

	rec = s.do(&uma, http.MethodGet, "/api/v1/facilities?all=1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorCode(t, rec))

	rec = s.do(&sam, http.MethodGet, "/api/v1/facilities?all=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	all := decode[struct {
		Items []facilityRowResponse `json:"items"`
	}](t, rec)
	require.Len(t, all.Items, 2)
	assert.Equal(t, facilityRowResponse{ID: "lab-a", Name: "Lab A", Active: true, DefaultRate: "10", SlotCount: 2}, all.Items[0])
	assert.Equal(t, "old-c", all.Items[1].ID)
	assert.False(t, all.Items[1].Active)
	assert.Equal(t, 1, all.Items[1].SlotCount)
}

func TestGrantStatus(t *testing.T) {
	s := newTestServer(t, nil)

	type status struct {
		UserID     string `json:"user_id"`
		FacilityID string `json:"facility_id"`
		Active     bool   `json:"active"`
	}

	rec := s.do(&wes, http.MethodGet, "/api/v1/superuser/grants/w/lab-a", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, status{UserID: "w", FacilityID: "lab-a"}, decode[status](t, rec))

	rec = s.do(&wes, http.MethodGet, "/api/v1/superuser/grants/u/lab-a", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(&sam, http.MethodGet, "/api/v1/superuser/grants/w/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(&wes, http.MethodPost, "/api/v1/superuser/requests", submitRequest{FacilityID: "lab-a", Reason: "course"})
	require.Equal(t, http.StatusCreated, rec.Code)
	req := decode[model.SuperuserRequest](t, rec)
	rec = s.do(&sam, http.MethodPost, "/api/v1/superuser/requests/"+req.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(&sam, http.MethodGet, "/api/v1/superuser/grants/w/lab-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[status](t, rec).Active)

	rec = s.do(&sam, http.MethodDelete, "/api/v1/superuser/grants/w/lab-a", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(&wes, http.MethodGet, "/api/v1/superuser/grants/w/lab-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[status](t, rec).Active)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(d *Dependencies) { d.Limiter = NewRateLimiter(0.001, 2) })

	assert.Equal(t, http.StatusOK, s.do(&uma, http.MethodGet, "/api/v1/facilities", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(&uma, http.MethodGet, "/api/v1/facilities", nil).Code)
	rec := s.do(&uma, http.MethodGet, "/api/v1/facilities", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorCode(t, rec))

	// Buckets are per user.
	assert.Equal(t, http.StatusOK, s.do(&wes, http.MethodGet, "/api/v1/facilities", nil).Code)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(nil, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(nil, http.MethodGet, "/readyz", nil).Code)

	down := newTestServer(t, func(d *Dependencies) {
		d.Ready = func(context.Context) error { return errors.New("redis down") }
	})
	assert.Equal(t, http.StatusServiceUnavailable, down.do(nil, http.MethodGet, "/readyz", nil).Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor("something_else"))
	assert.Equal(t, http.StatusConflict, StatusFor("invalid_transition"))
	assert.Equal(t, http.StatusUnauthorized, StatusFor("unauthenticated"))
}
