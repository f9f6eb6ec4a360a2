package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"labbook/internal/apperr"
	"labbook/internal/booking"
	"labbook/internal/model"
	"labbook/internal/slots"
	"labbook/internal/superuser"
)

type handlers struct {
	deps   Dependencies
	logger zerolog.Logger
}

func actorOf(r *http.Request) model.Actor {
	a, _ := ActorFromContext(r.Context())
	return a
}

func parseDate(field, s string) (time.Time, error) {
	d, err := time.Parse(model.DateLayout, s)
	if err != nil {
		return time.Time{}, apperr.E(apperr.KindValidation, "api.parseDate", "%s must be YYYY-MM-DD", field)
	}
	return d, nil
}

type facilityResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	DefaultRate string            `json:"default_rate"`
	Rates       map[string]string `json:"rates,omitempty"`
}

type facilityRowResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Active      bool   `json:"active"`
	DefaultRate string `json:"default_rate"`
	SlotCount   int    `json:"slot_count"`
}

func (h *handlers) listFacilities(w http.ResponseWriter, r *http.Request) {
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		h.listAllFacilities(w, r)
		return
	}
	active := h.deps.Registry.Current().ActiveFacilities()
	out := make([]facilityResponse, 0, len(active))
	for _, f := range active {
		fr := facilityResponse{
			ID:          f.ID,
			Name:        f.Name,
			Description: f.Description,
			DefaultRate: f.DefaultRate.StringFixed(2),
		}
		if len(f.Rates) > 0 {
			fr.Rates = make(map[string]string, len(f.Rates))
			for ut, r := range f.Rates {
				fr.Rates[string(ut)] = r.StringFixed(2)
			}
		}
		out = append(out, fr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// listAllFacilities shows supervisors the mirrored registry, inactive
// facilities included.
func (h *handlers) listAllFacilities(w http.ResponseWriter, r *http.Request) {
	const op = "api.listAllFacilities"

	if h.deps.Gate == nil || !h.deps.Gate.IsSupervisor(actorOf(r)) {
		writeAppError(w, apperr.E(apperr.KindForbidden, op, "only supervisors may list inactive facilities"))
		return
	}
	if h.deps.Facilities == nil {
		writeAppError(w, apperr.E(apperr.KindUnavailable, op, "facility store not configured"))
		return
	}
	rows, err := h.deps.Facilities.ListFacilityRows(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	out := make([]facilityRowResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, facilityRowResponse{
			ID:          row.ID,
			Name:        row.Name,
			Active:      row.Active,
			DefaultRate: row.DefaultRate,
			SlotCount:   row.SlotCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type slotResponse struct {
	SlotID string `json:"slot_id"`
	Start  string `json:"start"`
	End    string `json:"end"`
}

type dayResponse struct {
	Date    string         `json:"date"`
	Weekday string         `json:"weekday"`
	Closed  string         `json:"closed,omitempty"`
	Slots   []slotResponse `json:"slots"`
}

type weekResponse struct {
	FacilityID string        `json:"facility_id"`
	UserType   string        `json:"user_type"`
	WeekStart  string        `json:"week_start"`
	Eligible   bool          `json:"eligible"`
	Days       []dayResponse `json:"days"`
}

func toWeekResponse(wk *slots.Week) weekResponse {
	resp := weekResponse{
		FacilityID: wk.FacilityID,
		UserType:   string(wk.UserType),
		WeekStart:  wk.Start.Format(model.DateLayout),
		Eligible:   wk.Eligible,
		Days:       make([]dayResponse, 0, len(slots.Weekdays)),
	}
	for i, wd := range slots.Weekdays {
		day := dayResponse{
			Date:    wk.Start.AddDate(0, 0, i).Format(model.DateLayout),
			Weekday: wd.String(),
			Closed:  wk.Closed[wd],
			Slots:   []slotResponse{},
		}
		for _, s := range wk.Days[wd] {
			day.Slots = append(day.Slots, slotResponse{SlotID: s.SlotID, Start: s.Start, End: s.End})
		}
		resp.Days = append(resp.Days, day)
	}
	return resp
}

func (h *handlers) availability(w http.ResponseWriter, r *http.Request) {
	anchor := time.Now().In(h.deps.Location)
	if s := r.URL.Query().Get("week"); s != "" {
		d, err := parseDate("week", s)
		if err != nil {
			writeAppError(w, err)
			return
		}
		anchor = d
	}

	actor := actorOf(r)
	wk, err := h.deps.Resolver.ResolveWeek(r.Context(), chi.URLParam(r, "id"), actor.UserType, anchor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWeekResponse(wk))
}

type bookingResponse struct {
	ID            string   `json:"id"`
	FacilityID    string   `json:"facility_id"`
	FacilityName  string   `json:"facility_name"`
	UserID        string   `json:"user_id"`
	RequesterName string   `json:"requester_name"`
	UserType      string   `json:"user_type"`
	Date          string   `json:"date"`
	SlotIDs       []string `json:"slot_ids"`
	Status        string   `json:"status"`
	Cost          string   `json:"cost"`
	Comment       string   `json:"comment,omitempty"`
	DecidedBy     string   `json:"decided_by,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

func toBookingResponse(b *model.BookingView) bookingResponse {
	return bookingResponse{
		ID:            b.ID,
		FacilityID:    b.FacilityID,
		FacilityName:  b.FacilityName,
		UserID:        b.UserID,
		RequesterName: b.RequesterName,
		UserType:      string(b.UserType),
		Date:          b.Date.Format(model.DateLayout),
		SlotIDs:       b.SlotIDs,
		Status:        string(b.Status),
		Cost:          b.Cost.StringFixed(2),
		Comment:       b.Comment,
		DecidedBy:     b.DecidedBy,
		CreatedAt:     b.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type createBookingRequest struct {
	FacilityID string   `json:"facility_id"`
	Date       string   `json:"date"`
	SlotIDs    []string `json:"slot_ids"`
	UserType   string   `json:"user_type,omitempty"`
	Comment    string   `json:"comment,omitempty"`
}

func (h *handlers) createBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		writeAppError(w, err)
		return
	}

	b, err := h.deps.Bookings.Create(r.Context(), actorOf(r), booking.CreateRequest{
		FacilityID: req.FacilityID,
		Date:       date,
		SlotIDs:    req.SlotIDs,
		UserType:   model.UserType(req.UserType),
		Comment:    req.Comment,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(b))
}

func bookingFilterFromQuery(r *http.Request) (model.BookingFilter, error) {
	q := r.URL.Query()
	var f model.BookingFilter

	if s := q.Get("status"); s != "" {
		st, err := model.ParseBookingStatus(s)
		if err != nil {
			return f, apperr.E(apperr.KindValidation, "api.listBookings", "%v", err)
		}
		f.Status = st
	}
	if s := q.Get("from"); s != "" {
		d, err := parseDate("from", s)
		if err != nil {
			return f, err
		}
		f.DateFrom = d
	}
	if s := q.Get("to"); s != "" {
		d, err := parseDate("to", s)
		if err != nil {
			return f, err
		}
		f.DateTo = d
	}
	f.FacilityID = q.Get("facility_id")
	f.UserID = q.Get("user_id")

	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		s := q.Get(name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, apperr.E(apperr.KindValidation, "api.listBookings", "%s must be a non-negative integer", name)
		}
		*dst = n
	}
	return f, nil
}

func (h *handlers) listBookings(w http.ResponseWriter, r *http.Request) {
	filter, err := bookingFilterFromQuery(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	list, err := h.deps.Bookings.List(r.Context(), actorOf(r), filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	out := make([]bookingResponse, 0, len(list))
	for i := range list {
		out = append(out, toBookingResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *handlers) getBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.deps.Bookings.Get(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

type commentRequest struct {
	Comment string `json:"comment"`
}

func (h *handlers) transitionBooking(w http.ResponseWriter, r *http.Request) {
	action, err := booking.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	var req commentRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeAppError(w, err)
		return
	}

	b, err := h.deps.Bookings.Transition(r.Context(), actorOf(r), chi.URLParam(r, "id"), action, req.Comment)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

type submitRequest struct {
	FacilityID string `json:"facility_id"`
	Reason     string `json:"reason"`
}

func (h *handlers) submitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	sr, err := h.deps.Superusers.Submit(r.Context(), actorOf(r), req.FacilityID, req.Reason)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sr)
}

func (h *handlers) listRequests(w http.ResponseWriter, r *http.Request) {
	if s := strings.TrimSpace(r.URL.Query().Get("status")); s != "" {
		st, err := model.ParseRequestStatus(s)
		if err != nil {
			writeAppError(w, apperr.E(apperr.KindValidation, "api.listRequests", "%v", err))
			return
		}
		if st != model.RequestPending {
			WriteError(w, http.StatusBadRequest, string(apperr.KindValidation), "only status=pending is supported")
			return
		}
	}
	list, err := h.deps.Superusers.ListPending(r.Context(), actorOf(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (h *handlers) listMyRequests(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Superusers.ListMine(r.Context(), actorOf(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

type decideRequest struct {
	Note string `json:"note"`
}

func (h *handlers) decideRequest(w http.ResponseWriter, r *http.Request) {
	decision, err := superuser.ParseDecision(chi.URLParam(r, "decision"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	var req decideRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	sr, err := h.deps.Superusers.Decide(r.Context(), actorOf(r), chi.URLParam(r, "id"), decision, req.Note)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func (h *handlers) listGrants(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Superusers.ListActiveGrants(r.Context(), actorOf(r), r.URL.Query().Get("facility_id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (h *handlers) grantStatus(w http.ResponseWriter, r *http.Request) {
	userID, facilityID := chi.URLParam(r, "user_id"), chi.URLParam(r, "facility_id")
	active, err := h.deps.Superusers.GrantStatus(r.Context(), actorOf(r), userID, facilityID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "facility_id": facilityID, "active": active})
}

func (h *handlers) revokeGrant(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Superusers.Revoke(r.Context(), actorOf(r), chi.URLParam(r, "user_id"), chi.URLParam(r, "facility_id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
