package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"labbook/internal/access"
	"labbook/internal/apperr"
	"labbook/internal/db"
	"labbook/internal/events"
	"labbook/internal/model"
	"labbook/internal/slots"
)

// Policy holds the configurable booking rules.
type Policy struct {
	MinAdvance                 time.Duration
	MaxAdvance                 time.Duration
	RequesterCanCancelApproved bool
	Location                   *time.Location
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	FacilityID string
	Date       time.Time
	SlotIDs    []string
	// UserType defaults to the actor's own type.
	UserType model.UserType
	Comment  string
}

// Service provides booking operations.
type Service struct {
	db       *db.DB
	registry *slots.Registry
	gate     *access.Gate
	fsm      *FSM
	bus      *events.EventBus
	policy   Policy
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService creates a new booking service.
func NewService(
	store *db.DB,
	registry *slots.Registry,
	gate *access.Gate,
	bus *events.EventBus,
	policy Policy,
	logger *zerolog.Logger,
) *Service {
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	return &Service{
		db:       store,
		registry: registry,
		gate:     gate,
		fsm:      NewFSM(),
		bus:      bus,
		policy:   policy,
		now:      time.Now,
		logger:   logger.With().Str("component", "booking").Logger(),
	}
}

// Cost is the sum of slot durations in hours times the facility rate for
// userType, rounded to cents.
func Cost(f *model.Facility, userType model.UserType, defs []model.SlotDefinition) decimal.Decimal {
	rate := f.RateFor(userType)
	total := decimal.Zero
	for _, d := range defs {
		hours := decimal.NewFromInt(int64(d.End - d.Start)).Div(decimal.NewFromInt(60))
		total = total.Add(hours.Mul(rate))
	}
	return total.Round(2)
}

// Create reserves every requested slot of a facility on a date as one
// pending booking. Any slot already held makes the whole call fail with
// Conflict and nothing is stored.
func (s *Service) Create(ctx context.Context, actor model.Actor, req CreateRequest) (*model.BookingView, error) {
	const op = "booking.Create"

	if actor.UserID == "" {
		return nil, apperr.E(apperr.KindUnauthenticated, op, "no authenticated user")
	}
	actor = s.gate.Resolve(actor)

	userType := req.UserType
	if userType == "" {
		userType = actor.UserType
	}
	if _, err := model.ParseUserType(string(userType)); err != nil {
		return nil, apperr.E(apperr.KindValidation, op, "%v", err)
	}
	if !s.gate.CanBookAs(actor, userType) {
		return nil, apperr.E(apperr.KindForbidden, op, "user %s cannot book as %s", actor.UserID, userType)
	}

	if len(req.SlotIDs) == 0 {
		return nil, apperr.E(apperr.KindValidation, op, "at least one slot is required")
	}
	seen := make(map[string]bool, len(req.SlotIDs))
	for _, id := range req.SlotIDs {
		if seen[id] {
			return nil, apperr.E(apperr.KindValidation, op, "slot %s requested twice", id)
		}
		seen[id] = true
	}

	catalog := s.registry.Current()
	facility, ok := catalog.Facility(req.FacilityID)
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, op, "facility %s not found", req.FacilityID)
	}
	if !facility.Active {
		return nil, apperr.E(apperr.KindValidation, op, "facility %s is inactive", req.FacilityID)
	}

	date := model.CivilDate(req.Date)
	if name, closed := catalog.Holiday(date); closed {
		return nil, apperr.E(apperr.KindValidation, op, "facility is closed on %s (%s)", date.Format(model.DateLayout), name)
	}

	defs := make([]model.SlotDefinition, 0, len(req.SlotIDs))
	for _, id := range req.SlotIDs {
		def, ok := facility.Slot(id)
		if !ok {
			return nil, apperr.E(apperr.KindValidation, op, "slot %s does not belong to facility %s", id, facility.ID)
		}
		if def.Weekday != date.Weekday() {
			return nil, apperr.E(apperr.KindValidation, op, "slot %s is on %s, not %s", id, def.Weekday, date.Weekday())
		}
		if !def.EligibleFor(userType) {
			return nil, apperr.E(apperr.KindValidation, op, "slot %s is not open to %s users", id, userType)
		}
		defs = append(defs, def)
	}

	if err := s.checkWindow(date, defs); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	b := &model.Booking{
		ID:         uuid.NewString(),
		FacilityID: facility.ID,
		UserID:     actor.UserID,
		UserType:   userType,
		Date:       date,
		SlotIDs:    append([]string(nil), req.SlotIDs...),
		Status:     model.BookingPending,
		Cost:       Cost(facility, userType, defs),
		Comment:    req.Comment,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var view *model.BookingView
	err := s.db.InTx(ctx, func(tx *db.Tx) error {
		if err := tx.UpsertUser(ctx, actor, now); err != nil {
			return err
		}
		if err := tx.CreateBookingIfAbsent(ctx, b); err != nil {
			return err
		}
		var err error
		view, err = tx.GetBooking(ctx, b.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("booking_id", b.ID).
		Str("facility_id", b.FacilityID).
		Str("user_id", b.UserID).
		Str("date", date.Format(model.DateLayout)).
		Strs("slot_ids", b.SlotIDs).
		Str("cost", b.Cost.StringFixed(2)).
		Msg("booking created")

	s.bus.Emit(events.BookingCreated, events.BookingPayload{
		BookingID:  b.ID,
		FacilityID: b.FacilityID,
		UserID:     b.UserID,
		Date:       date.Format(model.DateLayout),
		SlotIDs:    b.SlotIDs,
		To:         string(b.Status),
		ActorID:    actor.UserID,
	})

	return view, nil
}

func (s *Service) checkWindow(date time.Time, defs []model.SlotDefinition) error {
	const op = "booking.Create"

	now := s.now().In(s.policy.Location)
	local := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, s.policy.Location)

	earliest := now.Add(s.policy.MinAdvance)
	for _, d := range defs {
		if d.Start.On(local).Before(earliest) {
			return apperr.E(apperr.KindValidation, op, "slot %s on %s has already started or is too soon to book",
				d.ID, date.Format(model.DateLayout))
		}
	}

	if s.policy.MaxAdvance > 0 {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.policy.Location)
		if local.After(today.Add(s.policy.MaxAdvance)) {
			return apperr.E(apperr.KindValidation, op, "date %s is too far in the future", date.Format(model.DateLayout))
		}
	}
	return nil
}

// Transition applies action to a booking. Administrators of the facility may
// take any legal action; the requester may cancel while the booking is
// pending, or approved when the policy allows it.
func (s *Service) Transition(ctx context.Context, actor model.Actor, bookingID string, action Action, comment string) (*model.BookingView, error) {
	const op = "booking.Transition"

	if actor.UserID == "" {
		return nil, apperr.E(apperr.KindUnauthenticated, op, "no authenticated user")
	}
	actor = s.gate.Resolve(actor)

	if action.Target() == "" {
		return nil, apperr.E(apperr.KindValidation, op, "unknown action %q", action)
	}

	var (
		before *model.BookingView
		after  *model.BookingView
	)
	err := s.db.InTx(ctx, func(tx *db.Tx) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		before = b

		grants, err := tx.ListGrants(ctx, db.GrantFilter{UserID: actor.UserID, FacilityID: b.FacilityID, ActiveOnly: true})
		if err != nil {
			return err
		}
		if !s.mayTransition(actor, &b.Booking, action, grants) {
			return apperr.E(apperr.KindForbidden, op, "user %s may not %s booking %s", actor.UserID, action, b.ID)
		}

		next, err := s.fsm.Next(b.Status, action)
		if err != nil {
			return err
		}

		if action == ActionApprove {
			n, err := tx.CountConflictingHolds(ctx, b.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return apperr.E(apperr.KindConflict, op, "booking %s overlaps %d active reservation(s)", b.ID, n)
			}
		}

		if err := tx.UpdateBookingWithExpectedState(ctx, b.ID, b.Status, next, actor.UserID, comment, s.now()); err != nil {
			return err
		}

		after, err = tx.GetBooking(ctx, b.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("booking_id", after.ID).
		Str("facility_id", after.FacilityID).
		Str("user_id", actor.UserID).
		Str("action", string(action)).
		Str("from", string(before.Status)).
		Str("to", string(after.Status)).
		Msg("booking transitioned")

	s.bus.Emit(events.BookingTransitioned, events.BookingPayload{
		BookingID:  after.ID,
		FacilityID: after.FacilityID,
		UserID:     after.UserID,
		Date:       after.Date.Format(model.DateLayout),
		SlotIDs:    after.SlotIDs,
		From:       string(before.Status),
		To:         string(after.Status),
		Action:     string(action),
		ActorID:    actor.UserID,
		Comment:    comment,
	})

	return after, nil
}

func (s *Service) mayTransition(actor model.Actor, b *model.Booking, action Action, grants []model.SuperuserGrant) bool {
	if s.gate.CanAdminister(actor, b.FacilityID, grants) {
		return true
	}
	if action != ActionCancel || actor.UserID != b.UserID {
		return false
	}
	// Terminal bookings fall through to the transition table.
	if b.Status == model.BookingApproved {
		return s.policy.RequesterCanCancelApproved
	}
	return true
}

// List returns bookings visible to actor, oldest first. Supervisors see
// everything, superusers the facilities they administer, everyone else
// their own bookings. Asking for one's own bookings is always allowed.
func (s *Service) List(ctx context.Context, actor model.Actor, filter model.BookingFilter) ([]model.BookingView, error) {
	const op = "booking.List"

	if actor.UserID == "" {
		return nil, apperr.E(apperr.KindUnauthenticated, op, "no authenticated user")
	}
	actor = s.gate.Resolve(actor)

	if s.gate.IsSupervisor(actor) || filter.UserID == actor.UserID {
		return s.db.ListBookings(ctx, filter)
	}

	grants, err := s.db.ListGrants(ctx, db.GrantFilter{UserID: actor.UserID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	administered := s.gate.AdministeredFacilities(actor, grants)
	if len(administered) == 0 {
		filter.UserID = actor.UserID
		return s.db.ListBookings(ctx, filter)
	}

	filter.FacilityIDs = administered
	return s.db.ListBookings(ctx, filter)
}

// Get returns one booking if actor may see it. Bookings outside the actor's
// visibility are reported as NotFound.
func (s *Service) Get(ctx context.Context, actor model.Actor, id string) (*model.BookingView, error) {
	const op = "booking.Get"

	if actor.UserID == "" {
		return nil, apperr.E(apperr.KindUnauthenticated, op, "no authenticated user")
	}
	actor = s.gate.Resolve(actor)

	b, err := s.db.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.UserID == actor.UserID || s.gate.IsSupervisor(actor) {
		return b, nil
	}

	grants, err := s.db.ListGrants(ctx, db.GrantFilter{UserID: actor.UserID, FacilityID: b.FacilityID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	if s.gate.CanAdminister(actor, b.FacilityID, grants) {
		return b, nil
	}
	return nil, apperr.E(apperr.KindNotFound, op, "booking %s not found", id)
}
