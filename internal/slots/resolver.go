package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"labbook/internal/apperr"
	"labbook/internal/model"
)

// AvailableSlot is a concrete, bookable occurrence of a slot definition.
type AvailableSlot struct {
	SlotID string    `json:"slot_id"`
	Date   time.Time `json:"date"`
	Start  string    `json:"start"` // "10:00"
	End    string    `json:"end"`   // "11:00"
}

// Week is the availability of one facility for one user type, Monday to Sunday.
type Week struct {
	FacilityID string                           `json:"facility_id"`
	UserType   model.UserType                   `json:"user_type"`
	Start      time.Time                        `json:"start"`
	Eligible   bool                             `json:"eligible"`
	Days       map[time.Weekday][]AvailableSlot `json:"days"`
	Closed     map[time.Weekday]string          `json:"closed,omitempty"`
}

// Weekdays in Monday-first order.
var Weekdays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// WeekStart returns the Monday of the week containing anchor.
func WeekStart(anchor time.Time) time.Time {
	d := model.CivilDate(anchor)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// HoldReader reads slots held by active bookings.
type HoldReader interface {
	ActiveHolds(ctx context.Context, facilityID string, from, to time.Time) ([]model.SlotHold, error)
}

// WeekCache is an optional read-through cache of resolved weeks. Version is
// read before holds are loaded and handed back to SetWeek, which must drop
// the write if the facility week was invalidated in between.
type WeekCache interface {
	GetWeek(ctx context.Context, facilityID string, userType model.UserType, weekStart time.Time) (*Week, bool)
	Version(ctx context.Context, facilityID string, weekStart time.Time) (string, bool)
	SetWeek(ctx context.Context, w *Week, version string)
}

// Resolver projects the catalog and the ledger into weekly availability.
type Resolver struct {
	registry   *Registry
	holds      HoldReader
	cache      WeekCache
	loc        *time.Location
	minAdvance time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCache enables the read-through cache.
func WithCache(c WeekCache) ResolverOption {
	return func(r *Resolver) { r.cache = c }
}

// WithLocation sets the timezone slot clock times are interpreted in.
func WithLocation(loc *time.Location) ResolverOption {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithMinAdvance hides slots starting sooner than d from now.
func WithMinAdvance(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.minAdvance = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver over the registry and hold reader.
func NewResolver(registry *Registry, holds HoldReader, logger *zerolog.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: registry,
		holds:    holds,
		loc:      time.UTC,
		now:      time.Now,
		logger:   logger.With().Str("component", "slots").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveWeek returns, for every weekday of the week containing anchor, the
// slots eligible for userType that no active booking holds on that date.
func (r *Resolver) ResolveWeek(ctx context.Context, facilityID string, userType model.UserType, anchor time.Time) (*Week, error) {
	const op = "slots.ResolveWeek"

	if _, err := model.ParseUserType(string(userType)); err != nil {
		return nil, apperr.E(apperr.KindValidation, op, "%v", err)
	}

	catalog := r.registry.Current()
	facility, ok := catalog.Facility(facilityID)
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, op, "facility %s not found", facilityID)
	}
	if !facility.Active {
		return nil, apperr.E(apperr.KindValidation, op, "facility %s is inactive", facilityID)
	}

	start := WeekStart(anchor)
	cutoff := r.now().Add(r.minAdvance)

	var (
		version   string
		cacheable bool
	)
	if r.cache != nil {
		if w, ok := r.cache.GetWeek(ctx, facilityID, userType, start); ok {
			return r.startingAfter(w, cutoff), nil
		}
		version, cacheable = r.cache.Version(ctx, facilityID, start)
	}

	holds, err := r.holds.ActiveHolds(ctx, facilityID, start, start.AddDate(0, 0, 6))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	held := make(map[string]bool, len(holds))
	for _, h := range holds {
		held[holdKey(h.Date, h.SlotID)] = true
	}

	w := &Week{
		FacilityID: facilityID,
		UserType:   userType,
		Start:      start,
		Days:       make(map[time.Weekday][]AvailableSlot, 7),
	}

	for i, wd := range Weekdays {
		date := start.AddDate(0, 0, i)
		defs := catalog.SlotsFor(facilityID, wd, userType)
		if len(defs) > 0 {
			w.Eligible = true
		}

		day := []AvailableSlot{}
		if name, closed := catalog.Holiday(date); closed {
			if w.Closed == nil {
				w.Closed = make(map[time.Weekday]string)
			}
			w.Closed[wd] = name
			w.Days[wd] = day
			continue
		}

		for _, d := range defs {
			if held[holdKey(date, d.ID)] {
				continue
			}
			day = append(day, AvailableSlot{
				SlotID: d.ID,
				Date:   date,
				Start:  d.Start.String(),
				End:    d.End.String(),
			})
		}
		w.Days[wd] = day
	}

	r.logger.Debug().
		Str("facility_id", facilityID).
		Str("user_type", string(userType)).
		Str("week", start.Format(model.DateLayout)).
		Int("holds", len(holds)).
		Msg("Resolved week")

	// Cached weeks keep slots that already started; the cutoff moves with the clock.
	if cacheable {
		r.cache.SetWeek(ctx, w, version)
	}

	return r.startingAfter(w, cutoff), nil
}

// startingAfter copies w without the slots that start before cutoff.
func (r *Resolver) startingAfter(w *Week, cutoff time.Time) *Week {
	out := *w
	out.Days = make(map[time.Weekday][]AvailableSlot, len(w.Days))
	for wd, day := range w.Days {
		kept := []AvailableSlot{}
		for _, s := range day {
			at, err := model.ParseClockTime(s.Start)
			if err != nil || r.startsAt(s.Date, at).Before(cutoff) {
				continue
			}
			kept = append(kept, s)
		}
		out.Days[wd] = kept
	}
	return &out
}

func (r *Resolver) startsAt(date time.Time, at model.ClockTime) time.Time {
	local := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, r.loc)
	return at.On(local)
}

func holdKey(date time.Time, slotID string) string {
	return date.Format(model.DateLayout) + "/" + slotID
}
