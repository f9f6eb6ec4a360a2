// Package slots builds the weekly slot catalog of every facility and
// projects it into per-user-type availability.
package slots

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"labbook/internal/config"
	"labbook/internal/model"
)

// Catalog is an immutable snapshot of the facility registry.
type Catalog struct {
	facilities map[string]*model.Facility
	order      []string
	holidays   map[string]string
}

// BuildCatalog converts the registry config into facilities with concrete slot
// definitions. It fails if two slots of a facility overlap on the same weekday
// while admitting a common user type.
func BuildCatalog(cfg *config.FacilitiesConfig) (*Catalog, error) {
	if cfg == nil {
		return nil, fmt.Errorf("facilities config is nil")
	}

	c := &Catalog{
		facilities: make(map[string]*model.Facility, len(cfg.Facilities)),
		holidays:   make(map[string]string, len(cfg.Holidays)),
	}

	for _, fc := range cfg.Facilities {
		f, err := buildFacility(fc)
		if err != nil {
			return nil, fmt.Errorf("facility %s: %w", fc.ID, err)
		}
		if err := checkOverlaps(f.Slots); err != nil {
			return nil, fmt.Errorf("facility %s: %w", fc.ID, err)
		}
		c.facilities[f.ID] = f
		c.order = append(c.order, f.ID)
	}

	for _, h := range cfg.Holidays {
		c.holidays[h.Date] = h.Name
	}

	return c, nil
}

func buildFacility(fc config.FacilityConfig) (*model.Facility, error) {
	f := &model.Facility{
		ID:          fc.ID,
		Name:        fc.Name,
		Description: fc.Description,
		Active:      fc.IsActive,
		DefaultRate: decimal.Zero,
		Rates:       make(map[model.UserType]decimal.Decimal, len(fc.Rates)),
	}

	if fc.RatePerHour != "" {
		r, err := decimal.NewFromString(fc.RatePerHour)
		if err != nil {
			return nil, fmt.Errorf("rate_per_hour: %w", err)
		}
		f.DefaultRate = r
	}
	for ut, rs := range fc.Rates {
		t, err := model.ParseUserType(ut)
		if err != nil {
			return nil, err
		}
		r, err := decimal.NewFromString(rs)
		if err != nil {
			return nil, fmt.Errorf("rates.%s: %w", ut, err)
		}
		f.Rates[t] = r
	}

	seen := make(map[string]bool)
	for _, sc := range fc.Slots {
		s, err := explicitSlot(fc.ID, sc)
		if err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate slot id %s", s.ID)
		}
		seen[s.ID] = true
		f.Slots = append(f.Slots, s)
	}

	if fc.Weekly != nil {
		generated, err := GenerateWeekly(fc.ID, *fc.Weekly)
		if err != nil {
			return nil, err
		}
		for _, s := range generated {
			if seen[s.ID] {
				return nil, fmt.Errorf("duplicate slot id %s", s.ID)
			}
			seen[s.ID] = true
			f.Slots = append(f.Slots, s)
		}
	}

	sortSlots(f.Slots)
	return f, nil
}

func explicitSlot(facilityID string, sc config.SlotConfig) (model.SlotDefinition, error) {
	wd, err := model.WeekdayFromNumber(sc.Day)
	if err != nil {
		return model.SlotDefinition{}, err
	}
	start, err := model.ParseClockTime(sc.Start)
	if err != nil {
		return model.SlotDefinition{}, err
	}
	end, err := model.ParseClockTime(sc.End)
	if err != nil {
		return model.SlotDefinition{}, err
	}
	eligible, err := parseEligible(sc.Eligible)
	if err != nil {
		return model.SlotDefinition{}, err
	}
	return model.SlotDefinition{
		ID:         sc.ID,
		FacilityID: facilityID,
		Weekday:    wd,
		Start:      start,
		End:        end,
		Eligible:   eligible,
	}, nil
}

// GenerateWeekly produces equally sized slots for each configured weekday,
// skipping any slot that overlaps the lunch break.
func GenerateWeekly(facilityID string, w config.WeeklyConfig) ([]model.SlotDefinition, error) {
	start, err := model.ParseClockTime(w.StartTime)
	if err != nil {
		return nil, fmt.Errorf("parse start time: %w", err)
	}
	end, err := model.ParseClockTime(w.EndTime)
	if err != nil {
		return nil, fmt.Errorf("parse end time: %w", err)
	}

	var lunchStart, lunchEnd model.ClockTime
	hasLunch := w.LunchStart != "" && w.LunchEnd != ""
	if hasLunch {
		lunchStart, _ = model.ParseClockTime(w.LunchStart)
		lunchEnd, _ = model.ParseClockTime(w.LunchEnd)
	}

	duration := model.ClockTime(w.SlotDurationMinutes)
	if duration <= 0 {
		duration = 60
	}

	eligible, err := parseEligible(w.Eligible)
	if err != nil {
		return nil, err
	}

	var out []model.SlotDefinition
	for _, day := range w.Days {
		wd, err := model.WeekdayFromNumber(day)
		if err != nil {
			return nil, err
		}
		for cursor := start; cursor+duration <= end; cursor += duration {
			slotEnd := cursor + duration

			// Skip lunch break
			if hasLunch && cursor < lunchEnd && lunchStart < slotEnd {
				continue
			}

			out = append(out, model.SlotDefinition{
				ID:         fmt.Sprintf("%s-%d-%s", facilityID, day, strings.ReplaceAll(cursor.String(), ":", "")),
				FacilityID: facilityID,
				Weekday:    wd,
				Start:      cursor,
				End:        slotEnd,
				Eligible:   eligible,
			})
		}
	}
	return out, nil
}

func parseEligible(raw []string) ([]model.UserType, error) {
	out := make([]model.UserType, 0, len(raw))
	for _, r := range raw {
		t, err := model.ParseUserType(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func checkOverlaps(slots []model.SlotDefinition) error {
	for i := range slots {
		for j := i + 1; j < len(slots); j++ {
			if slots[i].Overlaps(slots[j]) && slots[i].SharesEligibility(slots[j]) {
				return fmt.Errorf("slots %s and %s overlap on %s for a shared user type",
					slots[i].ID, slots[j].ID, slots[i].Weekday)
			}
		}
	}
	return nil
}

func sortSlots(s []model.SlotDefinition) {
	sort.SliceStable(s, func(i, j int) bool {
		wi, wj := model.WeekdayNumber(s[i].Weekday), model.WeekdayNumber(s[j].Weekday)
		if wi != wj {
			return wi < wj
		}
		if s[i].Start != s[j].Start {
			return s[i].Start < s[j].Start
		}
		return s[i].ID < s[j].ID
	})
}

// Facility returns a facility by id, including inactive ones.
func (c *Catalog) Facility(id string) (*model.Facility, bool) {
	f, ok := c.facilities[id]
	return f, ok
}

// Facilities returns every facility in registry order.
func (c *Catalog) Facilities() []*model.Facility {
	out := make([]*model.Facility, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.facilities[id])
	}
	return out
}

// ActiveFacilities returns only active facilities.
func (c *Catalog) ActiveFacilities() []*model.Facility {
	var out []*model.Facility
	for _, f := range c.Facilities() {
		if f.Active {
			out = append(out, f)
		}
	}
	return out
}

// Holiday reports whether date is a registry-wide closure.
func (c *Catalog) Holiday(date time.Time) (string, bool) {
	name, ok := c.holidays[date.Format(model.DateLayout)]
	return name, ok
}

// SlotsFor returns the slot definitions of a facility on weekday eligible for
// userType, ordered by start time.
func (c *Catalog) SlotsFor(facilityID string, weekday time.Weekday, userType model.UserType) []model.SlotDefinition {
	f, ok := c.facilities[facilityID]
	if !ok {
		return nil
	}
	var out []model.SlotDefinition
	for _, s := range f.Slots {
		if s.Weekday == weekday && s.EligibleFor(userType) {
			out = append(out, s)
		}
	}
	return out
}

// Registry holds the current catalog; reloads swap it atomically.
type Registry struct {
	current atomic.Pointer[Catalog]
}

// NewRegistry creates a registry serving c.
func NewRegistry(c *Catalog) *Registry {
	r := &Registry{}
	r.current.Store(c)
	return r
}

// Current returns the catalog in effect.
func (r *Registry) Current() *Catalog {
	return r.current.Load()
}

// Replace installs a new catalog.
func (r *Registry) Replace(c *Catalog) {
	r.current.Store(c)
}
