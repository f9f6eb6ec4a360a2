package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ClockTime is a time of day in minutes since midnight.
type ClockTime int

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time format: %s", s)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 24 {
		return 0, fmt.Errorf("invalid hour in %s", s)
	}

	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %s", s)
	}

	if hour == 24 && minute != 0 {
		return 0, fmt.Errorf("invalid time %s", s)
	}

	return ClockTime(hour*60 + minute), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On returns the instant c on the civil date of day.
func (c ClockTime) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location()).
		Add(time.Duration(c) * time.Minute)
}

// SlotDefinition is a weekly recurring bookable window of a facility.
type SlotDefinition struct {
	ID         string       `json:"id"`
	FacilityID string       `json:"facility_id"`
	Weekday    time.Weekday `json:"weekday"`
	Start      ClockTime    `json:"start"`
	End        ClockTime    `json:"end"`
	Eligible   []UserType   `json:"eligible"`
}

// Duration of the slot.
func (s SlotDefinition) Duration() time.Duration {
	return time.Duration(s.End-s.Start) * time.Minute
}

// EligibleFor reports whether userType may book the slot.
func (s SlotDefinition) EligibleFor(userType UserType) bool {
	for _, t := range s.Eligible {
		if t == userType {
			return true
		}
	}
	return false
}

// Overlaps uses half-open [start, end) semantics.
func (s SlotDefinition) Overlaps(other SlotDefinition) bool {
	return s.Weekday == other.Weekday && s.Start < other.End && other.Start < s.End
}

// SharesEligibility reports whether both slots admit at least one common user type.
func (s SlotDefinition) SharesEligibility(other SlotDefinition) bool {
	for _, t := range s.Eligible {
		if other.EligibleFor(t) {
			return true
		}
	}
	return false
}

// Facility is a bookable resource with its weekly slot catalog.
type Facility struct {
	ID          string                       `json:"id"`
	Name        string                       `json:"name"`
	Description string                       `json:"description,omitempty"`
	Active      bool                         `json:"active"`
	DefaultRate decimal.Decimal              `json:"default_rate"`
	Rates       map[UserType]decimal.Decimal `json:"rates,omitempty"`
	Slots       []SlotDefinition             `json:"slots"`
}

// RateFor returns the hourly rate charged to userType.
func (f *Facility) RateFor(userType UserType) decimal.Decimal {
	if r, ok := f.Rates[userType]; ok {
		return r
	}
	return f.DefaultRate
}

// Slot finds a slot definition by id.
func (f *Facility) Slot(id string) (SlotDefinition, bool) {
	for _, s := range f.Slots {
		if s.ID == id {
			return s, true
		}
	}
	return SlotDefinition{}, false
}

// WeekdayNumber converts Go's weekday (0=Sun) to 1=Mon..7=Sun.
func WeekdayNumber(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// WeekdayFromNumber is the inverse of WeekdayNumber.
func WeekdayFromNumber(n int) (time.Weekday, error) {
	if n < 1 || n > 7 {
		return 0, fmt.Errorf("invalid day %d, must be 1-7 (1=Mon, 7=Sun)", n)
	}
	return time.Weekday(n % 7), nil
}

// CivilDate truncates t to midnight UTC of its calendar date.
func CivilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DateLayout is the wire and storage format of civil dates.
const DateLayout = "2006-01-02"
