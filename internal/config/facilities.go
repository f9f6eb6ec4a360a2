package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"labbook/internal/model"
)

// FacilityConfig represents a single facility in the registry.
type FacilityConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	IsActive    bool              `yaml:"is_active"`
	RatePerHour string            `yaml:"rate_per_hour,omitempty"`
	Rates       map[string]string `yaml:"rates,omitempty"` // user type -> hourly rate
	Slots       []SlotConfig      `yaml:"slots,omitempty"`
	Weekly      *WeeklyConfig     `yaml:"weekly,omitempty"`
}

// SlotConfig is an explicitly listed slot.
type SlotConfig struct {
	ID       string   `yaml:"id"`
	Day      int      `yaml:"day"`   // 1=Mon, 7=Sun
	Start    string   `yaml:"start"` // "10:00"
	End      string   `yaml:"end"`   // "11:00"
	Eligible []string `yaml:"eligible,omitempty"`
}

// WeeklyConfig generates equally sized slots for a set of weekdays.
type WeeklyConfig struct {
	Days                []int    `yaml:"days"`
	StartTime           string   `yaml:"start_time"`            // "09:00"
	EndTime             string   `yaml:"end_time"`              // "17:00"
	SlotDurationMinutes int      `yaml:"slot_duration_minutes"` // 60
	LunchStart          string   `yaml:"lunch_start,omitempty"` // "13:00"
	LunchEnd            string   `yaml:"lunch_end,omitempty"`   // "14:00"
	Eligible            []string `yaml:"eligible,omitempty"`
}

// HolidayConfig closes every facility on a date.
type HolidayConfig struct {
	Date string `yaml:"date"` // "2026-01-01"
	Name string `yaml:"name"`
}

// DefaultsConfig represents global default settings.
type DefaultsConfig struct {
	RatePerHour string   `yaml:"rate_per_hour"`
	Eligible    []string `yaml:"eligible"`
}

// FacilitiesConfig is the root of facilities.yaml.
type FacilitiesConfig struct {
	Facilities []FacilityConfig `yaml:"facilities"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
	Holidays   []HolidayConfig  `yaml:"holidays"`
}

// LoadFacilitiesConfig loads and validates the facility registry from a YAML file.
func LoadFacilitiesConfig(path string) (*FacilitiesConfig, error) {
	if path == "" {
		path = "configs/facilities.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read facilities config: %w", err)
	}

	return ParseFacilitiesConfig(data)
}

// ParseFacilitiesConfig decodes and validates registry YAML.
func ParseFacilitiesConfig(data []byte) (*FacilitiesConfig, error) {
	var cfg FacilitiesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse facilities config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate facilities config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *FacilitiesConfig) Validate() error {
	if len(c.Facilities) == 0 {
		return fmt.Errorf("no facilities defined")
	}

	if c.Defaults.RatePerHour != "" {
		if err := validateRate(c.Defaults.RatePerHour, "defaults.rate_per_hour"); err != nil {
			return err
		}
	}
	if err := validateUserTypes(c.Defaults.Eligible, "defaults.eligible"); err != nil {
		return err
	}

	ids := make(map[string]bool)
	names := make(map[string]bool)

	for i, f := range c.Facilities {
		prefix := fmt.Sprintf("facility[%d]", i)
		if f.ID == "" {
			return fmt.Errorf("%s: id is required", prefix)
		}
		if ids[f.ID] {
			return fmt.Errorf("%s: duplicate id '%s'", prefix, f.ID)
		}
		ids[f.ID] = true

		if f.Name == "" {
			return fmt.Errorf("%s: name is required", prefix)
		}
		if names[f.Name] {
			return fmt.Errorf("%s: duplicate name '%s'", prefix, f.Name)
		}
		names[f.Name] = true

		if f.RatePerHour != "" {
			if err := validateRate(f.RatePerHour, prefix+".rate_per_hour"); err != nil {
				return err
			}
		}
		for ut, r := range f.Rates {
			if _, err := model.ParseUserType(ut); err != nil {
				return fmt.Errorf("%s.rates: %w", prefix, err)
			}
			if err := validateRate(r, fmt.Sprintf("%s.rates.%s", prefix, ut)); err != nil {
				return err
			}
		}

		slotIDs := make(map[string]bool)
		for j, s := range f.Slots {
			sp := fmt.Sprintf("%s.slots[%d]", prefix, j)
			if s.ID == "" {
				return fmt.Errorf("%s: id is required", sp)
			}
			if slotIDs[s.ID] {
				return fmt.Errorf("%s: duplicate slot id '%s'", sp, s.ID)
			}
			slotIDs[s.ID] = true
			if _, err := model.WeekdayFromNumber(s.Day); err != nil {
				return fmt.Errorf("%s: %w", sp, err)
			}
			if err := validateWindow(s.Start, s.End, sp); err != nil {
				return err
			}
			if err := validateUserTypes(s.Eligible, sp+".eligible"); err != nil {
				return err
			}
		}

		if f.Weekly != nil {
			if err := validateWeekly(f.Weekly, prefix+".weekly"); err != nil {
				return err
			}
		}

		if len(f.Slots) == 0 && f.Weekly == nil {
			return fmt.Errorf("%s: either slots or weekly must be set", prefix)
		}
	}

	for i, h := range c.Holidays {
		if h.Date == "" {
			return fmt.Errorf("holiday[%d]: date is required", i)
		}
		if _, err := time.Parse(model.DateLayout, h.Date); err != nil {
			return fmt.Errorf("holiday[%d]: invalid date format '%s', expected YYYY-MM-DD", i, h.Date)
		}
	}

	return nil
}

func validateWeekly(w *WeeklyConfig, prefix string) error {
	if len(w.Days) == 0 {
		return fmt.Errorf("%s.days is required", prefix)
	}
	for i, d := range w.Days {
		if _, err := model.WeekdayFromNumber(d); err != nil {
			return fmt.Errorf("%s.days[%d]: %w", prefix, i, err)
		}
	}

	if err := validateWindow(w.StartTime, w.EndTime, prefix); err != nil {
		return err
	}

	if w.SlotDurationMinutes <= 0 {
		return fmt.Errorf("%s.slot_duration_minutes must be positive", prefix)
	}

	if w.LunchStart != "" && w.LunchEnd != "" {
		if err := validateWindow(w.LunchStart, w.LunchEnd, prefix+".lunch"); err != nil {
			return err
		}
		start, _ := model.ParseClockTime(w.StartTime)
		end, _ := model.ParseClockTime(w.EndTime)
		lunchStart, _ := model.ParseClockTime(w.LunchStart)
		lunchEnd, _ := model.ParseClockTime(w.LunchEnd)
		if lunchStart < start || lunchEnd > end {
			return fmt.Errorf("%s: lunch break must be within working hours", prefix)
		}
	}

	return validateUserTypes(w.Eligible, prefix+".eligible")
}

func validateWindow(startStr, endStr, prefix string) error {
	if startStr == "" {
		return fmt.Errorf("%s.start is required", prefix)
	}
	if endStr == "" {
		return fmt.Errorf("%s.end is required", prefix)
	}

	start, err := model.ParseClockTime(startStr)
	if err != nil {
		return fmt.Errorf("%s.start: invalid format '%s', expected HH:MM", prefix, startStr)
	}

	end, err := model.ParseClockTime(endStr)
	if err != nil {
		return fmt.Errorf("%s.end: invalid format '%s', expected HH:MM", prefix, endStr)
	}

	if end <= start {
		return fmt.Errorf("%s: end must be after start", prefix)
	}
	return nil
}

func validateRate(s, prefix string) error {
	r, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("%s: invalid amount '%s'", prefix, s)
	}
	if r.IsNegative() {
		return fmt.Errorf("%s: cannot be negative", prefix)
	}
	return nil
}

func validateUserTypes(types []string, prefix string) error {
	for i, t := range types {
		if _, err := model.ParseUserType(t); err != nil {
			return fmt.Errorf("%s[%d]: %w", prefix, i, err)
		}
	}
	return nil
}

// applyDefaults fills eligibility and rates not set per facility.
func (c *FacilitiesConfig) applyDefaults() {
	for i := range c.Facilities {
		f := &c.Facilities[i]
		if f.RatePerHour == "" {
			f.RatePerHour = c.Defaults.RatePerHour
		}
		for j := range f.Slots {
			if len(f.Slots[j].Eligible) == 0 {
				f.Slots[j].Eligible = c.Defaults.Eligible
			}
		}
		if f.Weekly != nil && len(f.Weekly.Eligible) == 0 {
			f.Weekly.Eligible = c.Defaults.Eligible
		}
	}
}

// String returns a summary of the configuration.
func (c *FacilitiesConfig) String() string {
	active := 0
	for _, f := range c.Facilities {
		if f.IsActive {
			active++
		}
	}
	return fmt.Sprintf("FacilitiesConfig: %d facilities (%d active), %d holidays",
		len(c.Facilities), active, len(c.Holidays))
}
