package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BookingStatus represents booking status.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingApproved  BookingStatus = "approved"
	BookingRejected  BookingStatus = "rejected"
	BookingCancelled BookingStatus = "cancelled"
)

// ParseBookingStatus rejects statuses outside the closed set.
func ParseBookingStatus(s string) (BookingStatus, error) {
	switch BookingStatus(s) {
	case BookingPending, BookingApproved, BookingRejected, BookingCancelled:
		return BookingStatus(s), nil
	default:
		return "", fmt.Errorf("unknown booking status: %s", s)
	}
}

// Active bookings hold their slots exclusively.
func (s BookingStatus) Active() bool {
	return s == BookingPending || s == BookingApproved
}

// Terminal statuses accept no further transitions.
func (s BookingStatus) Terminal() bool {
	return s == BookingRejected || s == BookingCancelled
}

// Booking reserves one or more slots of a facility on a date.
type Booking struct {
	ID         string          `json:"id"`
	FacilityID string          `json:"facility_id"`
	UserID     string          `json:"user_id"`
	UserType   UserType        `json:"user_type"`
	Date       time.Time       `json:"date"`
	SlotIDs    []string        `json:"slot_ids"`
	Status     BookingStatus   `json:"status"`
	Cost       decimal.Decimal `json:"cost"`
	Comment    string          `json:"comment,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// BookingView is a booking joined with requester and facility display data.
type BookingView struct {
	Booking
	RequesterName string `json:"requester_name"`
	FacilityName  string `json:"facility_name"`
}

// BookingFilter narrows booking listings. Zero values mean "any".
type BookingFilter struct {
	Status      BookingStatus
	DateFrom    time.Time
	DateTo      time.Time
	FacilityID  string
	UserID      string
	FacilityIDs []string // restricts to these facilities when non-nil
	Limit       int
	Offset      int
}

// SlotHold is one slot held by an active booking on a concrete date.
type SlotHold struct {
	BookingID string
	Date      time.Time
	SlotID    string
}
