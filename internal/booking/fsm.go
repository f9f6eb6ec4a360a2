// Package booking creates bookings and moves them through their lifecycle.
package booking

import (
	"labbook/internal/apperr"
	"labbook/internal/model"
)

// Action is a request to change a booking's status.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionCancel  Action = "cancel"
)

// ParseAction rejects actions outside the closed set.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionApprove, ActionReject, ActionCancel:
		return Action(s), nil
	default:
		return "", apperr.E(apperr.KindValidation, "booking.ParseAction", "unknown action %q", s)
	}
}

// Target is the status an action leads to.
func (a Action) Target() model.BookingStatus {
	switch a {
	case ActionApprove:
		return model.BookingApproved
	case ActionReject:
		return model.BookingRejected
	case ActionCancel:
		return model.BookingCancelled
	default:
		return ""
	}
}

// FSM holds the booking transition table. Every status change goes through Next.
type FSM struct {
	transitions map[model.BookingStatus][]model.BookingStatus
}

// NewFSM creates a new FSM with predefined transitions.
func NewFSM() *FSM {
	return &FSM{
		transitions: map[model.BookingStatus][]model.BookingStatus{
			model.BookingPending:   {model.BookingApproved, model.BookingRejected, model.BookingCancelled},
			model.BookingApproved:  {model.BookingCancelled},
			model.BookingRejected:  {},
			model.BookingCancelled: {},
		},
	}
}

// CanTransition checks if transition is allowed.
func (f *FSM) CanTransition(from, to model.BookingStatus) bool {
	for _, s := range f.transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the status action leads to from, or InvalidTransition.
func (f *FSM) Next(from model.BookingStatus, action Action) (model.BookingStatus, error) {
	to := action.Target()
	if to == "" {
		return "", apperr.E(apperr.KindValidation, "booking.FSM", "unknown action %q", action)
	}
	if !f.CanTransition(from, to) {
		return "", apperr.E(apperr.KindInvalidTransition, "booking.FSM",
			"cannot %s a booking that is %s", action, from)
	}
	return to, nil
}
