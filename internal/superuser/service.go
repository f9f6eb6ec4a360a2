// Package superuser runs the request, decision and revocation workflow for
// facility administration rights.
package superuser

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"labbook/internal/access"
	"labbook/internal/apperr"
	"labbook/internal/db"
	"labbook/internal/events"
	"labbook/internal/model"
	"labbook/internal/slots"
)

// Decision is a supervisor's answer to a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision rejects anything but approve and reject.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionApprove, DecisionReject:
		return Decision(s), nil
	default:
		return "", apperr.E(apperr.KindValidation, "superuser.ParseDecision", "unknown decision %q", s)
	}
}

func (d Decision) status() model.RequestStatus {
	if d == DecisionApprove {
		return model.RequestApproved
	}
	return model.RequestRejected
}

// Service provides superuser workflow operations.
type Service struct {
	db       *db.DB
	registry *slots.Registry
	gate     *access.Gate
	bus      *events.EventBus
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService creates a new superuser service.
func NewService(store *db.DB, registry *slots.Registry, gate *access.Gate, bus *events.EventBus, logger *zerolog.Logger) *Service {
	return &Service{
		db:       store,
		registry: registry,
		gate:     gate,
		bus:      bus,
		now:      time.Now,
		logger:   logger.With().Str("component", "superuser").Logger(),
	}
}

// Submit files a pending request for administration rights over facilityID.
// A user may have only one pending request per facility.
func (s *Service) Submit(ctx context.Context, actor model.Actor, facilityID, reason string) (*model.SuperuserRequest, error) {
	const op = "superuser.Submit"

	if actor.UserID == "" {
		return nil, apperr.E(apperr.KindUnauthenticated, op, "no authenticated user")
	}
	actor = s.gate.Resolve(actor)

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.E(apperr.KindValidation, op, "reason is required")
	}
	f, ok := s.registry.Current().Facility(facilityID)
	if !ok || !f.Active {
		return nil, apperr.E(apperr.KindValidation, op, "unknown facility %q", facilityID)
	}

	now := s.now().UTC()
	r := &model.SuperuserRequest{
		ID:          uuid.NewString(),
		UserID:      actor.UserID,
		FacilityID:  f.ID,
		Reason:      reason,
		Status:      model.RequestPending,
		RequestedAt: now,
	}

	err := s.db.InTx(ctx, func(tx *db.Tx) error {
		if err := tx.UpsertUser(ctx, actor, now); err != nil {
			return err
		}
		return tx.CreateSuperuserRequestIfAbsent(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("request_id", r.ID).
		Str("user_id", r.UserID).
		Str("facility_id", r.FacilityID).
		Msg("superuser request submitted")

	s.bus.Emit(events.SuperuserRequested, events.SuperuserPayload{
		RequestID:  r.ID,
		UserID:     r.UserID,
		FacilityID: r.FacilityID,
		Status:     string(r.Status),
		ActorID:    actor.UserID,
	})
	return r, nil
}

// Decide approves or rejects a pending request. Approval activates the
// grant in the same transaction.
func (s *Service) Decide(ctx context.Context, actor model.Actor, requestID string, decision Decision, note string) (*model.SuperuserRequest, error) {
	const op = "superuser.Decide"

	if err := s.requireSupervisor(op, actor); err != nil {
		return nil, err
	}
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, apperr.E(apperr.KindValidation, op, "unknown decision %q", decision)
	}

	now := s.now().UTC()
	var decided *model.SuperuserRequest
	err := s.db.InTx(ctx, func(tx *db.Tx) error {
		r, err := tx.GetSuperuserRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if r.Status != model.RequestPending {
			return apperr.E(apperr.KindInvalidTransition, op, "superuser request %s is already %s", r.ID, r.Status)
		}

		next := decision.status()
		if err := tx.UpdateSuperuserRequestWithExpectedState(ctx, r.ID, model.RequestPending, next, actor.UserID, note, now); err != nil {
			return err
		}
		if decision == DecisionApprove {
			if err := tx.UpsertGrant(ctx, &model.SuperuserGrant{
				UserID:     r.UserID,
				FacilityID: r.FacilityID,
				Active:     true,
				RequestID:  r.ID,
				GrantedAt:  now,
				GrantedBy:  actor.UserID,
			}); err != nil {
				return err
			}
		}

		decided, err = tx.GetSuperuserRequest(ctx, r.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("request_id", decided.ID).
		Str("user_id", decided.UserID).
		Str("facility_id", decided.FacilityID).
		Str("decided_by", actor.UserID).
		Str("status", string(decided.Status)).
		Msg("superuser request decided")

	s.bus.Emit(events.SuperuserDecided, events.SuperuserPayload{
		RequestID:  decided.ID,
		UserID:     decided.UserID,
		FacilityID: decided.FacilityID,
		Status:     string(decided.Status),
		ActorID:    actor.UserID,
		Note:       note,
	})
	return decided, nil
}

// Revoke deactivates a grant. Revoking an inactive grant succeeds without
// changes; a user who was never granted the facility gives NotFound.
func (s *Service) Revoke(ctx context.Context, actor model.Actor, userID, facilityID string) error {
	const op = "superuser.Revoke"

	if err := s.requireSupervisor(op, actor); err != nil {
		return err
	}

	var revoked bool
	err := s.db.InTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.GetGrant(ctx, userID, facilityID); err != nil {
			return err
		}
		var err error
		revoked, err = tx.RevokeGrantWithExpectedState(ctx, userID, facilityID, actor.UserID, s.now())
		return err
	})
	if err != nil {
		return err
	}
	if !revoked {
		s.logger.Debug().Str("user_id", userID).Str("facility_id", facilityID).Msg("grant already inactive")
		return nil
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("facility_id", facilityID).
		Str("revoked_by", actor.UserID).
		Msg("superuser grant revoked")

	s.bus.Emit(events.SuperuserRevoked, events.SuperuserPayload{
		UserID:     userID,
		FacilityID: facilityID,
		Status:     "revoked",
		ActorID:    actor.UserID,
	})
	return nil
}

// ListPending returns pending requests, oldest first.
func (s *Service) ListPending(ctx context.Context, actor model.Actor) ([]model.SuperuserRequest, error) {
	if err := s.requireSupervisor("superuser.ListPending", actor); err != nil {
		return nil, err
	}
	return s.db.ListSuperuserRequests(ctx, db.RequestFilter{Status: model.RequestPending})
}

// ListActiveGrants returns active grants, optionally for one facility.
func (s *Service) ListActiveGrants(ctx context.Context, actor model.Actor, facilityID string) ([]model.SuperuserGrant, error) {
	if err := s.requireSupervisor("superuser.ListActiveGrants", actor); err != nil {
		return nil, err
	}
	return s.db.ListGrants(ctx, db.GrantFilter{FacilityID: facilityID, ActiveOnly: true})
}

// ListMine returns the actor's own requests in every status.
func (s *Service) ListMine(ctx context.Context, actor model.Actor) ([]model.SuperuserRequest, error) {
	if actor.UserID == "" {
		return nil, apperr.E(apperr.KindUnauthenticated, "superuser.ListMine", "no authenticated user")
	}
	return s.db.ListSuperuserRequests(ctx, db.RequestFilter{UserID: actor.UserID})
}

// GrantStatus tells whether userID currently administers facilityID.
// Supervisors may ask about anyone, other users only about themselves.
func (s *Service) GrantStatus(ctx context.Context, actor model.Actor, userID, facilityID string) (bool, error) {
	const op = "superuser.GrantStatus"

	if actor.UserID == "" {
		return false, apperr.E(apperr.KindUnauthenticated, op, "no authenticated user")
	}
	if actor.UserID != userID && !s.gate.IsSupervisor(actor) {
		return false, apperr.E(apperr.KindForbidden, op, "user %s may not inspect grants of %s", actor.UserID, userID)
	}
	if _, ok := s.registry.Current().Facility(facilityID); !ok {
		return false, apperr.E(apperr.KindNotFound, op, "facility %s not found", facilityID)
	}
	return s.HasActiveGrant(ctx, userID, facilityID)
}

// HasActiveGrant reports whether an active grant exists. A user who was
// never granted the facility has none.
func (s *Service) HasActiveGrant(ctx context.Context, userID, facilityID string) (bool, error) {
	g, err := s.db.GetGrant(ctx, userID, facilityID)
	if errors.Is(err, apperr.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return g.Active, nil
}

func (s *Service) requireSupervisor(op string, actor model.Actor) error {
	if actor.UserID == "" {
		return apperr.E(apperr.KindUnauthenticated, op, "no authenticated user")
	}
	if !s.gate.IsSupervisor(actor) {
		return apperr.E(apperr.KindForbidden, op, "user %s is not a supervisor", actor.UserID)
	}
	return nil
}
