package model

import (
	"fmt"
	"time"
)

// RequestStatus is the lifecycle state of a superuser request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// ParseRequestStatus rejects statuses outside the closed set.
func ParseRequestStatus(s string) (RequestStatus, error) {
	switch RequestStatus(s) {
	case RequestPending, RequestApproved, RequestRejected:
		return RequestStatus(s), nil
	default:
		return "", fmt.Errorf("unknown request status: %s", s)
	}
}

// SuperuserRequest asks for administrative rights over one facility.
type SuperuserRequest struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	FacilityID  string        `json:"facility_id"`
	Reason      string        `json:"reason"`
	Status      RequestStatus `json:"status"`
	RequestedAt time.Time     `json:"requested_at"`
	DecidedAt   *time.Time    `json:"decided_at,omitempty"`
	DecidedBy   string        `json:"decided_by,omitempty"`
	Note        string        `json:"note,omitempty"`
}

// SuperuserGrant is materialized from an approved request. Revocation
// clears Active and keeps the row.
type SuperuserGrant struct {
	UserID     string     `json:"user_id"`
	FacilityID string     `json:"facility_id"`
	Active     bool       `json:"active"`
	RequestID  string     `json:"request_id,omitempty"`
	GrantedAt  time.Time  `json:"granted_at"`
	GrantedBy  string     `json:"granted_by"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RevokedBy  string     `json:"revoked_by,omitempty"`
}

// Flag renders the stored "Y"/"N" column value.
func (g SuperuserGrant) Flag() string {
	if g.Active {
		return "Y"
	}
	return "N"
}
