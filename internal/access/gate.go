// Package access decides who may administer a facility and who may book as
// which user type. It performs no I/O; callers pass already-loaded grants.
package access

import (
	"labbook/internal/model"
)

// Gate is the single authorization checkpoint.
type Gate struct {
	supervisors map[string]struct{}
}

// NewGate creates a gate. Users listed in supervisors hold the supervisor role
// regardless of what their credential says.
func NewGate(supervisors []string) *Gate {
	g := &Gate{supervisors: make(map[string]struct{}, len(supervisors))}
	for _, id := range supervisors {
		g.supervisors[id] = struct{}{}
	}
	return g
}

// Resolve returns actor with its effective role.
func (g *Gate) Resolve(actor model.Actor) model.Actor {
	if _, ok := g.supervisors[actor.UserID]; ok {
		actor.Role = model.RoleSupervisor
	}
	if actor.Role == "" {
		actor.Role = model.RoleUser
	}
	return actor
}

// IsSupervisor reports whether actor holds the global supervisor role.
func (g *Gate) IsSupervisor(actor model.Actor) bool {
	return g.Resolve(actor).Role == model.RoleSupervisor
}

// CanAdminister reports whether actor may approve, reject or cancel bookings
// of facilityID: supervisors always, others with an active grant for it.
func (g *Gate) CanAdminister(actor model.Actor, facilityID string, grants []model.SuperuserGrant) bool {
	if g.IsSupervisor(actor) {
		return true
	}
	for _, gr := range grants {
		if gr.Active && gr.UserID == actor.UserID && gr.FacilityID == facilityID {
			return true
		}
	}
	return false
}

// CanBookAs reports whether actor may book as userType. Users book only as themselves.
func (g *Gate) CanBookAs(actor model.Actor, userType model.UserType) bool {
	return actor.UserType != "" && actor.UserType == userType
}

// AdministeredFacilities lists the facilities actor holds active grants for.
// Supervisors administer everything; callers check IsSupervisor first.
func (g *Gate) AdministeredFacilities(actor model.Actor, grants []model.SuperuserGrant) []string {
	out := []string{}
	seen := make(map[string]struct{})
	for _, gr := range grants {
		if !gr.Active || gr.UserID != actor.UserID {
			continue
		}
		if _, ok := seen[gr.FacilityID]; ok {
			continue
		}
		seen[gr.FacilityID] = struct{}{}
		out = append(out, gr.FacilityID)
	}
	return out
}
