package superuser

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labbook/internal/access"
	"labbook/internal/apperr"
	"labbook/internal/config"
	"labbook/internal/db"
	"labbook/internal/events"
	"labbook/internal/model"
	"labbook/internal/slots"
)

const registryYAML = `
defaults:
  rate_per_hour: "10.00"
  eligible: [student, faculty, staff]
facilities:
  - id: lab-a
    name: Lab A
    is_active: true
    slots:
      - {id: lab-a-mon-1, day: 1, start: "10:00", end: "11:00"}
  - id: room-b
    name: Room B
    is_active: true
    slots:
      - {id: room-b-mon-1, day: 1, start: "10:00", end: "11:00"}
  - id: old-c
    name: Old C
    is_active: false
    slots:
      - {id: old-c-1, day: 1, start: "10:00", end: "11:00"}
`

var (
	val        = model.Actor{UserID: "v", Name: "Val", UserType: model.UserTypeStaff}
	kim        = model.Actor{UserID: "k", Name: "Kim", UserType: model.UserTypeFaculty}
	supervisor = model.Actor{UserID: "s", Name: "Sam", UserType: model.UserTypeStaff, Role: model.RoleSupervisor}
)

type testEnv struct {
	svc   *Service
	gate  *access.Gate
	mu    sync.Mutex
	types []string
}

func newTestEnv(t *testing.T, supervisors ...string) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	store, err := db.Open(filepath.Join(t.TempDir(), "labbook.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg, err := config.ParseFacilitiesConfig([]byte(registryYAML))
	require.NoError(t, err)
	catalog, err := slots.BuildCatalog(cfg)
	require.NoError(t, err)

	env := &testEnv{gate: access.NewGate(supervisors)}
	bus := events.NewEventBus(&logger)
	for _, typ := range []string{events.SuperuserRequested, events.SuperuserDecided, events.SuperuserRevoked} {
		bus.Subscribe(typ, func(e events.Event) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.types = append(env.types, e.Type)
			return nil
		})
	}

	env.svc = NewService(store, slots.NewRegistry(catalog), env.gate, bus, &logger)
	var ticks atomic.Int64
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time {
		return start.Add(time.Duration(ticks.Add(1)) * time.Minute)
	}
	return env
}

// canAdminister answers through the gate the way booking transitions do.
func (e *testEnv) canAdminister(t *testing.T, actor model.Actor, facilityID string) bool {
	t.Helper()
	grants, err := e.svc.ListActiveGrants(context.Background(), supervisor, facilityID)
	require.NoError(t, err)
	return e.gate.CanAdminister(actor, facilityID, grants)
}

func TestGrantLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.svc.Submit(ctx, val, "lab-a", "  I run the Tuesday sessions ")
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, req.Status)
	assert.Equal(t, "I run the Tuesday sessions", req.Reason)

	_, err = env.svc.Submit(ctx, val, "lab-a", "again")
	assert.ErrorIs(t, err, apperr.Conflict)

	assert.False(t, env.canAdminister(t, val, "lab-a"))

	decided, err := env.svc.Decide(ctx, supervisor, req.ID, DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, model.RequestApproved, decided.Status)
	assert.Equal(t, "s", decided.DecidedBy)
	assert.Equal(t, "ok", decided.Note)
	require.NotNil(t, decided.DecidedAt)

	assert.True(t, env.canAdminister(t, val, "lab-a"))
	assert.False(t, env.canAdminister(t, val, "room-b"))
	has, err := env.svc.HasActiveGrant(ctx, val.UserID, "lab-a")
	require.NoError(t, err)
	assert.True(t, has)

	_, err = env.svc.Decide(ctx, supervisor, req.ID, DecisionReject, "")
	assert.ErrorIs(t, err, apperr.InvalidTransition)

	require.NoError(t, env.svc.Revoke(ctx, supervisor, val.UserID, "lab-a"))
	assert.False(t, env.canAdminister(t, val, "lab-a"))

	// Second revoke changes nothing and emits nothing.
	require.NoError(t, env.svc.Revoke(ctx, supervisor, val.UserID, "lab-a"))

	again, err := env.svc.Submit(ctx, val, "lab-a", "back from leave")
	require.NoError(t, err)
	_, err = env.svc.Decide(ctx, supervisor, again.ID, DecisionApprove, "")
	require.NoError(t, err)
	assert.True(t, env.canAdminister(t, val, "lab-a"))

	assert.Equal(t, []string{
		events.SuperuserRequested,
		events.SuperuserDecided,
		events.SuperuserRevoked,
		events.SuperuserRequested,
		events.SuperuserDecided,
	}, env.types)

	mine, err := env.svc.ListMine(ctx, val)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, req.ID, mine[0].ID)
	assert.Equal(t, again.ID, mine[1].ID)
}

func TestGrantStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	active, err := env.svc.GrantStatus(ctx, val, val.UserID, "lab-a")
	require.NoError(t, err)
	assert.False(t, active, "never granted")

	_, err = env.svc.GrantStatus(ctx, kim, val.UserID, "lab-a")
	assert.ErrorIs(t, err, apperr.Forbidden)
	_, err = env.svc.GrantStatus(ctx, model.Actor{}, val.UserID, "lab-a")
	assert.ErrorIs(t, err, apperr.Unauthenticated)
	_, err = env.svc.GrantStatus(ctx, supervisor, val.UserID, "nope")
	assert.ErrorIs(t, err, apperr.NotFound)

	req, err := env.svc.Submit(ctx, val, "lab-a", "course")
	require.NoError(t, err)
	_, err = env.svc.Decide(ctx, supervisor, req.ID, DecisionApprove, "")
	require.NoError(t, err)

	active, err = env.svc.GrantStatus(ctx, supervisor, val.UserID, "lab-a")
	require.NoError(t, err)
	assert.True(t, active)
	active, err = env.svc.GrantStatus(ctx, val, val.UserID, "room-b")
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, env.svc.Revoke(ctx, supervisor, val.UserID, "lab-a"))
	active, err = env.svc.GrantStatus(ctx, val, val.UserID, "lab-a")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRejectLeavesNoGrant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.svc.Submit(ctx, val, "lab-a", "please")
	require.NoError(t, err)

	decided, err := env.svc.Decide(ctx, supervisor, req.ID, DecisionReject, "not this term")
	require.NoError(t, err)
	assert.Equal(t, model.RequestRejected, decided.Status)

	has, err := env.svc.HasActiveGrant(ctx, val.UserID, "lab-a")
	require.NoError(t, err)
	assert.False(t, has)

	// No grant row was ever written.
	err = env.svc.Revoke(ctx, supervisor, val.UserID, "lab-a")
	assert.ErrorIs(t, err, apperr.NotFound)

	// A decided request no longer blocks a new one.
	_, err = env.svc.Submit(ctx, val, "lab-a", "please, again")
	assert.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		actor    model.Actor
		facility string
		reason   string
		want     error
	}{
		{"blank reason", val, "lab-a", "   ", apperr.Validation},
		{"unknown facility", val, "nope", "reason", apperr.Validation},
		{"inactive facility", val, "old-c", "reason", apperr.Validation},
		{"anonymous", model.Actor{}, "lab-a", "reason", apperr.Unauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Submit(ctx, tt.actor, tt.facility, tt.reason)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSupervisorOnlyOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.svc.Submit(ctx, val, "lab-a", "reason")
	require.NoError(t, err)

	_, err = env.svc.Decide(ctx, kim, req.ID, DecisionApprove, "")
	assert.ErrorIs(t, err, apperr.Forbidden)

	// A grant does not make its holder a supervisor.
	_, err = env.svc.Decide(ctx, supervisor, req.ID, DecisionApprove, "")
	require.NoError(t, err)
	_, err = env.svc.ListPending(ctx, val)
	assert.ErrorIs(t, err, apperr.Forbidden)
	_, err = env.svc.ListActiveGrants(ctx, val, "")
	assert.ErrorIs(t, err, apperr.Forbidden)
	assert.ErrorIs(t, env.svc.Revoke(ctx, val, val.UserID, "lab-a"), apperr.Forbidden)

	_, err = env.svc.Decide(ctx, supervisor, "missing", DecisionApprove, "")
	assert.ErrorIs(t, err, apperr.NotFound)

	_, err = env.svc.Decide(ctx, supervisor, req.ID, Decision("maybe"), "")
	assert.ErrorIs(t, err, apperr.Validation)
}

func TestConfiguredSupervisor(t *testing.T) {
	env := newTestEnv(t, kim.UserID)
	ctx := context.Background()

	req, err := env.svc.Submit(ctx, val, "room-b", "reason")
	require.NoError(t, err)

	_, err = env.svc.Decide(ctx, kim, req.ID, DecisionApprove, "")
	assert.NoError(t, err)
}

func TestListPendingOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.Submit(ctx, val, "lab-a", "first")
	require.NoError(t, err)
	second, err := env.svc.Submit(ctx, kim, "lab-a", "second")
	require.NoError(t, err)
	third, err := env.svc.Submit(ctx, val, "room-b", "third")
	require.NoError(t, err)

	_, err = env.svc.Decide(ctx, supervisor, second.ID, DecisionReject, "")
	require.NoError(t, err)

	pending, err := env.svc.ListPending(ctx, supervisor)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, third.ID, pending[1].ID)
}

func TestConcurrentSubmitExactlyOnePending(t *testing.T) {
	env := newTestEnv(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Submit(context.Background(), val, "lab-a", "reason")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperr.Conflict)
	}
	assert.Equal(t, 1, ok)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("reject")
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, d)

	_, err = ParseDecision("cancel")
	assert.ErrorIs(t, err, apperr.Validation)
}
