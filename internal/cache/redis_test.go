package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labbook/internal/config"
	"labbook/internal/events"
	"labbook/internal/model"
	"labbook/internal/slots"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T) (*WeekCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := zerolog.Nop()
	return NewWeekCache(client, time.Minute, &logger), mr
}

func week(facilityID string, userType model.UserType) *slots.Week {
	return &slots.Week{
		FacilityID: facilityID,
		UserType:   userType,
		Start:      monday,
		Eligible:   true,
		Days: map[time.Weekday][]slots.AvailableSlot{
			time.Monday: {{SlotID: facilityID + "-1", Date: monday, Start: "10:00", End: "11:00"}},
		},
		Closed: map[time.Weekday]string{time.Wednesday: "Founders Day"},
	}
}

func store(t *testing.T, c *WeekCache, w *slots.Week) {
	t.Helper()
	ver, ok := c.Version(context.Background(), w.FacilityID, w.Start)
	require.True(t, ok)
	c.SetWeek(context.Background(), w, ver)
}

func TestWeekCacheRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, ok := c.GetWeek(ctx, "lab-a", model.UserTypeStudent, monday)
	assert.False(t, ok)

	store(t, c, week("lab-a", model.UserTypeStudent))
	assert.True(t, mr.Exists("availability:week:lab-a:student:2026-03-02"))

	got, ok := c.GetWeek(ctx, "lab-a", model.UserTypeStudent, monday)
	require.True(t, ok)
	assert.Equal(t, "lab-a-1", got.Days[time.Monday][0].SlotID)
	assert.Equal(t, "Founders Day", got.Closed[time.Wednesday])

	_, ok = c.GetWeek(ctx, "lab-a", model.UserTypeFaculty, monday)
	assert.False(t, ok, "entries are per user type")

	mr.FastForward(2 * time.Minute)
	_, ok = c.GetWeek(ctx, "lab-a", model.UserTypeStudent, monday)
	assert.False(t, ok, "expired")
}

func TestBookingEventsInvalidateFacilityWeek(t *testing.T) {
	c, mr := newTestCache(t)
	logger := zerolog.Nop()
	bus := events.NewEventBus(&logger)
	c.Subscribe(bus)

	store(t, c, week("lab-a", model.UserTypeStudent))
	store(t, c, week("lab-a", model.UserTypeStaff))
	store(t, c, week("room-b", model.UserTypeStudent))

	bus.Emit(events.BookingCreated, events.BookingPayload{BookingID: "b1", FacilityID: "lab-a", Date: "2026-03-04", To: "pending"})

	assert.False(t, mr.Exists("availability:week:lab-a:student:2026-03-02"))
	assert.False(t, mr.Exists("availability:week:lab-a:staff:2026-03-02"))
	assert.True(t, mr.Exists("availability:week:room-b:student:2026-03-02"))

	gen, err := mr.Get("availability:gen:lab-a:2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, "1", gen)
}

func TestStaleWriteIsDropped(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	ver, ok := c.Version(ctx, "lab-a", monday)
	require.True(t, ok)
	require.NoError(t, c.InvalidateWeek(ctx, "lab-a", monday.AddDate(0, 0, 2)))

	c.SetWeek(ctx, week("lab-a", model.UserTypeStudent), ver)
	assert.False(t, mr.Exists("availability:week:lab-a:student:2026-03-02"))

	other, ok := c.Version(ctx, "room-b", monday)
	require.True(t, ok)
	require.NoError(t, c.InvalidateWeek(ctx, "lab-a", monday))
	c.SetWeek(ctx, week("room-b", model.UserTypeStudent), other)
	assert.True(t, mr.Exists("availability:week:room-b:student:2026-03-02"), "other facilities are unaffected")
}

const raceRegistry = `
facilities:
  - id: lab-a
    name: Lab A
    is_active: true
    rate_per_hour: "10"
    slots:
      - {id: lab-a-mon-1, day: 1, start: "10:00", end: "11:00", eligible: [student]}
`

// bookingDuringRead reports no holds on its first call while a booking for
// lab-a-mon-1 commits and announces itself; later calls see that booking.
type bookingDuringRead struct {
	bus   *events.EventBus
	calls int
}

func (h *bookingDuringRead) ActiveHolds(_ context.Context, _ string, _, _ time.Time) ([]model.SlotHold, error) {
	h.calls++
	if h.calls == 1 {
		h.bus.Emit(events.BookingCreated, events.BookingPayload{
			BookingID: "b1", FacilityID: "lab-a", Date: "2026-03-02", SlotIDs: []string{"lab-a-mon-1"}, To: "pending",
		})
		return nil, nil
	}
	return []model.SlotHold{{BookingID: "b1", Date: monday, SlotID: "lab-a-mon-1"}}, nil
}

func TestWeekInvalidatedWhileResolvingIsNotCached(t *testing.T) {
	c, mr := newTestCache(t)
	logger := zerolog.Nop()
	bus := events.NewEventBus(&logger)
	c.Subscribe(bus)

	fc, err := config.ParseFacilitiesConfig([]byte(raceRegistry))
	require.NoError(t, err)
	catalog, err := slots.BuildCatalog(fc)
	require.NoError(t, err)

	holds := &bookingDuringRead{bus: bus}
	past := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	r := slots.NewResolver(slots.NewRegistry(catalog), holds, &logger, slots.WithCache(c), slots.WithClock(past))

	_, err = r.ResolveWeek(context.Background(), "lab-a", model.UserTypeStudent, monday)
	require.NoError(t, err)
	assert.False(t, mr.Exists("availability:week:lab-a:student:2026-03-02"))

	w, err := r.ResolveWeek(context.Background(), "lab-a", model.UserTypeStudent, monday)
	require.NoError(t, err)
	assert.Empty(t, w.Days[time.Monday], "held slot must not be served from cache")
	assert.Equal(t, 2, holds.calls)

	_, err = r.ResolveWeek(context.Background(), "lab-a", model.UserTypeStudent, monday)
	require.NoError(t, err)
	assert.Equal(t, 2, holds.calls, "settled week is cached")
}

func TestFlush(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	store(t, c, week("lab-a", model.UserTypeStudent))
	ver, ok := c.Version(ctx, "room-b", monday)
	require.True(t, ok)
	require.NoError(t, mr.Set("session:unrelated", "x"))

	require.NoError(t, c.Flush(ctx))
	for _, k := range mr.Keys() {
		assert.False(t, strings.HasPrefix(k, "availability:week:"), k)
	}
	assert.True(t, mr.Exists("session:unrelated"))

	c.SetWeek(ctx, week("room-b", model.UserTypeStudent), ver)
	assert.False(t, mr.Exists("availability:week:room-b:student:2026-03-02"), "weeks resolved against the old registry are dropped")
}

func TestUnavailableRedisIsAMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	mr.Close()

	_, ok := c.Version(ctx, "lab-a", monday)
	assert.False(t, ok)
	c.SetWeek(ctx, week("lab-a", model.UserTypeStudent), "0/0")
	_, ok = c.GetWeek(ctx, "lab-a", model.UserTypeStudent, monday)
	assert.False(t, ok)
	assert.Error(t, c.Ping(ctx))
}

func TestNilCacheIsDisabled(t *testing.T) {
	var c *WeekCache
	_, ok := c.GetWeek(context.Background(), "lab-a", model.UserTypeStudent, monday)
	assert.False(t, ok)
	_, ok = c.Version(context.Background(), "lab-a", monday)
	assert.False(t, ok)
	assert.NotPanics(t, func() { c.SetWeek(context.Background(), week("lab-a", model.UserTypeStudent), "0/0") })
	assert.NoError(t, c.InvalidateWeek(context.Background(), "lab-a", monday))
	assert.NoError(t, c.Ping(context.Background()))
}
