// Package cache keeps resolved availability weeks in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"labbook/internal/events"
	"labbook/internal/model"
	"labbook/internal/slots"
)

const (
	weekPrefix = "availability:week:"
	genPrefix  = "availability:gen:"
	epochKey   = "availability:epoch"
)

var errStale = errors.New("week changed while resolving")

// WeekCache stores slots.Week values under availability:week:<facility>:<user type>:<monday>.
// Every facility week also has a generation counter that invalidation bumps,
// and a write only lands if neither the generation nor the global epoch
// moved since the caller read them. Reads that fail for any reason are
// treated as misses.
type WeekCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewWeekCache creates a cache with the given entry lifetime.
func NewWeekCache(client *redis.Client, ttl time.Duration, logger *zerolog.Logger) *WeekCache {
	return &WeekCache{
		redis:  client,
		ttl:    ttl,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

func weekKey(facilityID string, userType model.UserType, weekStart time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", weekPrefix, facilityID, userType, weekStart.Format(model.DateLayout))
}

func genKey(facilityID string, weekStart time.Time) string {
	return fmt.Sprintf("%s%s:%s", genPrefix, facilityID, weekStart.Format(model.DateLayout))
}

// genTTL outlives any resolve in flight so a counter never resets under it.
func (c *WeekCache) genTTL() time.Duration {
	if d := 2 * c.ttl; d > time.Hour {
		return d
	}
	return time.Hour
}

func (c *WeekCache) enabled() bool {
	return c != nil && c.redis != nil && c.ttl > 0
}

// GetWeek returns the cached week, if any.
func (c *WeekCache) GetWeek(ctx context.Context, facilityID string, userType model.UserType, weekStart time.Time) (*slots.Week, bool) {
	if !c.enabled() {
		return nil, false
	}
	val, err := c.redis.Get(ctx, weekKey(facilityID, userType, weekStart)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("facility_id", facilityID).Msg("cache read failed")
		}
		return nil, false
	}
	var w slots.Week
	if err := json.Unmarshal([]byte(val), &w); err != nil {
		return nil, false
	}
	return &w, true
}

type mgetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func version(ctx context.Context, r mgetter, facilityID string, weekStart time.Time) (string, error) {
	vals, err := r.MGet(ctx, epochKey, genKey(facilityID, weekStart)).Result()
	if err != nil {
		return "", err
	}
	parts := [2]string{"0", "0"}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			parts[i] = s
		}
	}
	return parts[0] + "/" + parts[1], nil
}

// Version reads the invalidation state of a facility week. Callers read it
// before loading holds and pass it back to SetWeek.
func (c *WeekCache) Version(ctx context.Context, facilityID string, weekStart time.Time) (string, bool) {
	if !c.enabled() {
		return "", false
	}
	v, err := version(ctx, c.redis, facilityID, weekStart)
	if err != nil {
		c.logger.Warn().Err(err).Str("facility_id", facilityID).Msg("cache version read failed")
		return "", false
	}
	return v, true
}

// SetWeek stores w unless the facility week was invalidated after ver was read.
func (c *WeekCache) SetWeek(ctx context.Context, w *slots.Week, ver string) {
	if !c.enabled() || w == nil {
		return
	}
	data, err := json.Marshal(w)
	if err != nil {
		return
	}

	gk := genKey(w.FacilityID, w.Start)
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := version(ctx, tx, w.FacilityID, w.Start)
		if err != nil {
			return err
		}
		if cur != ver {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, weekKey(w.FacilityID, w.UserType, w.Start), data, c.ttl)
			return nil
		})
		return err
	}, epochKey, gk)

	switch {
	case err == nil:
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		c.logger.Debug().Str("facility_id", w.FacilityID).Str("week", w.Start.Format(model.DateLayout)).
			Msg("skipped caching a week invalidated meanwhile")
	default:
		c.logger.Warn().Err(err).Str("facility_id", w.FacilityID).Msg("cache write failed")
	}
}

// InvalidateWeek bumps the generation of the week containing date and drops
// every user type's entry for it.
func (c *WeekCache) InvalidateWeek(ctx context.Context, facilityID string, date time.Time) error {
	if c == nil || c.redis == nil {
		return nil
	}
	start := slots.WeekStart(date)
	keys := make([]string, 0, len(model.UserTypes))
	for _, ut := range model.UserTypes {
		keys = append(keys, weekKey(facilityID, ut, start))
	}
	gk := genKey(facilityID, start)
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, gk)
		pipe.Expire(ctx, gk, c.genTTL())
		pipe.Del(ctx, keys...)
		return nil
	})
	return err
}

// Flush drops every cached week, used after the registry changes.
func (c *WeekCache) Flush(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return nil
	}
	if err := c.redis.Incr(ctx, epochKey).Err(); err != nil {
		return err
	}
	iter := c.redis.Scan(ctx, 0, weekPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...).Err()
}

// Ping reports whether Redis answers, for readiness checks.
func (c *WeekCache) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

// Subscribe invalidates the affected week whenever a booking is created or
// changes status.
func (c *WeekCache) Subscribe(bus *events.EventBus) {
	handler := func(e events.Event) error {
		var p events.BookingPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		date, err := time.Parse(model.DateLayout, p.Date)
		if err != nil {
			return err
		}
		return c.InvalidateWeek(context.Background(), p.FacilityID, date)
	}
	bus.Subscribe(events.BookingCreated, handler)
	bus.Subscribe(events.BookingTransitioned, handler)
}
