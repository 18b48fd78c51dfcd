package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const scheduledKey = "ride_requests:scheduled"

// createScript writes the request hash only if it does not exist yet, along
// with its exclusion set and scheduled index entry.
// KEYS = hash, excluded set, scheduled zset.
// ARGV = schedule score ('' when not scheduled), id, excluded count n,
// n excluded ids, then the hash field/value pairs.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local n = tonumber(ARGV[3])
redis.call('HSET', KEYS[1], unpack(ARGV, 4 + n))
if n > 0 then redis.call('SADD', KEYS[2], unpack(ARGV, 4, 3 + n)) end
if ARGV[1] ~= '' then redis.call('ZADD', KEYS[3], ARGV[1], ARGV[2]) end
return 1
`)

// casScript: ARGV = expected, next, driver, updated_at, channel, payload.
// Returns 1 on success, 0 when missing, -1 on a status mismatch.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return 0 end
if cur ~= ARGV[1] then return -1 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'assigned_driver_id', ARGV[3], 'updated_at', ARGV[4])
if ARGV[3] ~= '' then redis.call('SREM', KEYS[2], ARGV[3]) end
redis.call('PUBLISH', ARGV[5], ARGV[6])
return 1
`)

// progressScript: ARGV = radius, updated_at, excluded ids...
// The exclusion set is a Redis SET that is only ever added to here.
var progressScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return 0 end
if cur ~= 'searching' then return -1 end
redis.call('HSET', KEYS[1], 'search_radius_m', ARGV[1], 'updated_at', ARGV[2])
if #ARGV > 2 then redis.call('SADD', KEYS[2], unpack(ARGV, 3)) end
return 1
`)

// RedisStore keeps each request in a hash plus a set of excluded drivers and
// pushes changes over Pub/Sub.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

type redisRequest struct {
	RiderID          string  `redis:"rider_id"`
	PickupLat        float64 `redis:"pickup_lat"`
	PickupLon        float64 `redis:"pickup_lon"`
	DropoffLat       float64 `redis:"dropoff_lat"`
	DropoffLon       float64 `redis:"dropoff_lon"`
	VehicleClass     string  `redis:"vehicle_class"`
	Status           string  `redis:"status"`
	AssignedDriverID string  `redis:"assigned_driver_id"`
	SearchRadius     float64 `redis:"search_radius_m"`
	ScheduledTime    string  `redis:"scheduled_time"`
	CreatedAt        string  `redis:"created_at"`
	UpdatedAt        string  `redis:"updated_at"`
}

func requestKey(id string) string  { return "ride_request:" + id }
func excludedKey(id string) string { return "ride_request:" + id + ":excluded" }
func eventsKey(id string) string   { return "ride_request_events:" + id }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func (s *RedisStore) Create(ctx context.Context, r *models.RideRequest) error {
	keys, args := createArgs(r, time.Now())
	ok, err := createScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, r.ID)
	}
	return nil
}

// createArgs lays out the keys and arguments createScript expects.
func createArgs(r *models.RideRequest, now time.Time) ([]string, []interface{}) {
	status := r.Status
	if status == "" {
		status = models.StatusCreated
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}
	scheduled, score := "", ""
	if r.ScheduledTime != nil {
		scheduled = formatTime(*r.ScheduledTime)
		score = strconv.FormatInt(r.ScheduledTime.UnixMilli(), 10)
	}
	args := []interface{}{score, r.ID, len(r.ExcludedDriverIDs)}
	args = append(args, toInterfaces(r.ExcludedDriverIDs)...)
	args = append(args,
		"rider_id", r.RiderID,
		"pickup_lat", formatFloat(r.Pickup.Lat),
		"pickup_lon", formatFloat(r.Pickup.Lon),
		"dropoff_lat", formatFloat(r.Dropoff.Lat),
		"dropoff_lon", formatFloat(r.Dropoff.Lon),
		"vehicle_class", string(r.VehicleClass),
		"status", string(status),
		"assigned_driver_id", r.AssignedDriverID,
		"search_radius_m", formatFloat(r.SearchRadiusMeters),
		"scheduled_time", scheduled,
		"created_at", formatTime(created),
		"updated_at", formatTime(now),
	)
	return []string{requestKey(r.ID), excludedKey(r.ID), scheduledKey}, args
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	pipe := s.client.Pipeline()
	hash := pipe.HGetAll(ctx, requestKey(id))
	members := pipe.SMembers(ctx, excludedKey(id))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	if len(hash.Val()) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var raw redisRequest
	if err := hash.Scan(&raw); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	return decodeRequest(id, raw, members.Val())
}

func decodeRequest(id string, raw redisRequest, excluded []string) (*models.RideRequest, error) {
	sort.Strings(excluded)
	r := &models.RideRequest{
		ID:                 id,
		RiderID:            raw.RiderID,
		Pickup:             models.Coord{Lat: raw.PickupLat, Lon: raw.PickupLon},
		Dropoff:            models.Coord{Lat: raw.DropoffLat, Lon: raw.DropoffLon},
		VehicleClass:       models.VehicleClass(raw.VehicleClass),
		Status:             models.Status(raw.Status),
		AssignedDriverID:   raw.AssignedDriverID,
		ExcludedDriverIDs:  excluded,
		SearchRadiusMeters: raw.SearchRadius,
	}
	var err error
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, raw.CreatedAt); err != nil {
		return nil, fmt.Errorf("decode request %s created_at: %w", id, err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, raw.UpdatedAt); err != nil {
		return nil, fmt.Errorf("decode request %s updated_at: %w", id, err)
	}
	if raw.ScheduledTime != "" {
		t, err := time.Parse(time.RFC3339Nano, raw.ScheduledTime)
		if err != nil {
			return nil, fmt.Errorf("decode request %s scheduled_time: %w", id, err)
		}
		r.ScheduledTime = &t
	}
	return r, nil
}

func (s *RedisStore) ConditionalUpdateStatus(ctx context.Context, id string, expected, next models.Status, u Update) error {
	if err := validateTransition(expected, next, u); err != nil {
		return err
	}
	payload, err := json.Marshal(Event{RequestID: id, Status: next, AssignedDriverID: u.AssignedDriverID})
	if err != nil {
		return err
	}
	res, err := casScript.Run(ctx, s.client, []string{requestKey(id), excludedKey(id)},
		string(expected), string(next), u.AssignedDriverID, formatTime(time.Now()), eventsKey(id), string(payload)).Int()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return scriptResult(res, id)
}

func (s *RedisStore) RecordProgress(ctx context.Context, id string, excluded []string, radiusMeters float64) error {
	args := append([]interface{}{formatFloat(radiusMeters), formatTime(time.Now())}, toInterfaces(excluded)...)
	res, err := progressScript.Run(ctx, s.client, []string{requestKey(id), excludedKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return scriptResult(res, id)
}

func (s *RedisStore) RecordDecline(ctx context.Context, id, driverID string) error {
	status, err := s.client.HGet(ctx, requestKey(id), "status").Result()
	if err == redis.Nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Event{RequestID: id, Status: models.Status(status), DeclinedBy: driverID})
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, eventsKey(id), payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	n, err := s.client.Exists(ctx, requestKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ps := s.client.Subscribe(ctx, eventsKey(id))
	// wait for the subscribe confirmation so no publish after this call is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}
	sub := newSubscription(func() { _ = ps.Close() })
	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-sub.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if !sub.deliver(ev) {
					return
				}
			}
		}
	}()
	return sub, nil
}

func (s *RedisStore) ListDueScheduled(ctx context.Context, now time.Time) ([]*models.RideRequest, error) {
	ids, err := s.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []*models.RideRequest
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.unschedule(ctx, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.Status != models.StatusCreated {
			// already dispatched or canceled
			s.unschedule(ctx, id)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// unschedule drops id from the scheduled index. A failure only means the id
// is looked at again on the next tick.
func (s *RedisStore) unschedule(ctx context.Context, id string) {
	if err := s.client.ZRem(ctx, scheduledKey, id).Err(); err != nil {
		s.logger.Warn("remove from scheduled index failed", "request_id", id, "error", err)
	}
}

func scriptResult(res int, id string) error {
	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	default:
		return fmt.Errorf("%w: %s", ErrPreconditionFailed, id)
	}
}

func toInterfaces(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
