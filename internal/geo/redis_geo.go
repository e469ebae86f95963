package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const blockedKey = "drivers:blocked"

// RedisGeo implements Registry using Redis GEO commands. Every write is a
// single-key command; reads tolerate the gaps between them.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger
	now    func() time.Time
}

func NewRedisGeo(client redis.UniversalClient, key string, logger *slog.Logger) *RedisGeo {
	return &RedisGeo{client: client, key: key, logger: logger, now: time.Now}
}

func presenceKey(driverID string) string { return "driver:presence:" + driverID }

func connKey(connID string) string { return "conn:driver:" + connID }

func (r *RedisGeo) Register(ctx context.Context, driverID string, lat, lng float64, connID string) error {
	if err := validatePresence(driverID, models.Coord{Lat: lat, Lon: lng}, connID); err != nil {
		return err
	}
	prev, err := r.client.HGet(ctx, presenceKey(driverID), "conn").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("register %s: %w", driverID, err)
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: driverID})
		pipe.HSet(ctx, presenceKey(driverID), map[string]interface{}{
			"conn":    connID,
			"lat":     strconv.FormatFloat(lat, 'f', -1, 64),
			"lon":     strconv.FormatFloat(lng, 'f', -1, 64),
			"online":  "true",
			"updated": r.now().Format(time.RFC3339),
		})
		pipe.Set(ctx, connKey(connID), driverID, 0)
		if prev != "" && prev != connID {
			pipe.Del(ctx, connKey(prev))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Unregister(ctx context.Context, connID string) (string, error) {
	driverID, err := r.client.Get(ctx, connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("unregister conn %s: %w", connID, err)
	}
	current, err := r.client.HGet(ctx, presenceKey(driverID), "conn").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("unregister %s: %w", driverID, err)
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, connKey(connID))
		// a newer connection owns the presence; leave it alone
		if current == "" || current == connID {
			pipe.ZRem(ctx, r.key, driverID)
			pipe.Del(ctx, presenceKey(driverID))
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("unregister %s: %w", driverID, err)
	}
	return driverID, nil
}

func (r *RedisGeo) Query(ctx context.Context, point models.Coord, radiusMeters float64, limit int, exclude []string) ([]models.Candidate, error) {
	if err := point.Validate(); err != nil {
		return nil, err
	}
	blocked, err := r.client.SCard(ctx, blockedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("query blocked set: %w", err)
	}
	// over-fetch so filtered members cannot starve the limit
	count := limit + len(exclude) + int(blocked)
	res, err := r.client.GeoRadius(ctx, r.key, point.Lon, point.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     count,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo radius: %w", err)
	}
	skip := toSet(exclude)
	hits := make([]redis.GeoLocation, 0, len(res))
	for _, g := range res {
		if _, no := skip[g.Name]; !no {
			hits = append(hits, g)
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	online := make([]*redis.StringCmd, len(hits))
	isBlocked := make([]*redis.BoolCmd, len(hits))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, g := range hits {
			online[i] = pipe.HGet(ctx, presenceKey(g.Name), "online")
			isBlocked[i] = pipe.SIsMember(ctx, blockedKey, g.Name)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("query presence: %w", err)
	}

	out := make([]models.Candidate, 0, len(hits))
	var stale []interface{}
	for i, g := range hits {
		v, err := online[i].Result()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, g.Name)
			continue
		}
		if v != "true" || isBlocked[i].Val() {
			continue
		}
		out = append(out, models.Candidate{DriverID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}, DistM: g.Dist})
		if len(out) == limit {
			break
		}
	}
	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, r.key, stale...).Err(); err != nil {
			r.logger.Debug("prune stale drivers", "driver_ids", stale, "error", err)
		}
	}
	return out, nil
}

func (r *RedisGeo) LookupConnection(ctx context.Context, driverID string) (string, bool, error) {
	conn, err := r.client.HGet(ctx, presenceKey(driverID), "conn").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup connection %s: %w", driverID, err)
	}
	return conn, conn != "", nil
}

func (r *RedisGeo) SetBlocked(ctx context.Context, driverID string, blocked bool) error {
	var err error
	if blocked {
		err = r.client.SAdd(ctx, blockedKey, driverID).Err()
	} else {
		err = r.client.SRem(ctx, blockedKey, driverID).Err()
	}
	if err != nil {
		return fmt.Errorf("set blocked %s: %w", driverID, err)
	}
	return nil
}
