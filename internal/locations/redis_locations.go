package locations

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-tracking/internal/models"
)

// RedisStore implements Store using Redis GEO commands, so an ops
// dashboard or another broker instance can query rider positions too.
type RedisStore struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisStore(addr, password, key string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c, key: key, ctx: context.Background()}
}

func (r *RedisStore) Upsert(u models.LocationUpdate) {
	// GEOADD for the position, HSET for metadata
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: u.Lng, Latitude: u.Lat, Name: u.RiderID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(u.RiderID), map[string]interface{}{
		"order_id":  u.OrderID,
		"timestamp": u.Timestamp.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisStore) Latest(riderID string) (models.LocationUpdate, bool) {
	pos, err := r.client.GeoPos(r.ctx, r.key, riderID).Result()
	if err != nil || len(pos) == 0 || pos[0] == nil {
		return models.LocationUpdate{}, false
	}
	u := models.LocationUpdate{RiderID: riderID, Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	if m, err := r.client.HGetAll(r.ctx, metaKey(riderID)).Result(); err == nil {
		u.OrderID = m["order_id"]
		if v, ok := m["timestamp"]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				u.Timestamp = ts
			}
		}
	}
	return u, true
}

func (r *RedisStore) Close() error { return r.client.Close() }

func metaKey(id string) string { return "rider:meta:" + id }
