// Package cache wraps the live key/value store and bounded event log shared
// by every sensor producer and the control loop. Per the concurrency model
// it holds two separate connection handles: Text for decoded state keys,
// Raw for the binary event-log stream, matching the original automation
// service's AutomationRedisClient split.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL classes referenced throughout §4.3.
const (
	TTLSensor      = 10 * time.Second
	TTLAutomation  = 10 * time.Second
	TTLMode        = 300 * time.Second
	TTLHeartbeatControl = 5 * time.Second
	TTLHeartbeatProducer = 10 * time.Second
	TTLSetpointField = 60 * time.Second
	TTLPIDParams   = 300 * time.Second
	TTLRateLimit   = 2 * time.Second
)

// ErrMiss is returned by Get-style helpers when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the live cache + event log client.
type Cache struct {
	Text *redis.Client // decoded text values: sensor/mode/alarm/setpoint keys
	Raw  *redis.Client // binary event-log stream writes
}

// New dials two client handles against the same Redis endpoint.
func New(addr string) *Cache {
	opts := &redis.Options{Addr: addr}
	return &Cache{
		Text: redis.NewClient(opts),
		Raw:  redis.NewClient(opts),
	}
}

// Close releases both connections.
func (c *Cache) Close() error {
	err1 := c.Text.Close()
	err2 := c.Raw.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// PutSensor writes the latest value and producer timestamp for a sensor.
func (c *Cache) PutSensor(ctx context.Context, name string, value float64, at time.Time) error {
	pipe := c.Text.TxPipeline()
	pipe.Set(ctx, SensorKey(name), value, TTLSensor)
	pipe.Set(ctx, SensorTSKey(name), at.UnixMilli(), TTLSensor)
	_, err := pipe.Exec(ctx)
	return err
}

// GetSensor returns a sensor's latest value, or ErrMiss if absent/expired.
func (c *Cache) GetSensor(ctx context.Context, name string) (float64, error) {
	v, err := c.Text.Get(ctx, SensorKey(name)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	return v, err
}

// PutJSON marshals v and stores it under key with the given TTL (0 = no TTL).
func (c *Cache) PutJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Text.Set(ctx, key, b, ttl).Err()
}

// GetJSON unmarshals the value stored at key into v. Returns ErrMiss if absent.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) error {
	b, err := c.Text.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Heartbeat writes a service's liveness timestamp at the given TTL.
func (c *Cache) Heartbeat(ctx context.Context, service string, ttl time.Duration) error {
	return c.Text.Set(ctx, HeartbeatKey(service), time.Now().UnixMilli(), ttl).Err()
}

// HeartbeatAge returns how long ago the named service last beat, or ErrMiss
// if the heartbeat key is absent (the service is presumed dead).
func (c *Cache) HeartbeatAge(ctx context.Context, service string) (time.Duration, error) {
	ms, err := c.Text.Get(ctx, HeartbeatKey(service)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, err
	}
	return time.Since(time.UnixMilli(ms)), nil
}
