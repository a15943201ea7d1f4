package cache

import (
	"context"
	"errors"
	"time"

	"github.com/cea-systems/controld/internal/model"
	"github.com/redis/go-redis/v9"
)

// LastGood is the cached {value, timestamp} pair used as a fallback when a
// sensor's live value is briefly missing.
type LastGood struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// PutLastGood stores the last known-good reading for (zone, sensor), with a
// TTL of holdPeriod+10s so it outlives the nominal staleness window.
func (c *Cache) PutLastGood(ctx context.Context, zone, sensor string, lg LastGood, holdPeriod time.Duration) error {
	return c.PutJSON(ctx, LastGoodKey(zone, sensor), lg, holdPeriod+10*time.Second)
}

// GetLastGood returns ErrMiss if no last-good value has been recorded.
func (c *Cache) GetLastGood(ctx context.Context, zone, sensor string) (LastGood, error) {
	var lg LastGood
	err := c.GetJSON(ctx, LastGoodKey(zone, sensor), &lg)
	return lg, err
}

// PutMode sets a zone's operating mode with the standard 300s TTL.
func (c *Cache) PutMode(ctx context.Context, zone string, mode model.OperatingMode) error {
	return c.Text.Set(ctx, ModeKey(zone), string(mode), TTLMode).Err()
}

// GetMode returns a zone's operating mode, defaulting to "auto" when absent
// or expired (per the live cache's advisory semantics).
func (c *Cache) GetMode(ctx context.Context, zone string) (model.OperatingMode, error) {
	v, err := c.Text.Get(ctx, ModeKey(zone)).Result()
	if errors.Is(err, redis.Nil) {
		return model.OpAuto, nil
	}
	if err != nil {
		return model.OpAuto, err
	}
	return model.OperatingMode(v), nil
}

// PutFailsafe writes the no-TTL failsafe blob for a zone.
func (c *Cache) PutFailsafe(ctx context.Context, fs model.Failsafe) error {
	return c.PutJSON(ctx, FailsafeKey(fs.Zone), fs, 0)
}

// GetFailsafe returns ErrMiss if the zone has no active failsafe latch.
func (c *Cache) GetFailsafe(ctx context.Context, zone string) (model.Failsafe, error) {
	var fs model.Failsafe
	err := c.GetJSON(ctx, FailsafeKey(zone), &fs)
	return fs, err
}

// ClearFailsafe removes the failsafe blob for a zone.
func (c *Cache) ClearFailsafe(ctx context.Context, zone string) error {
	return c.Text.Del(ctx, FailsafeKey(zone)).Err()
}

// LatchFailsafe forces mode:<zone> to "failsafe" and stores the latch blob.
// Called whenever a critical alarm raises or a previously-persisted latch
// is restored at startup, so a status read never shows a stale "auto" just
// because mode:<zone>'s 300s TTL elapsed while the in-memory latch (the
// actual source of truth) is still held.
func (c *Cache) LatchFailsafe(ctx context.Context, fs model.Failsafe) error {
	if err := c.PutMode(ctx, fs.Zone, model.OpFailsafe); err != nil {
		return err
	}
	return c.PutFailsafe(ctx, fs)
}

// PutAlarm writes the no-TTL alarm blob.
func (c *Cache) PutAlarm(ctx context.Context, a model.Alarm) error {
	return c.PutJSON(ctx, AlarmKey(a.Zone, a.Name), a, 0)
}

// GetAlarm returns ErrMiss if the named alarm has never been raised.
func (c *Cache) GetAlarm(ctx context.Context, zone, name string) (model.Alarm, error) {
	var a model.Alarm
	err := c.GetJSON(ctx, AlarmKey(zone, name), &a)
	return a, err
}

// PutLight stores the last commanded intensity for a dimmable device with no
// TTL so it survives a restart.
func (c *Cache) PutLight(ctx context.Context, zone, device string, intensity float64) error {
	return c.Text.Set(ctx, LightKey(zone, device), intensity, 0).Err()
}

// GetLight returns ErrMiss if no intensity has ever been commanded.
func (c *Cache) GetLight(ctx context.Context, zone, device string) (float64, error) {
	v, err := c.Text.Get(ctx, LightKey(zone, device)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	return v, err
}

// PutAutomationState records the latest relay/PID state for (zone, device).
func (c *Cache) PutAutomationState(ctx context.Context, zone, device string, state model.RelayState) error {
	return c.PutJSON(ctx, AutomationKey(zone, device), state, TTLAutomation)
}
