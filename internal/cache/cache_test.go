package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/cea-systems/controld/internal/cache"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	return cache.New(mr.Addr())
}

func TestPutGetSensor(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	if err := c.PutSensor(ctx, "veg1_temp", 23.5, now); err != nil {
		t.Fatalf("PutSensor: %v", err)
	}
	v, err := c.GetSensor(ctx, "veg1_temp")
	if err != nil {
		t.Fatalf("GetSensor: %v", err)
	}
	if v != 23.5 {
		t.Fatalf("expected 23.5, got %v", v)
	}
}

func TestGetSensorMiss(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetSensor(context.Background(), "nonexistent"); err != cache.ErrMiss {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestPutGetJSON(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	type payload struct {
		Zone string `json:"zone"`
		N    int    `json:"n"`
	}
	want := payload{Zone: "veg1", N: 7}
	if err := c.PutJSON(ctx, "test:json", want, time.Minute); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	var got payload
	if err := c.GetJSON(ctx, "test:json", &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestHeartbeat(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, err := c.HeartbeatAge(ctx, "can_producer"); err != cache.ErrMiss {
		t.Fatalf("expected ErrMiss before first heartbeat, got %v", err)
	}
	if err := c.Heartbeat(ctx, "can_producer", time.Minute); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	age, err := c.HeartbeatAge(ctx, "can_producer")
	if err != nil {
		t.Fatalf("HeartbeatAge: %v", err)
	}
	if age < 0 || age > time.Second {
		t.Fatalf("unexpected heartbeat age %v", age)
	}
}

func TestRateLimiterAllowsFirstWriteThenGatesBurst(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	rl := cache.NewRateLimiter(c)

	ok, err := rl.Allow(ctx, "veg1", "heating", 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !ok {
		t.Fatal("expected first write to be allowed")
	}

	ok, err = rl.Allow(ctx, "veg1", "heating", 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("expected the immediate second write to be rate-limited")
	}
}

func TestRateLimiterIsPerField(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	rl := cache.NewRateLimiter(c)

	if ok, err := rl.Allow(ctx, "veg1", "heating", 1); err != nil || !ok {
		t.Fatalf("Allow(heating): ok=%v err=%v", ok, err)
	}
	ok, err := rl.Allow(ctx, "veg1", "cooling", 1)
	if err != nil {
		t.Fatalf("Allow(cooling): %v", err)
	}
	if !ok {
		t.Fatal("expected a different setpoint field to have its own cooldown")
	}
}
