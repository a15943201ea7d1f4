package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// EventType names the producer family of one event-log entry.
type EventType string

const (
	EventCAN        EventType = "can"
	EventSoil       EventType = "soil"
	EventAutomation EventType = "automation"
)

// AppendRaw appends one entry to the sensor:raw stream over the binary
// connection handle, trimmed approximately to EventLogMaxLen entries --
// grounded on the original automation service's
// `xadd('sensor:raw', data, maxlen=100000, approximate=True)` call.
func (c *Cache) AppendRaw(ctx context.Context, typ EventType, tsMs int64, fields map[string]any) error {
	values := map[string]any{
		"ts":   tsMs,
		"type": string(typ),
	}
	for k, v := range fields {
		values[k] = v
	}
	return c.Raw.XAdd(ctx, &redis.XAddArgs{
		Stream: EventLogStream,
		MaxLen: EventLogMaxLen,
		Approx: true,
		Values: values,
	}).Err()
}
