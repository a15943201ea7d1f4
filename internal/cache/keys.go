package cache

import "fmt"

// Key builders for the live cache. Naming and TTL classes follow the
// sensor/automation/mode/alarm/heartbeat/setpoint conventions the control
// subsystem and ingest pipeline share.

func SensorKey(name string) string      { return "sensor:" + name }
func SensorTSKey(name string) string    { return "sensor:" + name + ":ts" }
func AutomationKey(zone, device string) string {
	return fmt.Sprintf("automation:%s:%s", zone, device)
}
func ModeKey(zone string) string      { return "mode:" + zone }
func FailsafeKey(zone string) string  { return "failsafe:" + zone }
func AlarmKey(zone, name string) string {
	return fmt.Sprintf("alarm:%s:%s", zone, name)
}
func HeartbeatKey(service string) string { return "heartbeat:" + service }
func LastGoodKey(zone, sensor string) string {
	return fmt.Sprintf("sensor:%s:%s:last_good", zone, sensor)
}
func SetpointFieldKey(zone, field string) string {
	return fmt.Sprintf("setpoint:%s:%s", zone, field)
}
func SetpointSourceKey(zone string) string { return "setpoint:" + zone + ":source" }
func PIDParamsKey(deviceType string) string { return "pid:parameters:" + deviceType }
func LightKey(zone, device string) string {
	return fmt.Sprintf("light:%s:%s", zone, device)
}
func RateLimitKey(zone, field string) string {
	return fmt.Sprintf("setpoint:%s:%s:last_write", zone, field)
}

const EventLogStream = "sensor:raw"
const EventLogMaxLen = 100000
