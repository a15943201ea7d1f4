package config

import "testing"

func validConfig() Config {
	cfg := Defaults()
	cfg.Zones = []ZoneDef{{
		Name: "veg1",
		Day:  DayScheduleDef{DayStartMinute: 360, DayEndMinute: 1080, PreDayDurationMin: 30, PreNightDurationMin: 30},
		Devices: []DeviceDef{
			{Name: "heat1", Type: "heater"},
		},
	}}
	return cfg
}

func TestValidateAcceptsDefaultsPlusOneZone(t *testing.T) {
	cfg := validConfig()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidateRejectsEmptyZones(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for config with no zones")
	}
}

func TestValidateRejectsDuplicateZoneNames(t *testing.T) {
	cfg := validConfig()
	cfg.Zones = append(cfg.Zones, cfg.Zones[0])
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for duplicate zone names")
	}
}

func TestValidateRejectsDuplicateDeviceNames(t *testing.T) {
	cfg := validConfig()
	cfg.Zones[0].Devices = append(cfg.Zones[0].Devices, cfg.Zones[0].Devices[0])
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for duplicate device names in a zone")
	}
}

func TestValidateRejectsNonAbsoluteDBPath(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.DBPath = "relative/path.db"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for non-absolute db path")
	}
}

func TestValidateRejectsZeroUpdateInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Control.UpdateInterval = 0
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for zero update interval")
	}
}

func TestValidateRequiresWeatherFieldsWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Weather.Enabled = true
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for weather enabled without api_url/station")
	}
}

func TestZoneDefToDevicesConvertsFields(t *testing.T) {
	z := ZoneDef{
		Name: "veg1",
		Devices: []DeviceDef{{
			Name: "light1", Type: "light", PIDEnabled: false,
			Dim: &DimDef{BoardID: "dac0", Channel: 1, SafetyLevel: 90},
		}},
	}
	devs := z.ToDevices()
	if len(devs) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devs))
	}
	if devs[0].Dim == nil || devs[0].Dim.BoardID != "dac0" {
		t.Errorf("expected dim config to carry through, got %+v", devs[0].Dim)
	}
	if devs[0].Zone != "veg1" {
		t.Errorf("expected device zone to be set from ZoneDef, got %q", devs[0].Zone)
	}
}
