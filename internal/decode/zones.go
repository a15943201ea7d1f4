package decode

import "github.com/cea-systems/controld/internal/model"

// NodeZone maps a CAN node ID to its zone. Unknown node IDs resolve to a
// caller-configurable fallback (see Decoder.FallbackZone).
var NodeZone = map[int]model.Zone{
	1: {Name: "Flower Room", Cluster: "back"},
	2: {Name: "Flower Room", Cluster: "front"},
	3: {Name: "Veg Room", Cluster: "main"},
	4: {Name: "Lab", Cluster: "main"},
	5: {Name: "Outside", Cluster: "main"},
}

// zoneSuffix returns the sensor-name suffix for a zone's canonical names.
func zoneSuffix(z model.Zone) string {
	switch {
	case z.Name == "Flower Room" && z.Cluster == "back":
		return "b"
	case z.Name == "Flower Room" && z.Cluster == "front":
		return "f"
	case z.Name == "Veg Room" && z.Cluster == "main":
		return "v"
	case z.Name == "Lab":
		return ""
	default:
		return ""
	}
}

// sensorName builds the canonical sensor name for a zone and base name,
// applying the Lab-specific overrides.
func sensorName(z model.Zone, base string) string {
	if z.Name == "Lab" {
		switch base {
		case "dry_bulb":
			return "lab_temp"
		case "co2_temp":
			return "water_temp"
		}
	}
	suffix := zoneSuffix(z)
	if suffix == "" {
		return base
	}
	return base + "_" + suffix
}
