package ingest

import "testing"

func TestScaleSoilRegisters(t *testing.T) {
	// temp=235 (23.5C), rh=612 (61.2%), ec=1800, ph=650 (6.50)
	r := scaleSoilRegisters([]uint16{235, 612, 1800, 650})
	if r.TemperatureC != 23.5 {
		t.Fatalf("expected 23.5C, got %v", r.TemperatureC)
	}
	if r.HumidityPct != 61.2 {
		t.Fatalf("expected 61.2%%, got %v", r.HumidityPct)
	}
	if r.ECMicroSPerCm != 1800 {
		t.Fatalf("expected 1800uS/cm, got %v", r.ECMicroSPerCm)
	}
	if r.PH != 6.5 {
		t.Fatalf("expected pH 6.5, got %v", r.PH)
	}
}

func TestScaleSoilRegistersNegativeTemperature(t *testing.T) {
	// int16(0xFF38) == -200 -> -20.0C
	r := scaleSoilRegisters([]uint16{0xFF38, 500, 1000, 700})
	if r.TemperatureC != -20.0 {
		t.Fatalf("expected -20.0C, got %v", r.TemperatureC)
	}
}
