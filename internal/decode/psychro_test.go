package decode_test

import (
	"testing"

	"github.com/cea-systems/controld/internal/decode"
)

func TestDerivePsychroBounds(t *testing.T) {
	cases := []struct {
		dry, wet, pressure float64
	}{
		{25, 18, 1013.25},
		{10, 10, 1013.25},
		{35, 5, 900},
		{-5, -10, 1013.25},
	}
	for _, c := range cases {
		p := decode.DerivePsychro(c.dry, c.wet, c.pressure)
		if p.RH < 0 || p.RH > 100 {
			t.Fatalf("RH out of bounds for dry=%v wet=%v: %v", c.dry, c.wet, p.RH)
		}
		if p.VPD < 0 {
			t.Fatalf("VPD negative for dry=%v wet=%v: %v", c.dry, c.wet, p.VPD)
		}
	}
}

func TestDerivePsychroSaturated(t *testing.T) {
	// Dry bulb == wet bulb means the air is saturated: RH ~100, VPD ~0.
	p := decode.DerivePsychro(20, 20, 1013.25)
	if p.RH < 99.9 {
		t.Fatalf("expected RH near 100 at saturation, got %v", p.RH)
	}
	if p.VPD > 0.01 {
		t.Fatalf("expected VPD near 0 at saturation, got %v", p.VPD)
	}
}
