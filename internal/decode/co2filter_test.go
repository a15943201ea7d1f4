package decode_test

import (
	"testing"
	"time"

	"github.com/cea-systems/controld/internal/decode"
)

func TestCO2FilterFastPurgeAccepted(t *testing.T) {
	f := decode.NewCO2Filter()
	t0 := time.Now()

	if !f.Accept(800, t0) {
		t.Fatal("first reading should always be accepted")
	}
	if !f.Accept(0, t0.Add(500*time.Millisecond)) {
		t.Fatal("fast purge (rate 1600ppm/s) should be accepted")
	}
}

func TestCO2FilterFirstReadingAfterGapAccepted(t *testing.T) {
	f := decode.NewCO2Filter()
	t0 := time.Now()
	if !f.Accept(0, t0) {
		t.Fatal("first reading ever should be accepted regardless of value")
	}
	if !f.Accept(800, t0.Add(time.Minute)) {
		t.Fatal("reading after long gap should be accepted")
	}
	if !f.Accept(0, t0.Add(2*time.Minute+time.Second)) {
		t.Fatal("reading after a >30s gap from the prior sample should always be accepted")
	}
}

func TestCO2FilterZeroBelowFloorAlwaysAccepted(t *testing.T) {
	f := decode.NewCO2Filter()
	t0 := time.Now()
	f.Accept(250, t0) // below the 300ppm floor that gates the rate check
	if !f.Accept(0, t0.Add(time.Second)) {
		t.Fatal("zero following a sub-300ppm previous reading should be accepted unconditionally")
	}
}

func TestCO2FilterSlowRateRejected(t *testing.T) {
	f := decode.NewCO2Filter()
	t0 := time.Now()
	f.Accept(800, t0)
	// Drop rate here is 800/10s = 80ppm/s, below the 200ppm/s floor: reject.
	if f.Accept(0, t0.Add(10*time.Second)) {
		t.Fatal("slow decline to zero should be rejected as implausible")
	}
}
