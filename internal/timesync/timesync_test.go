package timesync

import (
	"testing"
	"time"
)

func TestXTimePackRoundTrip(t *testing.T) {
	x := PackXTime(123456789, 7, 3)
	counter, tag, txunit := UnpackXTime(x)
	if counter != 123456789 || tag != 7 || txunit != 3 {
		t.Fatalf("unpack mismatch: counter=%d tag=%d txunit=%d", counter, tag, txunit)
	}
}

func TestUSTimeXTimeRoundTrip(t *testing.T) {
	tr := New(5, 30*time.Second)
	tr.Update(0, qualityFloorUS, Measurement{USTime: 1000, XTime: PackXTime(1000, 5, 0)})

	x, err := tr.USTimeToXTime(0, 5000)
	if err != nil {
		t.Fatalf("USTimeToXTime: %v", err)
	}
	us, err := tr.XTimeToUSTime(0, x)
	if err != nil {
		t.Fatalf("XTimeToUSTime: %v", err)
	}
	if us != 5000 {
		t.Fatalf("round-trip mismatch: got %d, want 5000", us)
	}
}

func TestXTimeToUSTimeSessionMismatch(t *testing.T) {
	tr := New(5, 30*time.Second)
	tr.Update(0, qualityFloorUS, Measurement{USTime: 1000, XTime: PackXTime(1000, 5, 0)})

	foreign := PackXTime(1000, 9, 0)
	if _, err := tr.XTimeToUSTime(0, foreign); err == nil {
		t.Fatal("expected session-tag mismatch error")
	}
}

func TestXTimeToXTimeAcrossUnits(t *testing.T) {
	tr := New(1, 30*time.Second)
	tr.Update(0, qualityFloorUS, Measurement{USTime: 0, XTime: PackXTime(0, 1, 0)})
	tr.Update(1, qualityFloorUS, Measurement{USTime: 0, XTime: PackXTime(500, 1, 1)})

	x0, _ := tr.USTimeToXTime(0, 2000)
	x1, err := tr.XTimeToXTime(x0, 0, 1)
	if err != nil {
		t.Fatalf("XTimeToXTime: %v", err)
	}
	back, err := tr.XTimeToXTime(x1, 1, 0)
	if err != nil {
		t.Fatalf("XTimeToXTime back: %v", err)
	}
	if back != x0 {
		t.Fatalf("round-trip mismatch: got %d, want %d", back, x0)
	}
}

func TestDriftEncodeDecodeRoundTrip(t *testing.T) {
	frac := 0.000003 // 3ppm
	enc := encodeDriftPPM(frac)
	dec := DecodePPM(enc)
	if diff := dec - frac; diff > 1e-7 || diff < -1e-7 {
		t.Fatalf("drift round-trip off: got %v, want %v", dec, frac)
	}
}

func TestQualityGateRejectsPoorMeasurement(t *testing.T) {
	tr := New(1, 30*time.Second)
	tr.Update(0, qualityFloorUS, Measurement{USTime: 0, XTime: PackXTime(0, 1, 0)})

	// A measurement whose quality blows well past the ceiling must be
	// dropped without disturbing the stored record.
	tr.Update(0, qualityCeilingUS*100, Measurement{USTime: 999999, XTime: PackXTime(999999, 1, 0)})

	x, err := tr.USTimeToXTime(0, 100)
	if err != nil {
		t.Fatalf("USTimeToXTime: %v", err)
	}
	counter, _, _ := UnpackXTime(x)
	if counter != 100 {
		t.Fatalf("stale/rejected measurement leaked into tracker: counter=%d", counter)
	}
}

func TestPercentileRingThresholdBounds(t *testing.T) {
	r := newPercentileRing(driftRingSize, minDriftThresholdX10, platformMaxPPMX10)
	for i := 0; i < driftRingSize; i++ {
		r.add(int32(i))
	}
	if r.threshold < minDriftThresholdX10 || r.threshold > platformMaxPPMX10 {
		t.Fatalf("threshold %d outside [%d,%d]", r.threshold, minDriftThresholdX10, platformMaxPPMX10)
	}
}

func TestPPSAcquisition(t *testing.T) {
	tr := New(1, 30*time.Second)
	// PPSXTime 0 means "no PPS", so both samples carry a non-zero pulse stamp.
	tr.Update(0, qualityFloorUS, Measurement{USTime: 0, XTime: PackXTime(0, 1, 0), PPSXTime: 1000000})
	tr.Update(0, qualityFloorUS, Measurement{USTime: 1000002, XTime: PackXTime(1000002, 1, 0), PPSXTime: 2000000})

	if !tr.PPSLocked() {
		t.Fatal("expected PPS lock after two consistent PPS samples")
	}
	if got := tr.PPSOffset(); got != mod(2000000, 1_000_000) {
		t.Fatalf("pps offset = %d, want %d", got, mod(2000000, 1_000_000))
	}
}

func TestMidpointDelayLandsHalfSecondPastPulseWithAlternatingWobble(t *testing.T) {
	p := &ppsState{synced: true, offset: 0}

	d1 := p.midpointDelay(0)
	want1 := 500*time.Millisecond + ppsWobble
	if d1 != want1 {
		t.Fatalf("first midpointDelay = %v, want %v", d1, want1)
	}

	d2 := p.midpointDelay(0)
	want2 := 500*time.Millisecond - ppsWobble
	if d2 != want2 {
		t.Fatalf("second midpointDelay = %v, want %v (wobble should alternate)", d2, want2)
	}
}

func TestUpdateAppliesMidpointDelayToNextIntervalAfterPPSObservation(t *testing.T) {
	tr := New(1, 30*time.Second)
	tr.Update(0, qualityFloorUS, Measurement{USTime: 0, XTime: PackXTime(0, 1, 0), PPSXTime: 1000000})
	interval := tr.Update(0, qualityFloorUS, Measurement{USTime: 1000002, XTime: PackXTime(1000002, 1, 0), PPSXTime: 2000000})

	if !tr.PPSLocked() {
		t.Fatal("expected PPS lock after two consistent PPS samples")
	}
	// Once synced, the returned interval should be pinned to the
	// midpoint-plus-wobble schedule rather than the plain drift-driven one.
	if interval <= 0 {
		t.Fatalf("interval = %v, want a positive midpoint-shifted delay", interval)
	}
}

func TestFuzzyGPSSyncRoundTrip(t *testing.T) {
	tr := New(1, 30*time.Second)
	tr.Update(0, qualityFloorUS, Measurement{USTime: 0, XTime: PackXTime(0, 1, 0)})

	if err := tr.FuzzySync(0, 1000, 3000, 500_000_000); err != nil {
		t.Fatalf("FuzzySync: %v", err)
	}
	x, _ := tr.USTimeToXTime(0, 2000)
	gps, err := tr.XTimeToGPSTime(0, x)
	if err != nil {
		t.Fatalf("XTimeToGPSTime: %v", err)
	}
	if gps != 500_000_000 {
		t.Fatalf("gps = %d, want 500000000", gps)
	}
}
