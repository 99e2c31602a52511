// Package timesync maintains the three clock bases a gateway juggles —
// host MCU microseconds (ustime), the concentrator's extended 64-bit
// counter (xtime), and GPS epoch microseconds (gpstime) — and the
// drift-filtered measurement history behind each conversion.
package timesync

import (
	"fmt"
	"time"
)

const (
	counterBits  = 48
	sessionBits  = 8
	txUnitBits   = 7
	counterMask  = (int64(1) << counterBits) - 1
	sessionShift = counterBits
	txUnitShift  = counterBits + sessionBits

	// Quality gate (measurement duration, microseconds).
	qualityRingSize  = 30
	qualityFloorUS   = 100
	qualityCeilingUS = 50000

	// Per-txunit MCU/xtime drift, tenths of ppm.
	driftRingSize        = 20
	minDriftThresholdX10 = 20  // 2.0 ppm
	platformMaxPPMX10    = 400 // 40.0 ppm

	// driftResetRejections is 2x the single-rejection halving threshold
	// (every rejection halves the interval): once a txunit has rejected
	// this many measurements in a row, the drift threshold resets to
	// maximum rather than staying clamped near the last accepted band.
	driftResetRejections = 2

	maxPPSErrorUS = 1000 // microseconds

	ppsAlarmInitial = 10 * time.Second
	ppsAlarmCap     = 3600 * time.Second

	gpsValidityWindow = 10 * time.Minute
)

// PackXTime combines a 48-bit wrapping microsecond counter, an 8-bit
// session tag (must be non-zero) and a 7-bit txunit index into one value.
func PackXTime(counter int64, sessionTag uint8, txunit uint8) int64 {
	c := counter & counterMask
	return c | int64(sessionTag)<<sessionShift | int64(txunit&0x7F)<<txUnitShift
}

// UnpackXTime is the inverse of PackXTime.
func UnpackXTime(x int64) (counter int64, sessionTag uint8, txunit uint8) {
	counter = x & counterMask
	sessionTag = uint8((x >> sessionShift) & 0xFF)
	txunit = uint8((x >> txUnitShift) & 0x7F)
	return
}

// TimesyncRecord is the live timesync state for one txunit.
type TimesyncRecord struct {
	USTime   int64
	XTime    int64
	PPSXTime int64 // 0 if no PPS
}

// Measurement is a raw sample handed to Update.
type Measurement struct {
	USTime   int64
	XTime    int64
	PPSXTime int64
}

type txUnitState struct {
	txunit      uint8
	sessionTag  uint8
	haveRecord  bool
	last        TimesyncRecord
	drift       *percentileRing
	rejections  int
	baseInterval time.Duration
	interval    time.Duration
}

// Tracker owns the timesync state for every txunit on one gateway session.
// It is not safe for concurrent use; callers drive it from a single
// eventloop.Loop goroutine, matching every other subsystem in this module.
type Tracker struct {
	sessionTag uint8
	quality    *percentileRing
	units      map[uint8]*txUnitState
	pps        *ppsState
	baseInterval time.Duration

	gpsValid   bool
	gpsOffsetUS int64
	gpsSyncAt  time.Time
}

// New creates a Tracker for one concentrator session. sessionTag must be
// non-zero; baseInterval is the steady-state inter-measurement delay
// Update hints back to the caller absent any drift pressure.
func New(sessionTag uint8, baseInterval time.Duration) *Tracker {
	if sessionTag == 0 {
		sessionTag = 1
	}
	return &Tracker{
		sessionTag:   sessionTag,
		quality:      newPercentileRing(qualityRingSize, qualityFloorUS, qualityCeilingUS),
		units:        make(map[uint8]*txUnitState),
		baseInterval: baseInterval,
	}
}

func (t *Tracker) unit(txunit uint8) *txUnitState {
	u, ok := t.units[txunit]
	if !ok {
		u = &txUnitState{
			txunit:       txunit,
			sessionTag:   t.sessionTag,
			drift:        newPercentileRing(driftRingSize, minDriftThresholdX10, platformMaxPPMX10),
			baseInterval: t.baseInterval,
			interval:     t.baseInterval,
		}
		t.units[txunit] = u
	}
	return u
}

// Update folds one measurement into the tracker for txunit and returns the
// delay before the next measurement should be taken.
func (t *Tracker) Update(txunit uint8, quality int, m Measurement) time.Duration {
	u := t.unit(txunit)

	t.quality.add(int32(quality))
	if !t.quality.within(int32(quality)) {
		// Measurement took too long to be trustworthy; drop it without
		// touching the drift ring or the stored record.
		return u.interval
	}

	if !u.haveRecord {
		u.last = TimesyncRecord{USTime: m.USTime, XTime: m.XTime, PPSXTime: m.PPSXTime}
		u.haveRecord = true
		if txunit == 0 && m.PPSXTime != 0 {
			t.pps = t.pps.observe(m.USTime, m.PPSXTime)
			if d := t.pps.midpointDelay(m.USTime); d > 0 {
				u.interval = d
			}
		}
		return u.interval
	}

	dUS := m.USTime - u.last.USTime
	dX := m.XTime - u.last.XTime
	if dX == 0 {
		return u.interval
	}
	ppm := encodeDriftPPM(float64(dUS)/float64(dX) - 1.0)

	if !u.drift.within(ppm) {
		u.rejections++
		if u.rejections > 0 && u.interval > time.Microsecond {
			// Halve the inter-measurement interval on the k-th consecutive
			// rejection to resample sooner while the signal is unstable.
			u.interval /= 2
		}
		if u.rejections >= driftResetRejections {
			u.drift.resetToMax()
		}
		return u.interval
	}
	u.rejections = 0
	u.interval = u.baseInterval
	u.drift.add(ppm)
	u.last = TimesyncRecord{USTime: m.USTime, XTime: m.XTime, PPSXTime: m.PPSXTime}

	if txunit == 0 && m.PPSXTime != 0 {
		t.pps = t.pps.observe(m.USTime, m.PPSXTime)
		if d := t.pps.midpointDelay(m.USTime); d > 0 {
			u.interval = d
		}
	}

	return u.interval
}

// encodeDriftPPM encodes a fractional drift (e.g. 3e-6 for 3ppm) at 1/10
// ppm resolution: decode_ppm(encode_drift_ppm(1+d)) == d*1e6 rounded to 0.1ppm.
func encodeDriftPPM(frac float64) int32 {
	return int32(frac*1e6*10 + sign(frac)*0.5)
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

// DecodePPM converts an encoded 1/10ppm drift value back to a fraction.
func DecodePPM(x int32) float64 {
	return float64(x) / 10.0 / 1e6
}

// USTimeToXTime converts a host timestamp to this txunit's xtime using the
// last accepted timesync record. It fails if no record exists yet.
func (t *Tracker) USTimeToXTime(txunit uint8, us int64) (int64, error) {
	u, ok := t.units[txunit]
	if !ok || !u.haveRecord {
		return 0, fmt.Errorf("timesync: no record for txunit %d", txunit)
	}
	delta := us - u.last.USTime
	counter, _, _ := UnpackXTime(u.last.XTime)
	return PackXTime(counter+delta, t.sessionTag, txunit), nil
}

// XTimeToUSTime is the inverse of USTimeToXTime. A session-tag mismatch is
// a hard failure: the caller is holding a timestamp from a dead session.
func (t *Tracker) XTimeToUSTime(txunit uint8, x int64) (int64, error) {
	u, ok := t.units[txunit]
	if !ok || !u.haveRecord {
		return 0, fmt.Errorf("timesync: no record for txunit %d", txunit)
	}
	counter, tag, _ := UnpackXTime(x)
	if tag != t.sessionTag {
		return 0, fmt.Errorf("timesync: session tag mismatch: have %d, want %d", tag, t.sessionTag)
	}
	lastCounter, _, _ := UnpackXTime(u.last.XTime)
	delta := counter - lastCounter
	return u.last.USTime + delta, nil
}

// XTimeToXTime converts an xtime stamped on srcUnit to the equivalent
// instant expressed on dstUnit, round-tripping through ustime.
func (t *Tracker) XTimeToXTime(x int64, srcUnit, dstUnit uint8) (int64, error) {
	us, err := t.XTimeToUSTime(srcUnit, x)
	if err != nil {
		return 0, err
	}
	return t.USTimeToXTime(dstUnit, us)
}

// XTicksToXTime extends a raw 32-bit hardware counter to a full xtime using
// the last known xtime on that txunit, rejecting extensions whose implied
// rollover exceeds the decay budget (half the 32-bit counter range).
func (t *Tracker) XTicksToXTime(txunit uint8, xticks uint32, lastXTime int64) (int64, error) {
	lastCounter, tag, _ := UnpackXTime(lastXTime)
	diff := int32(xticks - uint32(lastCounter))
	x := lastCounter + int64(diff)
	const decay = int64(1) << 31
	if x < lastCounter-decay {
		return 0, fmt.Errorf("timesync: xticks extension exceeds decay budget")
	}
	return PackXTime(x, tag, txunit), nil
}
