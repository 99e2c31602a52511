package timesync

import "time"

// ppsState tracks acquisition of the txunit-0 pulse-per-second reference.
// Only txunit 0 may carry PPS; every other txunit's timesync is purely
// MCU/xtime drift tracking.
type ppsState struct {
	haveLast     bool
	lastUSTime   int64
	lastPPSXTime int64

	synced      bool
	offset      int64 // (pps_xtime_in_ustime) mod 1e6
	lastSeenAt  time.Time
	alarmWindow time.Duration

	wobbleNeg bool // alternates each midpointDelay call
}

// ppsWobble is the alternating jitter midpointDelay applies so the poll
// phase walks rather than parks on the same offset from the pulse.
const ppsWobble = 100 * time.Millisecond

func (p *ppsState) observe(usTime, ppsXTime int64) *ppsState {
	if p == nil {
		p = &ppsState{alarmWindow: ppsAlarmInitial}
	}
	if !p.haveLast {
		p.haveLast = true
		p.lastUSTime = usTime
		p.lastPPSXTime = ppsXTime
		return p
	}

	diff := mod(ppsXTime-p.lastPPSXTime, 1_000_000)
	if diff > 500_000 {
		diff -= 1_000_000
	}
	if absInt64(diff) > maxPPSErrorUS {
		// Not ~1s apart within tolerance: discard, keep the prior baseline.
		return p
	}

	p.synced = true
	p.offset = mod(ppsXTime, 1_000_000)
	p.lastUSTime = usTime
	p.lastPPSXTime = ppsXTime
	p.lastSeenAt = time.Now()
	p.alarmWindow = ppsAlarmInitial
	return p
}

// CheckAlarm reports whether PPS has been silent for longer than the
// current alarm window, doubling the window (capped) each time it fires.
func (p *ppsState) CheckAlarm(now time.Time) (alarm bool, window time.Duration) {
	if p == nil || !p.synced {
		return false, 0
	}
	if now.Sub(p.lastSeenAt) > p.alarmWindow {
		p.alarmWindow *= 2
		if p.alarmWindow > ppsAlarmCap {
			p.alarmWindow = ppsAlarmCap
		}
		return true, p.alarmWindow
	}
	return false, p.alarmWindow
}

// midpointDelay returns the delay, measured from usTime, until the
// midpoint between the next two expected PPS pulses — half a second past
// the next expected pulse — plus an alternating ±100ms wobble. Landing the
// next measurement there keeps the PPS-latch disable window (the chip is
// polled mid-second) from drifting into alignment with the pulse itself on
// every poll.
func (p *ppsState) midpointDelay(usTime int64) time.Duration {
	if p == nil || !p.synced {
		return 0
	}
	untilPulse := mod(p.offset-usTime, 1_000_000)
	untilMidpoint := untilPulse + 500_000
	if untilMidpoint >= 1_000_000 {
		untilMidpoint -= 1_000_000
	}

	wobble := ppsWobble
	if p.wobbleNeg {
		wobble = -wobble
	}
	p.wobbleNeg = !p.wobbleNeg

	delay := time.Duration(untilMidpoint)*time.Microsecond + wobble
	if delay < 0 {
		delay = 0
	}
	return delay
}

func mod(a, m int64) int64 {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

func absInt64(a int64) int64 {
	if a < 0 {
		return -a
	}
	return a
}

// PPSLocked reports whether txunit 0 currently carries an established PPS
// reference.
func (t *Tracker) PPSLocked() bool {
	return t.pps != nil && t.pps.synced
}

// PPSOffset returns the current pps_offset (pps_xtime mod 1e6 in ustime
// units). Valid only when PPSLocked returns true.
func (t *Tracker) PPSOffset() int64 {
	if t.pps == nil {
		return 0
	}
	return t.pps.offset
}

// CheckPPSAlarm surfaces the PPS-silence alarm for the caller to log/emit.
func (t *Tracker) CheckPPSAlarm(now time.Time) (alarm bool, window time.Duration) {
	return t.pps.CheckAlarm(now)
}
