package timesync

import (
	"fmt"
	"time"
)

// FuzzySync anchors the GPS epoch without requiring a PPS lock: it trusts
// the LNS-provided gpstime outright and takes the midpoint of the
// request/response roundtrip as the instant it applies to.
func (t *Tracker) FuzzySync(txunit uint8, txUS, rxUS, lnsGPSTimeUS int64) error {
	midUS := txUS + (rxUS-txUS)/2
	if _, err := t.USTimeToXTime(txunit, midUS); err != nil {
		return err
	}
	t.gpsOffsetUS = lnsGPSTimeUS - midUS
	t.gpsSyncAt = time.Now()
	t.gpsValid = true
	return nil
}

// StrictSync anchors the GPS epoch against the tracked PPS reference: it
// enumerates the GPS-second boundaries that fall within the roundtrip
// window and accepts the anchor only if exactly one of them reconciles
// with the currently tracked pps_offset within the MCU drift threshold.
func (t *Tracker) StrictSync(txunit uint8, txUS, rxUS, lnsGPSTimeUS int64) error {
	if !t.PPSLocked() {
		return fmt.Errorf("timesync: strict GPS sync requires an established PPS reference")
	}

	offset := t.PPSOffset()
	start := txUS - mod(txUS-offset, 1_000_000)
	if start < txUS {
		start += 1_000_000
	}

	var matched int64
	matches := 0
	for c := start; c <= rxUS; c += 1_000_000 {
		implied := mod(lnsGPSTimeUS-(c-txUS), 1_000_000)
		if implied > 500_000 {
			implied -= 1_000_000
		}
		if absInt64(implied) <= maxPPSErrorUS {
			matched = c
			matches++
		}
	}
	if matches != 1 {
		return fmt.Errorf("timesync: strict GPS sync ambiguous: %d reconciling candidates", matches)
	}

	if _, err := t.USTimeToXTime(txunit, matched); err != nil {
		return err
	}
	t.gpsOffsetUS = lnsGPSTimeUS - matched
	t.gpsSyncAt = time.Now()
	t.gpsValid = true
	return nil
}

// XTimeToGPSTime converts an xtime stamp to GPS epoch microseconds. It
// fails once the anchor is older than the validity window.
func (t *Tracker) XTimeToGPSTime(txunit uint8, x int64) (int64, error) {
	if !t.gpsValid || time.Since(t.gpsSyncAt) > gpsValidityWindow {
		return 0, fmt.Errorf("timesync: no valid GPS anchor")
	}
	us, err := t.XTimeToUSTime(txunit, x)
	if err != nil {
		return 0, err
	}
	return us + t.gpsOffsetUS, nil
}

// GPSTimeToXTime is the inverse of XTimeToGPSTime.
func (t *Tracker) GPSTimeToXTime(txunit uint8, gps int64) (int64, error) {
	if !t.gpsValid || time.Since(t.gpsSyncAt) > gpsValidityWindow {
		return 0, fmt.Errorf("timesync: no valid GPS anchor")
	}
	return t.USTimeToXTime(txunit, gps-t.gpsOffsetUS)
}
