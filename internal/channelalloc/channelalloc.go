// Package channelalloc places an abstract list of logical LoRa channels
// onto concentrator chips: two RF front-ends and ten IF modems per chip,
// subject to per-bandwidth frequency-offset tolerances. It is a pure
// function driven by a phased callback, mirroring how the rest of this
// module feeds results back to its caller incrementally rather than
// building and returning one large struct.
package channelalloc

import "github.com/agsys/gwstation/internal/protocol"

// Per-bandwidth frequency-offset tolerance an RF front-end window may
// absorb, in Hz, before a channel needs its own front-end.
const (
	MaxCOFF125 = 100_000
	MaxCOFF250 = 200_000
	MaxCOFF500 = 400_000
)

func maxCOFF(bw protocol.Bandwidth) uint32 {
	switch bw {
	case protocol.BW125kHz:
		return MaxCOFF125
	case protocol.BW250kHz:
		return MaxCOFF250
	case protocol.BW500kHz:
		return MaxCOFF500
	default:
		return MaxCOFF125
	}
}

const (
	modemsPerChip  = 10
	fastLoRaModem  = 8
	fskModem       = 9
	rfFrontendsPerChip = 2
)

// Channel is one logical channel to be placed.
type Channel struct {
	FreqHz uint32
	RPS    protocol.RPS
}

// Assignment is the placement callbacks report for one channel.
type Assignment struct {
	Chip       int
	ModemIndex int
	RFFrontend int
	RFCenterHz uint32
}

// Callback receives allocator events in phase order: one Start, then for
// each chip a ChipStart, a CH per placed channel, and a ChipDone; finally
// one Done. Unassignable channels are reported to Done, never to CH.
type Callback interface {
	Start(totalChannels int)
	ChipStart(chip int)
	CH(ch Channel, a Assignment)
	ChipDone(chip int, spanLoHz, spanHiHz uint32, modemsUsed int)
	Done(unassigned []Channel)
}

type rfWindow struct {
	used       bool
	lo, hi     uint32
}

func (w *rfWindow) admits(freq uint32, tol uint32) bool {
	if !w.used {
		return true
	}
	lo, hi := w.lo, w.hi
	if freq < lo {
		lo = freq
	}
	if freq > hi {
		hi = freq
	}
	return hi-lo <= 2*tol
}

func (w *rfWindow) extend(freq uint32) {
	if !w.used {
		w.used, w.lo, w.hi = true, freq, freq
		return
	}
	if freq < w.lo {
		w.lo = freq
	}
	if freq > w.hi {
		w.hi = freq
	}
}

// Allocate places channels across nChips chips, invoking cb in phase
// order. It never mutates the input slice.
func Allocate(channels []Channel, nChips int, cb Callback) {
	cb.Start(len(channels))

	var lora125, fsk, fast []Channel
	for _, c := range channels {
		switch {
		case c.RPS.Modulation == protocol.ModFSK:
			fsk = append(fsk, c)
		case c.RPS.BW == protocol.BW250kHz || c.RPS.BW == protocol.BW500kHz:
			fast = append(fast, c)
		default:
			lora125 = append(lora125, c)
		}
	}

	for chip := 0; chip < nChips && (len(lora125) > 0 || len(fsk) > 0 || len(fast) > 0); chip++ {
		cb.ChipStart(chip)
		var windows [rfFrontendsPerChip]rfWindow
		modemsUsed := 0
		var spanLo, spanHi uint32
		spanSet := false

		extendSpan := func(freq uint32) {
			if !spanSet {
				spanLo, spanHi, spanSet = freq, freq, true
				return
			}
			if freq < spanLo {
				spanLo = freq
			}
			if freq > spanHi {
				spanHi = freq
			}
		}

		// Phase 1: up to 8 125kHz channels on modems 0..7.
		modem := 0
		var remaining125 []Channel
		for _, c := range lora125 {
			if modem >= 8 {
				remaining125 = append(remaining125, c)
				continue
			}
			fe := placeOnFrontend(&windows, c.FreqHz, maxCOFF(protocol.BW125kHz))
			if fe < 0 {
				remaining125 = append(remaining125, c)
				continue
			}
			a := Assignment{Chip: chip, ModemIndex: modem, RFFrontend: fe, RFCenterHz: c.FreqHz}
			cb.CH(c, a)
			extendSpan(c.FreqHz)
			modem++
			modemsUsed++
		}
		lora125 = remaining125

		// Phase 2: at most one FSK channel on modem 9.
		var remainingFSK []Channel
		placedFSK := false
		for _, c := range fsk {
			if placedFSK {
				remainingFSK = append(remainingFSK, c)
				continue
			}
			fe := placeOnFrontend(&windows, c.FreqHz, 2*maxCOFF(protocol.BW125kHz))
			if fe < 0 {
				remainingFSK = append(remainingFSK, c)
				continue
			}
			a := Assignment{Chip: chip, ModemIndex: fskModem, RFFrontend: fe, RFCenterHz: c.FreqHz}
			cb.CH(c, a)
			extendSpan(c.FreqHz)
			modemsUsed++
			placedFSK = true
		}
		fsk = remainingFSK

		// Phase 3: at most one fast-LoRa channel on modem 8.
		var remainingFast []Channel
		placedFast := false
		for _, c := range fast {
			if placedFast {
				remainingFast = append(remainingFast, c)
				continue
			}
			tol := maxCOFF(c.RPS.BW)
			fe, center := placeFastLoRa(&windows, c.FreqHz, tol)
			if fe < 0 {
				remainingFast = append(remainingFast, c)
				continue
			}
			a := Assignment{Chip: chip, ModemIndex: fastLoRaModem, RFFrontend: fe, RFCenterHz: center}
			cb.CH(c, a)
			extendSpan(center)
			modemsUsed++
			placedFast = true
		}
		fast = remainingFast

		cb.ChipDone(chip, spanLo, spanHi, modemsUsed)
	}

	var unassigned []Channel
	unassigned = append(unassigned, lora125...)
	unassigned = append(unassigned, fsk...)
	unassigned = append(unassigned, fast...)
	cb.Done(unassigned)
}

// placeOnFrontend picks the first RF front-end (unused, or whose window
// can absorb freq within tol) and extends its window to include freq.
func placeOnFrontend(windows *[rfFrontendsPerChip]rfWindow, freq uint32, tol uint32) int {
	for i := range windows {
		if windows[i].admits(freq, tol) {
			windows[i].extend(freq)
			return i
		}
	}
	return -1
}

// placeFastLoRa picks a front-end for the fast-LoRa modem and returns its
// RF center frequency as the midpoint of the admissible window.
func placeFastLoRa(windows *[rfFrontendsPerChip]rfWindow, freq uint32, tol uint32) (int, uint32) {
	for i := range windows {
		if windows[i].admits(freq, tol) {
			windows[i].extend(freq)
			return i, (windows[i].lo + windows[i].hi) / 2
		}
	}
	return -1, 0
}
