package channelalloc

import (
	"testing"

	"github.com/agsys/gwstation/internal/protocol"
)

type recorder struct {
	assignments map[Channel]Assignment
	done        bool
	unassigned  []Channel
	chips       []int
}

func newRecorder() *recorder {
	return &recorder{assignments: make(map[Channel]Assignment)}
}

func (r *recorder) Start(int)      {}
func (r *recorder) ChipStart(c int) { r.chips = append(r.chips, c) }
func (r *recorder) CH(ch Channel, a Assignment) { r.assignments[ch] = a }
func (r *recorder) ChipDone(int, uint32, uint32, int) {}
func (r *recorder) Done(unassigned []Channel) {
	r.done = true
	r.unassigned = unassigned
}

func lora125(freq uint32, sf uint8) Channel {
	return Channel{FreqHz: freq, RPS: protocol.RPS{Modulation: protocol.ModLoRa, SF: sf, BW: protocol.BW125kHz}}
}

func TestAllocateRespectsMaxCOFF(t *testing.T) {
	chans := []Channel{
		lora125(868100000, 7),
		lora125(868300000, 8),
		lora125(868500000, 9),
	}
	rec := newRecorder()
	Allocate(chans, 1, rec)

	if !rec.done {
		t.Fatal("Done never called")
	}
	if len(rec.unassigned) != 0 {
		t.Fatalf("expected all channels placed, got unassigned: %v", rec.unassigned)
	}

	// Group assignments by RF front-end and check the MAX_COFF invariant:
	// every channel on a front-end is within MaxCOFF125 of every other.
	byFE := map[int][]uint32{}
	for ch, a := range rec.assignments {
		byFE[a.RFFrontend] = append(byFE[a.RFFrontend], ch.FreqHz)
	}
	for fe, freqs := range byFE {
		lo, hi := freqs[0], freqs[0]
		for _, f := range freqs {
			if f < lo {
				lo = f
			}
			if f > hi {
				hi = f
			}
		}
		if hi-lo > 2*MaxCOFF125 {
			t.Errorf("front-end %d window %d too wide for MAX_COFF_125", fe, hi-lo)
		}
	}
}

func TestAllocateOnlyOneFSKAndFastLoRaPerChip(t *testing.T) {
	fskCh := Channel{FreqHz: 868800000, RPS: protocol.RPS{Modulation: protocol.ModFSK}}
	fsk2 := Channel{FreqHz: 868900000, RPS: protocol.RPS{Modulation: protocol.ModFSK}}
	fast := Channel{FreqHz: 868300000, RPS: protocol.RPS{Modulation: protocol.ModLoRa, SF: 7, BW: protocol.BW500kHz}}
	fast2 := Channel{FreqHz: 869300000, RPS: protocol.RPS{Modulation: protocol.ModLoRa, SF: 7, BW: protocol.BW500kHz}}

	rec := newRecorder()
	Allocate([]Channel{fskCh, fsk2, fast, fast2}, 1, rec)

	fskCount, fastCount := 0, 0
	for _, a := range rec.assignments {
		if a.ModemIndex == fskModem {
			fskCount++
		}
		if a.ModemIndex == fastLoRaModem {
			fastCount++
		}
	}
	if fskCount != 1 {
		t.Errorf("expected exactly 1 FSK channel placed on one chip, got %d", fskCount)
	}
	if fastCount != 1 {
		t.Errorf("expected exactly 1 fast-LoRa channel placed on one chip, got %d", fastCount)
	}
	if len(rec.unassigned) != 2 {
		t.Errorf("expected 2 channels left unassigned on a single chip, got %d", len(rec.unassigned))
	}
}

func TestAllocateUnplaceableChannelReportedNotFatal(t *testing.T) {
	chans := make([]Channel, 0, 9)
	for i := 0; i < 9; i++ {
		chans = append(chans, lora125(868000000+uint32(i)*200000, 7))
	}
	rec := newRecorder()
	Allocate(chans, 1, rec)

	if len(rec.unassigned)+len(rec.assignments) != len(chans) {
		t.Fatalf("channels lost: %d assigned + %d unassigned != %d total",
			len(rec.assignments), len(rec.unassigned), len(chans))
	}
}
