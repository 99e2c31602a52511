// Package protocol defines the wire records exchanged between the RAL
// master and its slave processes, and the radio-parameter-set encoding
// shared by the timesync and channel-allocator subsystems.
package protocol

import "fmt"

// Bandwidth identifies a LoRa channel bandwidth in Hz.
type Bandwidth uint32

const (
	BW125kHz Bandwidth = 125000
	BW250kHz Bandwidth = 250000
	BW500kHz Bandwidth = 500000
)

// Modulation distinguishes LoRa from FSK.
type Modulation uint8

const (
	ModLoRa Modulation = iota
	ModFSK
)

// RPS is the radio-parameter set: spreading factor, bandwidth, modulation
// and an optional beacon flag, packed into a single comparable value.
type RPS struct {
	Modulation Modulation
	SF         uint8 // 7..12, ignored for FSK
	BW         Bandwidth
	Beacon     bool
}

func (r RPS) String() string {
	if r.Modulation == ModFSK {
		return "FSK"
	}
	tag := fmt.Sprintf("SF%dBW%d", r.SF, r.BW/1000)
	if r.Beacon {
		tag += "+BEACON"
	}
	return tag
}

// Encode packs an RPS into a single byte for use in wire records:
// bits 0-3 SF, bits 4-5 BW code, bit 6 modulation, bit 7 beacon flag.
func (r RPS) Encode() uint8 {
	var bwCode uint8
	switch r.BW {
	case BW125kHz:
		bwCode = 0
	case BW250kHz:
		bwCode = 1
	case BW500kHz:
		bwCode = 2
	}
	var b uint8
	b |= r.SF & 0x0F
	b |= (bwCode & 0x03) << 4
	if r.Modulation == ModFSK {
		b |= 1 << 6
	}
	if r.Beacon {
		b |= 1 << 7
	}
	return b
}

// DecodeRPS is the inverse of RPS.Encode.
func DecodeRPS(b uint8) RPS {
	var r RPS
	r.SF = b & 0x0F
	switch (b >> 4) & 0x03 {
	case 0:
		r.BW = BW125kHz
	case 1:
		r.BW = BW250kHz
	case 2:
		r.BW = BW500kHz
	}
	if b&(1<<6) != 0 {
		r.Modulation = ModFSK
	}
	if b&(1<<7) != 0 {
		r.Beacon = true
	}
	return r
}
