// Package hal defines the radio abstraction layer a RAL slave drives: one
// concentrator chip's command surface (configure, transmit, poll receive,
// read the PPS-latched trigger counter) behind a single interface with two
// implementations — a software stub for development/testing and a
// Concentratord-backed implementation for real hardware.
package hal

import (
	"context"

	"github.com/agsys/gwstation/internal/protocol"
)

// Config is the parsed chip configuration a CONFIG command carries.
type Config struct {
	HWSpec   string
	Region   uint8
	JSONBlob []byte
}

// HAL is the per-chip hardware abstraction a RAL slave owns.
type HAL interface {
	// Configure applies chip configuration; any failure here is fatal to
	// the owning slave process.
	Configure(ctx context.Context, cfg Config) error

	// TX submits a transmission. noCCA requests bypassing channel-clear
	// assessment; see the TX_NOCCA decision in DESIGN.md.
	TX(ctx context.Context, job protocol.TxBody, noCCA bool) (protocol.ResponseStatus, error)

	// TXStatus reports the state of the most recently submitted TX.
	TXStatus(ctx context.Context) (protocol.ResponseStatus, error)

	// TXAbort cancels a scheduled or in-flight transmission.
	TXAbort(ctx context.Context) error

	// RxPoll returns up to max received frames accumulated since the last
	// poll. It never blocks.
	RxPoll(ctx context.Context, max int) ([]protocol.RxResponseBody, error)

	// Timesync returns one measurement of the three clock bases: the
	// host-visible ustime, the chip's extended counter reading (not yet
	// packed into xtime — the caller owns session tag/txunit), and the
	// PPS-latched microsecond-of-second offset (0 if no PPS this round).
	Timesync(ctx context.Context) (ustime int64, counter int64, ppsOffset int64, quality int, err error)

	// TrigCount reads the raw PPS-latched counter.
	TrigCount(ctx context.Context) (uint32, error)

	// Close releases any underlying resources.
	Close() error
}
