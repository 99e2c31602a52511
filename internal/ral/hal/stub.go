package hal

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/agsys/gwstation/internal/protocol"
	"github.com/agsys/gwstation/internal/timesync"
)

// StubConfig configures the software HAL's synthetic uplink generator.
type StubConfig struct {
	FreqHz     uint32
	RPS        protocol.RPS
	RxInterval time.Duration // 0 disables synthetic RX
}

// DefaultStubConfig returns a reasonable single-channel configuration.
func DefaultStubConfig() StubConfig {
	return StubConfig{
		FreqHz:     915000000,
		RPS:        protocol.RPS{Modulation: protocol.ModLoRa, SF: 10, BW: protocol.BW125kHz},
		RxInterval: 5 * time.Second,
	}
}

// Stub is a software HAL: no hardware, no OS calls beyond a timer. It
// synthesizes periodic uplinks so RAL-slave, RAL-master, and TC can be
// exercised end to end without a concentrator attached.
type Stub struct {
	cfg   StubConfig
	start time.Time

	mu          sync.Mutex
	counter     uint32
	lastTX      protocol.ResponseStatus
	scheduledAt time.Time
	lastPreamble uint32
	rxQueue     []protocol.RxResponseBody
	stopRx      chan struct{}
	rxStopped   bool
}

// NewStub creates a software HAL. Configure must still be called before
// TX/RxPoll are meaningful, matching the real HAL's lifecycle.
func NewStub(cfg StubConfig) *Stub {
	return &Stub{cfg: cfg, start: time.Now(), lastTX: protocol.StatusIdle, stopRx: make(chan struct{})}
}

func (s *Stub) us() int64 {
	return time.Since(s.start).Microseconds()
}

func (s *Stub) Configure(ctx context.Context, cfg Config) error {
	if s.cfg.RxInterval <= 0 {
		return nil
	}
	go s.rxLoop()
	return nil
}

func (s *Stub) rxLoop() {
	ticker := time.NewTicker(s.cfg.RxInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopRx:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.counter += uint32(s.cfg.RxInterval.Microseconds())
			pkt := protocol.RxResponseBody{
				XTime:   int64(s.counter),
				FreqHz:  s.cfg.FreqHz,
				RPS:     s.cfg.RPS,
				RSSI:    int16(-60 - rand.Intn(40)),
				SNR:     float32(5 - rand.Intn(15)),
				Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF},
			}
			if len(s.rxQueue) < 64 {
				s.rxQueue = append(s.rxQueue, pkt)
			}
			s.mu.Unlock()
		}
	}
}

func (s *Stub) TX(ctx context.Context, job protocol.TxBody, noCCA bool) (protocol.ResponseStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(job.Payload) == 0 {
		s.lastTX = protocol.StatusFail
		return s.lastTX, fmt.Errorf("hal: empty TX payload")
	}

	preamble := uint32(dataPreambleSymbols)
	if job.RPS.Beacon {
		preamble = beaconPreambleSymbols
	}
	counter, _, _ := timesync.UnpackXTime(job.XTime)
	delayUS := int64(int32(uint32(counter) - s.counter))
	if delayUS < 0 {
		delayUS = 0
	}
	s.scheduledAt = time.Now().Add(time.Duration(delayUS) * time.Microsecond)
	s.lastPreamble = preamble

	s.lastTX = protocol.StatusScheduled
	return s.lastTX, nil
}

func (s *Stub) TXStatus(ctx context.Context) (protocol.ResponseStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastTX == protocol.StatusScheduled {
		if time.Now().Before(s.scheduledAt) {
			return protocol.StatusScheduled, nil
		}
		s.lastTX = protocol.StatusIdle
		return protocol.StatusOK, nil
	}
	return s.lastTX, nil
}

func (s *Stub) TXAbort(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTX = protocol.StatusIdle
	return nil
}

func (s *Stub) RxPoll(ctx context.Context, max int) ([]protocol.RxResponseBody, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || max > 16 {
		max = 16
	}
	n := max
	if n > len(s.rxQueue) {
		n = len(s.rxQueue)
	}
	out := append([]protocol.RxResponseBody(nil), s.rxQueue[:n]...)
	s.rxQueue = s.rxQueue[n:]
	return out, nil
}

func (s *Stub) Timesync(ctx context.Context) (int64, int64, int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	us := s.us()
	s.counter = uint32(us)
	ppsOffset := us % 1_000_000
	return us, int64(s.counter), ppsOffset, 10, nil
}

func (s *Stub) TrigCount(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter, nil
}

func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rxStopped {
		close(s.stopRx)
		s.rxStopped = true
	}
	return nil
}
