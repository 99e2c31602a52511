// Package ral implements the radio abstraction layer: a master process
// that supervises one slave process per concentrator chip, talking to
// each over a pair of pipes framed with internal/protocol's RAL records.
package ral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"syscall"
	"time"

	"github.com/agsys/gwstation/internal/channelalloc"
	"github.com/agsys/gwstation/internal/protocol"
	"github.com/agsys/gwstation/internal/ral/hal"
)

// SlaveIdxEnv is the environment variable the master sets before exec'ing
// a slave so it knows which chip it owns.
const SlaveIdxEnv = "SLAVE_IDX"

const (
	rxPollInterval  = 100 * time.Millisecond
	rxPollBatchSize = 16
	pipeRetryDelay  = time.Millisecond
	pipeRetryCount  = 5
)

// Slave is the RAL-slave side running in the child process: it owns one
// HAL instance and speaks the pipe protocol on stdin/stdout.
type Slave struct {
	idx  int
	hal  hal.HAL
	in   io.Reader
	out  io.Writer

	region     uint8
	lastXTime  int64
	sessionTag uint8
}

// NewSlave wires a slave around hal, reading commands from in and writing
// responses to out (normally os.Stdin/os.Stdout, swappable for tests).
func NewSlave(idx int, h hal.HAL, in io.Reader, out io.Writer) *Slave {
	return &Slave{idx: idx, hal: h, in: in, out: out, sessionTag: 1}
}

// Run drives the slave until its input pipe hits EOF (fatal: exit code 2
// at the caller) or ctx is cancelled.
func (s *Slave) Run(ctx context.Context) error {
	rxCtx, cancelRx := context.WithCancel(ctx)
	defer cancelRx()

	configured := make(chan struct{}, 1)
	go s.rxPollLoop(rxCtx, configured)

	headerBuf := make([]byte, protocol.RecordHeaderSize)
	for {
		if _, err := io.ReadFull(s.in, headerBuf); err != nil {
			if err == io.EOF {
				return errEOF
			}
			return fmt.Errorf("ral: slave %d: read header: %w", s.idx, err)
		}
		hdr, err := protocol.DecodeHeader(headerBuf)
		if err != nil {
			return fmt.Errorf("ral: slave %d: %w", s.idx, err)
		}
		body := make([]byte, hdr.BodyLen)
		if hdr.BodyLen > 0 {
			if _, err := io.ReadFull(s.in, body); err != nil {
				if err == io.EOF {
					return errEOF
				}
				return fmt.Errorf("ral: slave %d: read body: %w", s.idx, err)
			}
		}

		if err := s.dispatch(ctx, hdr, body, configured); err != nil {
			return err
		}
	}
}

var errEOF = fmt.Errorf("ral: slave pipe EOF")

// IsFatalEOF reports whether err is the sentinel returned when the
// master-to-slave pipe hit EOF (the slave must exit with code 2).
func IsFatalEOF(err error) bool { return err == errEOF }

func (s *Slave) dispatch(ctx context.Context, hdr protocol.RecordHeader, body []byte, configured chan struct{}) error {
	switch hdr.Cmd {
	case protocol.CmdConfig:
		cfg, err := protocol.DecodeConfigBody(body)
		if err != nil {
			return fmt.Errorf("ral: slave %d: CONFIG: %w", s.idx, err)
		}
		if err := s.handleConfig(ctx, cfg); err != nil {
			return fmt.Errorf("ral: slave %d: CONFIG fatal: %w", s.idx, err)
		}
		select {
		case configured <- struct{}{}:
		default:
		}
		s.sendTimesync(ctx)

	case protocol.CmdTX, protocol.CmdTXNoCCA:
		tx, err := protocol.DecodeTxBody(body)
		if err != nil {
			return fmt.Errorf("ral: slave %d: TX: %w", s.idx, err)
		}
		status, _ := s.hal.TX(ctx, tx, hdr.Cmd == protocol.CmdTXNoCCA)
		if s.region != 0 {
			s.writeResponse(protocol.ResponseBody{Status: status})
		}

	case protocol.CmdTXStatus:
		status, _ := s.hal.TXStatus(ctx)
		s.writeResponse(protocol.ResponseBody{Status: status})

	case protocol.CmdTXAbort:
		_ = s.hal.TXAbort(ctx)

	case protocol.CmdTimesync:
		s.sendTimesync(ctx)

	case protocol.CmdStop:
		_ = s.hal.Close()

	default:
		return fmt.Errorf("ral: slave %d: protocol desync: unexpected command %s", s.idx, hdr.Cmd)
	}
	return nil
}

func (s *Slave) handleConfig(ctx context.Context, cfg protocol.ConfigBody) error {
	var upchannels []channelalloc.Channel
	if len(cfg.JSONBlob) > 0 {
		var raw []struct {
			FreqHz uint32 `json:"freq"`
			SF     uint8  `json:"sf"`
			BW     uint32 `json:"bw"`
			FSK    bool   `json:"fsk"`
		}
		if err := json.Unmarshal(cfg.JSONBlob, &raw); err != nil {
			return fmt.Errorf("parse chip json: %w", err)
		}
		for _, r := range raw {
			mod := protocol.ModLoRa
			if r.FSK {
				mod = protocol.ModFSK
			}
			upchannels = append(upchannels, channelalloc.Channel{
				FreqHz: r.FreqHz,
				RPS:    protocol.RPS{Modulation: mod, SF: r.SF, BW: protocol.Bandwidth(r.BW)},
			})
		}
	}
	_ = upchannels // allocation is performed by the master; slave only validates shape.

	s.region = cfg.Region
	return s.hal.Configure(ctx, hal.Config{HWSpec: cfg.HWSpec, Region: cfg.Region, JSONBlob: cfg.JSONBlob})
}

func (s *Slave) sendTimesync(ctx context.Context) {
	us, counter, ppsOffset, quality, err := s.hal.Timesync(ctx)
	if err != nil {
		log.Printf("ral: slave %d: timesync: %v", s.idx, err)
		return
	}
	s.lastXTime = counter
	body := protocol.TimesyncBody{
		Quality:  uint8(quality),
		USTime:   us,
		XTime:    counter,
		PPSXTime: ppsOffset,
	}
	s.writeRecord(protocol.RecordHeader{Cmd: protocol.CmdResponseTimesync, Rctx: uint8(s.idx)}, body.Encode())
}

func (s *Slave) writeResponse(body protocol.ResponseBody) {
	s.writeRecord(protocol.RecordHeader{Cmd: protocol.CmdResponse, Rctx: uint8(s.idx)}, body.Encode())
}

// writeRecord writes one framed record with the documented backpressure
// policy: retry on a full pipe up to pipeRetryCount times, then drop; an
// EPIPE (broken master) is fatal: log.Fatalf exits the process at once
// rather than keep polling.
func (s *Slave) writeRecord(hdr protocol.RecordHeader, body []byte) {
	hdr.BodyLen = uint16(len(body))
	frame := append(hdr.EncodeHeader(), body...)
	if len(frame) > protocol.MaxPipeRecord {
		log.Printf("ral: slave %d: record %s exceeds MaxPipeRecord, dropping", s.idx, hdr.Cmd)
		return
	}

	var lastErr error
	for attempt := 0; attempt < pipeRetryCount; attempt++ {
		_, err := s.out.Write(frame)
		if err == nil {
			return
		}
		lastErr = err
		if isEPIPE(err) {
			log.Fatalf("ral: slave %d: EPIPE writing %s: master gone", s.idx, hdr.Cmd)
		}
		time.Sleep(pipeRetryDelay)
	}
	log.Printf("ral: slave %d: dropping %s after %d retries: %v", s.idx, hdr.Cmd, pipeRetryCount, lastErr)
}

func (s *Slave) rxPollLoop(ctx context.Context, configured <-chan struct{}) {
	select {
	case <-configured:
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(rxPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pkts, err := s.hal.RxPoll(ctx, rxPollBatchSize)
			if err != nil {
				log.Printf("ral: slave %d: RxPoll: %v", s.idx, err)
				continue
			}
			for _, pkt := range pkts {
				s.handleRxPacket(pkt)
			}
		}
	}
}

const maxRxPayload = protocol.MaxPayload

func (s *Slave) handleRxPacket(pkt protocol.RxResponseBody) {
	if len(pkt.Payload) > maxRxPayload {
		log.Printf("ral: slave %d: dropping oversized RX frame (%d bytes)", s.idx, len(pkt.Payload))
		return
	}
	// Extend the chip's raw counter reading to a full xtime using the
	// session's last known xtime, as CONFIG/TIMESYNC round-trips keep it.
	xtime := pkt.XTime
	if s.lastXTime != 0 {
		diff := int32(uint32(pkt.XTime) - uint32(s.lastXTime))
		xtime = s.lastXTime + int64(diff)
	}
	s.lastXTime = xtime

	body := protocol.RxResponseBody{
		XTime:   xtime,
		FreqHz:  pkt.FreqHz,
		RPS:     pkt.RPS,
		RSSI:    pkt.RSSI,
		SNR:     pkt.SNR,
		Payload: pkt.Payload,
	}
	s.writeRecord(protocol.RecordHeader{Cmd: protocol.CmdRxResponse, Rctx: uint8(s.idx)}, body.Encode())
}

func isEPIPE(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}
