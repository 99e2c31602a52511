package ral

import (
	"os/exec"
	"testing"
	"time"

	"github.com/agsys/gwstation/internal/eventloop"
	"github.com/agsys/gwstation/internal/protocol"
)

func newTestSlaveState(idx int) *SlaveState {
	return &SlaveState{idx: idx}
}

func TestDrainRecordsHandlesSplitReads(t *testing.T) {
	m := &Master{}
	s := newTestSlaveState(0)

	var got []protocol.RxResponseBody
	m.onRx = func(idx int, pkt protocol.RxResponseBody) { got = append(got, pkt) }

	pkt := protocol.RxResponseBody{XTime: 42, FreqHz: 915000000, Payload: []byte{1, 2, 3}}
	body := pkt.Encode()
	hdr := protocol.RecordHeader{Cmd: protocol.CmdRxResponse, Rctx: 0, BodyLen: uint16(len(body))}
	frame := append(hdr.EncodeHeader(), body...)

	// Simulate a read that only delivered the first 3 bytes of the header.
	s.reassembly = append(s.reassembly, frame[:3]...)
	m.drainRecords(s)
	if len(got) != 0 {
		t.Fatalf("record fired early on partial header")
	}

	// Deliver the rest of the header but not the body.
	s.reassembly = append(s.reassembly, frame[3:protocol.RecordHeaderSize+1]...)
	m.drainRecords(s)
	if len(got) != 0 {
		t.Fatalf("record fired early on partial body")
	}

	// Deliver the remainder.
	s.reassembly = append(s.reassembly, frame[protocol.RecordHeaderSize+1:]...)
	m.drainRecords(s)
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if got[0].XTime != 42 || string(got[0].Payload) != "\x01\x02\x03" {
		t.Fatalf("decoded record mismatch: %+v", got[0])
	}
}

func TestDrainRecordsHandlesTwoRecordsInOneRead(t *testing.T) {
	m := &Master{}
	s := newTestSlaveState(0)

	var count int
	m.onRx = func(int, protocol.RxResponseBody) { count++ }

	pkt := protocol.RxResponseBody{XTime: 1, Payload: []byte{9}}
	body := pkt.Encode()
	hdr := protocol.RecordHeader{Cmd: protocol.CmdRxResponse, BodyLen: uint16(len(body))}
	frame := append(hdr.EncodeHeader(), body...)

	s.reassembly = append(frame, frame...)
	m.drainRecords(s)
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if len(s.reassembly) != 0 {
		t.Fatalf("leftover reassembly buffer: %d bytes", len(s.reassembly))
	}
}

func TestAwaitResponseDeliversMatchingResponse(t *testing.T) {
	m := &Master{}
	s := newTestSlaveState(0)

	go func() {
		time.Sleep(5 * time.Millisecond)
		s.mu.Lock()
		ch := s.pendingResp
		s.mu.Unlock()
		if ch != nil {
			ch <- protocol.ResponseBody{Status: protocol.StatusOK}
		}
	}()

	status, err := m.awaitResponse(s, protocol.CmdTXStatus)
	if err != nil {
		t.Fatalf("awaitResponse: %v", err)
	}
	if status != protocol.StatusOK {
		t.Fatalf("status = %v, want StatusOK", status)
	}
}

func TestAwaitResponseTimesOutWithSafeDefault(t *testing.T) {
	m := &Master{}
	s := newTestSlaveState(0)

	status, err := m.awaitResponse(s, protocol.CmdTX)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if status != protocol.StatusFail {
		t.Fatalf("status = %v, want StatusFail for a timed-out TX", status)
	}
}

func TestHandleRecordDiscardsStaleResponse(t *testing.T) {
	m := &Master{}
	s := newTestSlaveState(0)
	// No pendingResp registered: this simulates a RESPONSE arriving after
	// awaitResponse already gave up and moved on.
	s.lastExpectedCmd = protocol.CmdTXStatus

	resp := protocol.ResponseBody{Status: protocol.StatusOK}
	m.handleRecord(s, protocol.RecordHeader{Cmd: protocol.CmdResponse}, resp.Encode())
	// Should not panic and should leave no pending channel behind.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingResp != nil {
		t.Fatal("stale response incorrectly populated pendingResp")
	}
}

func TestTxUnitToSlaveRejectsOutOfRange(t *testing.T) {
	m := &Master{slaves: []*SlaveState{newTestSlaveState(0)}}
	if _, err := m.TxUnitToSlave(5); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestTxUnitToSlaveRejectsClosedSlave(t *testing.T) {
	s := newTestSlaveState(0)
	s.closed = true
	m := &Master{slaves: []*SlaveState{s}}
	if _, err := m.TxUnitToSlave(0); err == nil {
		t.Fatal("expected closed-pipe error")
	}
}

func TestAltAntennasExcludesSelfAndDirectional(t *testing.T) {
	s0 := newTestSlaveState(0)
	s0.antennaType = AntennaOmni
	s1 := newTestSlaveState(1)
	s1.antennaType = AntennaOmni
	s2 := newTestSlaveState(2)
	s2.antennaType = AntennaDirectional
	m := &Master{slaves: []*SlaveState{s0, s1, s2}}

	alt := m.AltAntennas(0)
	if len(alt) != 1 || alt[0] != 1 {
		t.Fatalf("AltAntennas(0) = %v, want [1]", alt)
	}
}

func TestRecheckSlaveResetsRestartCountOnSuccessfulLivenessCheck(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start probe process: %v", err)
	}
	defer cmd.Process.Kill()

	s := newTestSlaveState(0)
	s.cmd = cmd
	s.restartCount = 3
	s.exited = make(chan struct{})

	m := &Master{loop: eventloop.New("test")}
	m.recheckSlave(nil, s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restartCount != 0 {
		t.Fatalf("restartCount = %d, want 0 after a successful liveness check", s.restartCount)
	}
}
