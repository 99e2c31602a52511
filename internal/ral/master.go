package ral

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agsys/gwstation/internal/channelalloc"
	"github.com/agsys/gwstation/internal/eventloop"
	"github.com/agsys/gwstation/internal/protocol"
)

const (
	maxRestartsBeforeFatal = 4
	recheckInterval        = 500 * time.Millisecond
	killRetryInterval      = 100 * time.Millisecond
	syncRequestRetryDelay  = 500 * time.Microsecond
	syncRequestRetries     = 5
)

// AntennaType distinguishes an omnidirectional antenna (eligible for
// downlink replication across txunits) from a directional one.
type AntennaType int

const (
	AntennaDirectional AntennaType = iota
	AntennaOmni
)

// SlaveState is the master's view of one supervised slave process.
type SlaveState struct {
	idx          int
	antennaType  AntennaType
	cmd          *exec.Cmd
	toSlaveW     *os.File
	fromSlaveR   *os.File
	restartCount int
	killCount    int
	exited       chan struct{}

	reassembly []byte

	mu              sync.Mutex
	lastExpectedCmd protocol.Cmd
	pendingResp     chan protocol.ResponseBody
	closed          bool
}

// RxHandler receives one reassembled uplink from any slave.
type RxHandler func(slaveIdx int, pkt protocol.RxResponseBody)

// TimesyncHandler receives one timesync measurement from a slave.
type TimesyncHandler func(slaveIdx int, body protocol.TimesyncBody)

// Master supervises the RAL-slave fleet and exposes the uniform RAL API
// (TX, TXStatus, config distribution) to the rest of the core.
type Master struct {
	exePath string
	loop    *eventloop.Loop

	mu         sync.Mutex
	slaves     []*SlaveState
	lastConfig map[int]ConfigInput

	onRx       RxHandler
	onTimesync TimesyncHandler

	// OnFatal is invoked (at most once) when a slave exhausts its restart
	// budget. The caller decides the process-exit policy; the master never
	// calls os.Exit itself.
	OnFatal func(error)
}

// NewMaster creates a master for nSlaves chips. exePath is the binary to
// re-exec with --slave for each child (normally os.Executable()).
func NewMaster(exePath string, nSlaves int, loop *eventloop.Loop) *Master {
	m := &Master{exePath: exePath, loop: loop}
	for i := 0; i < nSlaves; i++ {
		m.slaves = append(m.slaves, &SlaveState{idx: i})
	}
	return m
}

// SetHandlers installs the callbacks invoked as slave messages arrive.
func (m *Master) SetHandlers(onRx RxHandler, onTimesync TimesyncHandler) {
	m.onRx = onRx
	m.onTimesync = onTimesync
}

// Start launches every slave and arms its liveness supervision.
func (m *Master) Start(ctx context.Context) error {
	for _, s := range m.slaves {
		if err := m.restartSlave(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// StopAll sends STOP to every live slave and kills the processes.
func (m *Master) StopAll() {
	for _, s := range m.slaves {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			continue
		}
		_ = m.send(s, protocol.RecordHeader{Cmd: protocol.CmdStop, Rctx: uint8(s.idx)}, nil)
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	}
}

// restartSlave implements the documented restart protocol: fatal after
// too many restarts, terminate any still-alive process, fork a fresh one
// via re-exec, and re-send CONFIG once it comes up.
func (m *Master) restartSlave(ctx context.Context, s *SlaveState) error {
	s.mu.Lock()
	restartCount := s.restartCount
	s.mu.Unlock()
	if restartCount > maxRestartsBeforeFatal {
		return fmt.Errorf("ral: slave %d: %d consecutive restarts without progress: fatal", s.idx, restartCount)
	}

	m.killExisting(s)

	toSlaveR, toSlaveW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("ral: slave %d: create inbound pipe: %w", s.idx, err)
	}
	fromSlaveR, fromSlaveW, err := os.Pipe()
	if err != nil {
		toSlaveR.Close()
		toSlaveW.Close()
		return fmt.Errorf("ral: slave %d: create outbound pipe: %w", s.idx, err)
	}

	cmd := exec.CommandContext(ctx, m.exePath, "--slave")
	cmd.Env = append(os.Environ(), SlaveIdxEnv+"="+strconv.Itoa(s.idx))
	cmd.Stdin = toSlaveR
	cmd.Stdout = fromSlaveW
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		toSlaveR.Close()
		toSlaveW.Close()
		fromSlaveR.Close()
		fromSlaveW.Close()
		return fmt.Errorf("ral: slave %d: exec: %w", s.idx, err)
	}
	toSlaveR.Close()
	fromSlaveW.Close()

	s.cmd = cmd
	s.toSlaveW = toSlaveW
	s.fromSlaveR = fromSlaveR
	s.reassembly = nil
	s.exited = make(chan struct{})
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()

	go func(c *exec.Cmd, exited chan struct{}) {
		c.Wait()
		close(exited)
	}(cmd, s.exited)

	go m.readLoop(s)

	m.loop.AfterFunc(recheckInterval, func() { m.recheckSlave(ctx, s) })
	return nil
}

// killExisting terminates a still-running slave: SIGTERM for the first two
// attempts, SIGKILL thereafter, polling liveness with a zero-signal probe
// between tries.
func (m *Master) killExisting(s *SlaveState) {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	for attempt := 0; attempt < 3; attempt++ {
		if err := s.cmd.Process.Signal(syscall.Signal(0)); err != nil {
			break
		}
		sig := syscall.SIGTERM
		if attempt >= 2 {
			sig = syscall.SIGKILL
		}
		_ = s.cmd.Process.Signal(sig)
		s.killCount++
		time.Sleep(killRetryInterval)
	}
	if s.exited != nil {
		select {
		case <-s.exited:
		case <-time.After(time.Second):
		}
	}
	if s.toSlaveW != nil {
		s.toSlaveW.Close()
	}
	if s.fromSlaveR != nil {
		s.fromSlaveR.Close()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// recheckSlave is the 500ms liveness poll: if the process is gone, the
// slave is restarted; otherwise recheck again later.
func (m *Master) recheckSlave(ctx context.Context, s *SlaveState) {
	if s.cmd == nil || s.cmd.Process == nil || s.exited == nil {
		return
	}
	select {
	case <-s.exited:
	default:
		// Still running: this liveness check succeeded, so the restart
		// budget only tracks restarts since the last time a slave proved
		// itself alive, not restarts over its entire uptime.
		s.mu.Lock()
		s.restartCount = 0
		s.mu.Unlock()
		m.loop.AfterFunc(recheckInterval, func() { m.recheckSlave(ctx, s) })
		return
	}
	s.mu.Lock()
	s.restartCount++
	count := s.restartCount
	s.mu.Unlock()
	log.Printf("ral: slave %d exited, restarting (count=%d)", s.idx, count)
	if err := m.restartSlave(ctx, s); err != nil {
		if m.OnFatal != nil {
			m.OnFatal(err)
			return
		}
		log.Fatalf("ral: %v", err)
	}
	if cfg, ok := m.lastConfig[s.idx]; ok {
		m.sendConfig(s, cfg)
	}
}

// ConfigInput is the per-chip configuration ral_config distributes.
type ConfigInput struct {
	HWSpec string
	Region uint8
	Blob   []byte
}

// chipPlan accumulates the channels channelalloc.Allocate places onto one
// chip so they can be embedded in that chip's CONFIG JSON blob.
type chipPlan struct {
	channels []channelalloc.Channel
}

func (p *chipPlan) Start(int)        {}
func (p *chipPlan) ChipStart(int)    {}
func (p *chipPlan) ChipDone(int, uint32, uint32, int) {}
func (p *chipPlan) Done([]channelalloc.Channel)       {}

// planningCallback fans Allocate's per-channel callbacks out into one
// chipPlan per chip.
type planningCallback struct {
	plans []*chipPlan
}

func (c *planningCallback) Start(int)     {}
func (c *planningCallback) ChipStart(int) {}
func (c *planningCallback) CH(ch channelalloc.Channel, a channelalloc.Assignment) {
	if a.Chip < 0 || a.Chip >= len(c.plans) {
		return
	}
	c.plans[a.Chip].channels = append(c.plans[a.Chip].channels, ch)
}
func (c *planningCallback) ChipDone(chip int, loHz, hiHz uint32, modemsUsed int) {}
func (c *planningCallback) Done(unassigned []channelalloc.Channel) {
	if len(unassigned) > 0 {
		log.Printf("ral: channelalloc: %d channel(s) could not be placed on any chip", len(unassigned))
	}
}

// PlanChannels runs channelalloc.Allocate over the full channel list and
// returns each chip's assigned subset, ready to embed in its CONFIG blob.
func PlanChannels(channels []channelalloc.Channel, nChips int) [][]channelalloc.Channel {
	cb := &planningCallback{plans: make([]*chipPlan, nChips)}
	for i := range cb.plans {
		cb.plans[i] = &chipPlan{}
	}
	channelalloc.Allocate(channels, nChips, cb)
	out := make([][]channelalloc.Channel, nChips)
	for i, p := range cb.plans {
		out[i] = p.channels
	}
	return out
}

type chipChannelJSON struct {
	FreqHz uint32 `json:"freq"`
	SF     uint8  `json:"sf"`
	BW     uint32 `json:"bw"`
	FSK    bool   `json:"fsk"`
}

func encodeChipChannels(channels []channelalloc.Channel) []byte {
	rows := make([]chipChannelJSON, 0, len(channels))
	for _, ch := range channels {
		rows = append(rows, chipChannelJSON{
			FreqHz: ch.FreqHz,
			SF:     ch.RPS.SF,
			BW:     uint32(ch.RPS.BW),
			FSK:    ch.RPS.Modulation == protocol.ModFSK,
		})
	}
	blob, _ := json.Marshal(rows)
	return blob
}

// Configure runs ral_config: places channels onto chips via
// channelalloc.Allocate, parses hwspec = "sx1301/N" to replicate
// antenna-diversity configs when N divides the slave count, and sends
// CONFIG to every populated slave.
func (m *Master) Configure(ctx context.Context, hwSpec string, region uint8, channels []channelalloc.Channel) error {
	total := len(m.slaves)
	plans := PlanChannels(channels, total)
	inputs := make([]ConfigInput, total)
	for i := 0; i < total; i++ {
		inputs[i] = ConfigInput{HWSpec: hwSpec, Region: region, Blob: encodeChipChannels(plans[i])}
	}
	return m.configureInputs(ctx, inputs)
}

func (m *Master) configureInputs(ctx context.Context, inputs []ConfigInput) error {
	if len(inputs) == 0 {
		return nil
	}
	n := -1
	if parts := strings.SplitN(inputs[0].HWSpec, "/", 2); len(parts) == 2 {
		if v, err := strconv.Atoi(parts[1]); err == nil {
			n = v
		}
	}
	total := len(m.slaves)
	effective := inputs
	if n > 0 {
		if n > total {
			return fmt.Errorf("ral: hwspec declares %d chips, only %d slaves available", n, total)
		}
		if n < total {
			if total%n == 0 {
				effective = make([]ConfigInput, total)
				for i := 0; i < total; i++ {
					effective[i] = inputs[i%n]
				}
			} else {
				log.Printf("ral: hwspec %d does not divide slave count %d, leaving extras unused", n, total)
				effective = inputs
			}
		}
	}

	m.lastConfig = make(map[int]ConfigInput, len(effective))
	for i, cfg := range effective {
		if i >= total {
			break
		}
		m.lastConfig[i] = cfg
		m.sendConfig(m.slaves[i], cfg)
	}
	return nil
}

func (m *Master) sendConfig(s *SlaveState, cfg ConfigInput) {
	if s == nil {
		return
	}
	body := protocol.ConfigBody{Region: cfg.Region, HWSpec: cfg.HWSpec, JSONBlob: cfg.Blob}
	_ = m.send(s, protocol.RecordHeader{Cmd: protocol.CmdConfig, Rctx: uint8(s.idx)}, body.Encode())
}

// RestartCounts reports each slave's consecutive-restart count (reset to
// zero by every successful liveness check), for the status
// endpoint (spec §6).
func (m *Master) RestartCounts() map[int]int {
	out := make(map[int]int, len(m.slaves))
	for _, s := range m.slaves {
		s.mu.Lock()
		out[s.idx] = s.restartCount
		s.mu.Unlock()
	}
	return out
}

// TxUnitToSlave resolves a txunit index, rejecting out-of-range or closed
// slaves, per the documented routing gate on every RAL TX operation.
func (m *Master) TxUnitToSlave(txunit int) (*SlaveState, error) {
	if txunit < 0 || txunit >= len(m.slaves) {
		return nil, fmt.Errorf("ral: txunit %d out of range", txunit)
	}
	s := m.slaves[txunit]
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("ral: txunit %d: pipe closed", txunit)
	}
	return s, nil
}

// AltAntennas returns the set of other txunits sharing omnidirectional
// antenna placement with txunit, used to decide downlink replication.
func (m *Master) AltAntennas(txunit int) []int {
	var out []int
	for _, s := range m.slaves {
		if s.idx == txunit {
			continue
		}
		if s.antennaType == AntennaOmni {
			out = append(out, s.idx)
		}
	}
	return out
}

// TX issues a TX (or TX_NOCCA) command and, when region != 0, blocks for
// the matching RESPONSE under the bounded EAGAIN-retry budget.
func (m *Master) TX(txunit int, job protocol.TxBody, noCCA bool, region uint8) (protocol.ResponseStatus, error) {
	s, err := m.TxUnitToSlave(txunit)
	if err != nil {
		return protocol.StatusFail, err
	}
	cmd := protocol.CmdTX
	if noCCA {
		cmd = protocol.CmdTXNoCCA
	}
	if err := m.send(s, protocol.RecordHeader{Cmd: cmd, Rctx: uint8(txunit)}, job.Encode()); err != nil {
		return protocol.StatusFail, err
	}
	if region == 0 {
		return protocol.StatusOK, nil
	}
	return m.awaitResponse(s, cmd)
}

// TXStatus issues TXSTATUS and blocks for the matching RESPONSE.
func (m *Master) TXStatus(txunit int) (protocol.ResponseStatus, error) {
	s, err := m.TxUnitToSlave(txunit)
	if err != nil {
		return protocol.StatusIdle, err
	}
	if err := m.send(s, protocol.RecordHeader{Cmd: protocol.CmdTXStatus, Rctx: uint8(txunit)}, nil); err != nil {
		return protocol.StatusIdle, err
	}
	return m.awaitResponse(s, protocol.CmdTXStatus)
}

// awaitResponse blocks up to syncRequestRetries*syncRequestRetryDelay for
// a RESPONSE; on timeout it remembers the outstanding command as
// last_expected_cmd (a later, stale response is discarded on arrival) and
// returns the documented safe default.
func (m *Master) awaitResponse(s *SlaveState, cmd protocol.Cmd) (protocol.ResponseStatus, error) {
	ch := make(chan protocol.ResponseBody, 1)
	s.mu.Lock()
	s.pendingResp = ch
	s.lastExpectedCmd = cmd
	s.mu.Unlock()

	deadline := time.After(syncRequestRetryDelay * syncRequestRetries)
	select {
	case resp := <-ch:
		return resp.Status, nil
	case <-deadline:
		s.mu.Lock()
		if s.pendingResp == ch {
			s.pendingResp = nil
		}
		s.mu.Unlock()
		safe := protocol.StatusIdle
		if cmd == protocol.CmdTX || cmd == protocol.CmdTXNoCCA {
			safe = protocol.StatusFail
		}
		return safe, fmt.Errorf("ral: slave %d: %s timed out", s.idx, cmd)
	}
}

func (m *Master) send(s *SlaveState, hdr protocol.RecordHeader, body []byte) error {
	hdr.BodyLen = uint16(len(body))
	frame := append(hdr.EncodeHeader(), body...)
	if len(frame) > protocol.MaxPipeRecord {
		return fmt.Errorf("ral: record %s exceeds MaxPipeRecord", hdr.Cmd)
	}
	var lastErr error
	for attempt := 0; attempt < pipeRetryCount; attempt++ {
		_, err := s.toSlaveW.Write(frame)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(pipeRetryDelay)
	}
	return fmt.Errorf("ral: slave %d: dropping %s after retries: %w", s.idx, hdr.Cmd, lastErr)
}

// readLoop reassembles records off the slave's up-pipe, handling partial
// reads that split a record across two Read calls.
func (m *Master) readLoop(s *SlaveState) {
	buf := make([]byte, 4096)
	for {
		n, err := s.fromSlaveR.Read(buf)
		if n > 0 {
			s.reassembly = append(s.reassembly, buf[:n]...)
			m.drainRecords(s)
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			return
		}
	}
}

func (m *Master) drainRecords(s *SlaveState) {
	for {
		if len(s.reassembly) < protocol.RecordHeaderSize {
			return
		}
		hdr, err := protocol.DecodeHeader(s.reassembly)
		if err != nil {
			return
		}
		total := protocol.RecordHeaderSize + int(hdr.BodyLen)
		if len(s.reassembly) < total {
			return // wait for more bytes
		}
		body := s.reassembly[protocol.RecordHeaderSize:total]
		s.reassembly = s.reassembly[total:]
		m.handleRecord(s, hdr, body)
	}
}

func (m *Master) handleRecord(s *SlaveState, hdr protocol.RecordHeader, body []byte) {
	switch hdr.Cmd {
	case protocol.CmdRxResponse:
		pkt, err := protocol.DecodeRxResponseBody(body)
		if err != nil {
			log.Printf("ral: slave %d: bad RX_RESPONSE: %v", s.idx, err)
			return
		}
		if m.onRx != nil {
			m.onRx(s.idx, pkt)
		}

	case protocol.CmdResponseTimesync:
		ts, err := protocol.DecodeTimesyncBody(body)
		if err != nil {
			log.Printf("ral: slave %d: bad RESPONSE_TIMESYNC: %v", s.idx, err)
			return
		}
		if m.onTimesync != nil {
			m.onTimesync(s.idx, ts)
		}

	case protocol.CmdResponse:
		resp, err := protocol.DecodeResponseBody(body)
		if err != nil {
			log.Printf("ral: slave %d: bad RESPONSE: %v", s.idx, err)
			return
		}
		s.mu.Lock()
		ch := s.pendingResp
		s.pendingResp = nil
		last := s.lastExpectedCmd
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- resp:
			default:
			}
			return
		}
		log.Printf("ral: slave %d: stale RESPONSE for %s discarded", s.idx, last)

	default:
		log.Printf("ral: slave %d: protocol desync: unexpected %s from slave", s.idx, hdr.Cmd)
	}
}
