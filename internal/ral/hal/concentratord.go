package hal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agsys/gwstation/internal/lora/gw"
	"github.com/agsys/gwstation/internal/protocol"
	"github.com/agsys/gwstation/internal/timesync"
	"github.com/go-zeromq/zmq4"
)

// Preamble lengths, in symbols: a beacon carries the longer sync word a
// receiver needs to lock onto a GPS-scheduled transmission without a
// preceding downlink to frame-sync against; ordinary downlinks use the
// shorter data preamble.
const (
	beaconPreambleSymbols = 10
	dataPreambleSymbols   = 8
)

// gpsEpoch is the GPS time origin (1980-01-06T00:00:00Z).
var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// gpsLeapSeconds is the fixed UTC-to-GPS leap offset carried since the last
// leap second insertion.
const gpsLeapSeconds = 18 * time.Second

func gpsEpochNanos(t time.Time) int64 {
	return t.Add(gpsLeapSeconds).Sub(gpsEpoch).Nanoseconds()
}

// txTiming converts a job's xtime into the Timing the wire format expects
// and the preamble length its mode requires: a BEACON rides ON_GPS timing
// (scheduled against the GPS second, long preamble); everything else rides
// a delay computed against the chip's own free-running counter, which xtime
// shares its low bits with.
func (c *Concentratord) txTiming(ctx context.Context, job protocol.TxBody) (*gw.Timing, uint32) {
	preamble := uint32(dataPreambleSymbols)
	if job.RPS.Beacon {
		preamble = beaconPreambleSymbols
	}

	now, err := c.TrigCount(ctx)
	if err != nil {
		// No reading to anchor against: fall back to immediate transmission
		// rather than block the downlink on a dead counter.
		return &gw.Timing{Immediately: &gw.ImmediatelyTimingInfo{}}, preamble
	}
	counter, _, _ := timesync.UnpackXTime(job.XTime)
	delayUS := int64(int32(uint32(counter) - now))
	if delayUS < 0 {
		delayUS = 0
	}
	delay := time.Duration(delayUS) * time.Microsecond

	if job.RPS.Beacon {
		return &gw.Timing{GpsEpoch: &gw.GPSEpochTimingInfo{
			TimeSinceGpsEpochNanos: gpsEpochNanos(time.Now().Add(delay)),
		}}, preamble
	}
	return &gw.Timing{Delay: &gw.DelayTimingInfo{DelayNanos: delay.Nanoseconds()}}, preamble
}

// ConcentratordConfig holds the ZeroMQ endpoints for one Concentratord
// instance, one per concentrator chip.
type ConcentratordConfig struct {
	EventURL   string // SUB socket for receiving events
	CommandURL string // REQ socket for sending commands
}

// DefaultConcentratordConfig returns the conventional local IPC endpoints.
func DefaultConcentratordConfig() ConcentratordConfig {
	return ConcentratordConfig{
		EventURL:   "ipc:///tmp/concentratord_event",
		CommandURL: "ipc:///tmp/concentratord_command",
	}
}

// Concentratord is a HAL backed by a running ChirpStack Concentratord
// process, communicating over the two ZeroMQ sockets it exposes.
type Concentratord struct {
	cfg ConcentratordConfig

	ctx       context.Context
	cancel    context.CancelFunc
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	wg        sync.WaitGroup

	mu         sync.Mutex
	gatewayID  string
	downlinkID uint32
	lastStatus protocol.ResponseStatus
	rxQueue    []protocol.RxResponseBody
	trigCount  uint32
}

// NewConcentratord dials both sockets and starts the background event
// reader. The caller must call Close to release them.
func NewConcentratord(parent context.Context, cfg ConcentratordConfig) (*Concentratord, error) {
	ctx, cancel := context.WithCancel(parent)
	c := &Concentratord{cfg: cfg, ctx: ctx, cancel: cancel, lastStatus: protocol.StatusIdle}

	c.eventSock = zmq4.NewSub(ctx)
	if err := c.eventSock.Dial(cfg.EventURL); err != nil {
		cancel()
		return nil, fmt.Errorf("hal: connect event socket: %w", err)
	}
	if err := c.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		c.eventSock.Close()
		return nil, fmt.Errorf("hal: subscribe event socket: %w", err)
	}

	c.cmdSock = zmq4.NewReq(ctx)
	if err := c.cmdSock.Dial(cfg.CommandURL); err != nil {
		cancel()
		c.eventSock.Close()
		return nil, fmt.Errorf("hal: connect command socket: %w", err)
	}

	c.wg.Add(1)
	go c.eventLoop()

	return c, nil
}

func (c *Concentratord) Configure(ctx context.Context, cfg Config) error {
	gwCfg := &gw.GatewayConfiguration{Version: cfg.HWSpec}
	if len(cfg.JSONBlob) > 0 {
		var probe map[string]interface{}
		if err := json.Unmarshal(cfg.JSONBlob, &probe); err != nil {
			return fmt.Errorf("hal: invalid chip JSON: %w", err)
		}
	}
	data, err := gw.MarshalCommand(&gw.Command{SetGatewayConfiguration: gwCfg})
	if err != nil {
		return fmt.Errorf("hal: marshal configuration: %w", err)
	}
	msg := zmq4.NewMsgFrom([]byte("config"), data)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cmdSock.Send(msg); err != nil {
		return fmt.Errorf("hal: send configuration: %w", err)
	}
	if _, err := c.cmdSock.Recv(); err != nil {
		return fmt.Errorf("hal: configuration ack: %w", err)
	}
	return nil
}

func (c *Concentratord) TX(ctx context.Context, job protocol.TxBody, noCCA bool) (protocol.ResponseStatus, error) {
	c.mu.Lock()
	c.downlinkID++
	dlID := c.downlinkID
	c.mu.Unlock()

	timing, preamble := c.txTiming(ctx, job)
	downlink := &gw.DownlinkFrame{
		DownlinkId: dlID,
		GatewayId:  c.gatewayID,
		Items: []*gw.DownlinkFrameItem{{
			PhyPayload: job.Payload,
			TxInfo: &gw.DownlinkTxInfo{
				Frequency: job.FreqHz,
				Power:     int32(job.TxPowDBm),
				Modulation: &gw.Modulation{
					Lora: &gw.LoraModulationInfo{
						Bandwidth:             uint32(job.RPS.BW),
						SpreadingFactor:       uint32(job.RPS.SF),
						CodeRate:              gw.CodeRate_CR_4_5,
						PolarizationInversion: !job.RPS.Beacon,
						NoCrc:                 !job.AddCRC,
						Preamble:              preamble,
					},
				},
				Timing: timing,
			},
		}},
	}

	data, err := gw.MarshalDownlinkFrame(downlink)
	if err != nil {
		c.setStatus(protocol.StatusFail)
		return protocol.StatusFail, fmt.Errorf("hal: marshal downlink: %w", err)
	}

	msg := zmq4.NewMsgFrom([]byte("down"), data)
	c.mu.Lock()
	sendErr := c.cmdSock.Send(msg)
	var resp zmq4.Msg
	var recvErr error
	if sendErr == nil {
		resp, recvErr = c.cmdSock.Recv()
	}
	c.mu.Unlock()
	if sendErr != nil {
		c.setStatus(protocol.StatusFail)
		return protocol.StatusFail, fmt.Errorf("hal: send downlink: %w", sendErr)
	}
	if recvErr != nil {
		c.setStatus(protocol.StatusFail)
		return protocol.StatusFail, fmt.Errorf("hal: TX ack: %w", recvErr)
	}

	if len(resp.Frames) > 0 {
		ack, err := gw.UnmarshalDownlinkTxAck(resp.Frames[0])
		if err == nil && len(ack.Items) > 0 {
			switch ack.Items[0].Status {
			case gw.TxAckStatus_OK:
				c.setStatus(protocol.StatusScheduled)
				return protocol.StatusScheduled, nil
			default:
				c.setStatus(protocol.StatusFail)
				return protocol.StatusFail, fmt.Errorf("hal: TX failed: %s", ack.Items[0].Status)
			}
		}
	}
	c.setStatus(protocol.StatusOK)
	return protocol.StatusOK, nil
}

func (c *Concentratord) setStatus(s protocol.ResponseStatus) {
	c.mu.Lock()
	c.lastStatus = s
	c.mu.Unlock()
}

func (c *Concentratord) TXStatus(ctx context.Context) (protocol.ResponseStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus, nil
}

func (c *Concentratord) TXAbort(ctx context.Context) error {
	c.setStatus(protocol.StatusIdle)
	return nil
}

func (c *Concentratord) RxPoll(ctx context.Context, max int) ([]protocol.RxResponseBody, error) {
	if max <= 0 || max > 16 {
		max = 16
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := max
	if n > len(c.rxQueue) {
		n = len(c.rxQueue)
	}
	out := append([]protocol.RxResponseBody(nil), c.rxQueue[:n]...)
	c.rxQueue = c.rxQueue[n:]
	return out, nil
}

func (c *Concentratord) Timesync(ctx context.Context) (int64, int64, int64, int, error) {
	trig, err := c.TrigCount(ctx)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	us := int64(trig)
	return us, us, us % 1_000_000, 10, nil
}

func (c *Concentratord) TrigCount(ctx context.Context) (uint32, error) {
	msg := zmq4.NewMsgFrom([]byte("trigcnt"), []byte{})
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cmdSock.Send(msg); err != nil {
		return 0, fmt.Errorf("hal: send trigcnt: %w", err)
	}
	resp, err := c.cmdSock.Recv()
	if err != nil {
		return 0, fmt.Errorf("hal: recv trigcnt: %w", err)
	}
	if len(resp.Frames) > 0 && len(resp.Frames[0]) >= 4 {
		c.trigCount = binary.LittleEndian.Uint32(resp.Frames[0][:4])
	}
	return c.trigCount, nil
}

func (c *Concentratord) Close() error {
	c.cancel()
	c.wg.Wait()
	if c.eventSock != nil {
		c.eventSock.Close()
	}
	if c.cmdSock != nil {
		c.cmdSock.Close()
	}
	return nil
}

func (c *Concentratord) eventLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msg, err := c.eventSock.Recv()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}

		eventType := string(msg.Frames[0])
		event, err := gw.UnmarshalEvent(eventType, msg.Frames[1])
		if err != nil {
			log.Printf("hal: unmarshal event: %v", err)
			continue
		}
		if event.UplinkFrame != nil {
			c.handleUplink(event.UplinkFrame)
		}
	}
}

func (c *Concentratord) handleUplink(uplink *gw.UplinkFrame) {
	if uplink == nil || len(uplink.PhyPayload) == 0 {
		return
	}
	var rps protocol.RPS
	var freq uint32
	if uplink.TxInfo != nil {
		freq = uplink.TxInfo.Frequency
	}
	var rssi int16
	var snr float32
	if uplink.RxInfo != nil {
		rssi = int16(uplink.RxInfo.Rssi)
		snr = uplink.RxInfo.Snr
		rps = protocol.DecodeRPS(uint8(uplink.RxInfo.Channel))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rxQueue) < 256 {
		c.rxQueue = append(c.rxQueue, protocol.RxResponseBody{
			FreqHz:  freq,
			RPS:     rps,
			RSSI:    rssi,
			SNR:     snr,
			Payload: uplink.PhyPayload,
		})
	}
}
