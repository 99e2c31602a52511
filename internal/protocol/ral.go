package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxPipeRecord is the assumed PIPE_BUF for this platform: a record this
// size or smaller is guaranteed atomic for a single pipe write (POSIX).
const MaxPipeRecord = 4096

// MaxPayload is the largest LoRa PHY payload this protocol carries.
const MaxPayload = 255

// Cmd identifies a master<->slave pipe record.
type Cmd uint8

const (
	CmdConfig Cmd = iota + 1
	CmdTX
	CmdTXNoCCA
	CmdTXStatus
	CmdTXAbort
	CmdTimesync
	CmdStop

	// Slave -> master
	CmdResponse
	CmdResponseTimesync
	CmdRxResponse
)

func (c Cmd) String() string {
	switch c {
	case CmdConfig:
		return "CONFIG"
	case CmdTX:
		return "TX"
	case CmdTXNoCCA:
		return "TX_NOCCA"
	case CmdTXStatus:
		return "TXSTATUS"
	case CmdTXAbort:
		return "TXABORT"
	case CmdTimesync:
		return "TIMESYNC"
	case CmdStop:
		return "STOP"
	case CmdResponse:
		return "RESPONSE"
	case CmdResponseTimesync:
		return "RESPONSE_TIMESYNC"
	case CmdRxResponse:
		return "RX_RESPONSE"
	default:
		return fmt.Sprintf("Cmd(%d)", uint8(c))
	}
}

// ResponseStatus is the status byte carried by RESPONSE records.
type ResponseStatus uint8

const (
	StatusOK ResponseStatus = iota
	StatusFail
	StatusNoCA
	StatusIdle
	StatusScheduled
	StatusEmitting
)

// RecordHeader is the fixed 4-byte prefix of every pipe record: a command
// byte, an rctx byte (the txunit index, echoed on responses), and a 2-byte
// little-endian body length.
type RecordHeader struct {
	Cmd    Cmd
	Rctx   uint8 // low bits: txunit index; echoed on responses
	BodyLen uint16
}

const RecordHeaderSize = 4

// EncodeHeader writes the 4-byte record header.
func (h RecordHeader) EncodeHeader() []byte {
	buf := make([]byte, RecordHeaderSize)
	buf[0] = byte(h.Cmd)
	buf[1] = h.Rctx
	binary.LittleEndian.PutUint16(buf[2:4], h.BodyLen)
	return buf
}

// DecodeHeader parses a 4-byte record header.
func DecodeHeader(b []byte) (RecordHeader, error) {
	if len(b) < RecordHeaderSize {
		return RecordHeader{}, fmt.Errorf("protocol: short header: %d bytes", len(b))
	}
	return RecordHeader{
		Cmd:     Cmd(b[0]),
		Rctx:    b[1],
		BodyLen: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// ConfigBody is the CONFIG command body: hwspec string, region code, and
// the raw per-chip JSON blob (parsed by the channel allocator upstream of
// the wire format, so it travels opaquely here).
type ConfigBody struct {
	Region   uint8
	HWSpec   string
	JSONBlob []byte
}

func (c ConfigBody) Encode() []byte {
	hw := []byte(c.HWSpec)
	buf := make([]byte, 1+2+len(hw)+4+len(c.JSONBlob))
	off := 0
	buf[off] = c.Region
	off++
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(hw)))
	off += 2
	copy(buf[off:], hw)
	off += len(hw)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(c.JSONBlob)))
	off += 4
	copy(buf[off:], c.JSONBlob)
	return buf
}

func DecodeConfigBody(b []byte) (ConfigBody, error) {
	if len(b) < 3 {
		return ConfigBody{}, fmt.Errorf("protocol: short CONFIG body")
	}
	var c ConfigBody
	c.Region = b[0]
	hwLen := binary.LittleEndian.Uint16(b[1:3])
	off := 3
	if len(b) < off+int(hwLen)+4 {
		return ConfigBody{}, fmt.Errorf("protocol: truncated CONFIG body")
	}
	c.HWSpec = string(b[off : off+int(hwLen)])
	off += int(hwLen)
	blobLen := binary.LittleEndian.Uint32(b[off:])
	off += 4
	if len(b) < off+int(blobLen) {
		return ConfigBody{}, fmt.Errorf("protocol: truncated CONFIG json blob")
	}
	c.JSONBlob = append([]byte(nil), b[off:off+int(blobLen)]...)
	return c, nil
}

// TxBody is the TX / TX_NOCCA command body.
type TxBody struct {
	Rctx    uint32
	RPS     RPS
	XTime   int64
	FreqHz  uint32
	TxPowDBm int8
	AddCRC  bool
	Payload []byte
}

func (t TxBody) Encode() []byte {
	buf := make([]byte, 4+1+8+4+1+1+2+len(t.Payload))
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], t.Rctx)
	off += 4
	buf[off] = t.RPS.Encode()
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(t.XTime))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], t.FreqHz)
	off += 4
	buf[off] = byte(t.TxPowDBm)
	off++
	if t.AddCRC {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(t.Payload)))
	off += 2
	copy(buf[off:], t.Payload)
	return buf
}

func DecodeTxBody(b []byte) (TxBody, error) {
	const fixed = 4 + 1 + 8 + 4 + 1 + 1 + 2
	if len(b) < fixed {
		return TxBody{}, fmt.Errorf("protocol: short TX body")
	}
	var t TxBody
	off := 0
	t.Rctx = binary.LittleEndian.Uint32(b[off:])
	off += 4
	t.RPS = DecodeRPS(b[off])
	off++
	t.XTime = int64(binary.LittleEndian.Uint64(b[off:]))
	off += 8
	t.FreqHz = binary.LittleEndian.Uint32(b[off:])
	off += 4
	t.TxPowDBm = int8(b[off])
	off++
	t.AddCRC = b[off] != 0
	off++
	plen := binary.LittleEndian.Uint16(b[off:])
	off += 2
	if plen > MaxPayload || len(b) < off+int(plen) {
		return TxBody{}, fmt.Errorf("protocol: bad TX payload length %d", plen)
	}
	t.Payload = append([]byte(nil), b[off:off+int(plen)]...)
	return t, nil
}

// ResponseBody carries a single status byte (TX/TXSTATUS acks).
type ResponseBody struct {
	Status ResponseStatus
}

func (r ResponseBody) Encode() []byte { return []byte{byte(r.Status)} }

func DecodeResponseBody(b []byte) (ResponseBody, error) {
	if len(b) < 1 {
		return ResponseBody{}, fmt.Errorf("protocol: short RESPONSE body")
	}
	return ResponseBody{Status: ResponseStatus(b[0])}, nil
}

// TimesyncBody carries a timesync measurement (used both as the request,
// which is empty, and the RESPONSE_TIMESYNC reply body).
type TimesyncBody struct {
	Quality  uint8
	USTime   int64
	XTime    int64
	PPSXTime int64 // 0 if no PPS
}

func (t TimesyncBody) Encode() []byte {
	buf := make([]byte, 1+8+8+8)
	buf[0] = t.Quality
	binary.LittleEndian.PutUint64(buf[1:9], uint64(t.USTime))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(t.XTime))
	binary.LittleEndian.PutUint64(buf[17:25], uint64(t.PPSXTime))
	return buf
}

func DecodeTimesyncBody(b []byte) (TimesyncBody, error) {
	if len(b) < 25 {
		return TimesyncBody{}, fmt.Errorf("protocol: short RESPONSE_TIMESYNC body")
	}
	return TimesyncBody{
		Quality:  b[0],
		USTime:   int64(binary.LittleEndian.Uint64(b[1:9])),
		XTime:    int64(binary.LittleEndian.Uint64(b[9:17])),
		PPSXTime: int64(binary.LittleEndian.Uint64(b[17:25])),
	}, nil
}

// RxResponseBody carries one received frame from slave to master.
type RxResponseBody struct {
	XTime   int64
	FreqHz  uint32
	RPS     RPS
	RSSI    int16
	SNR     float32
	Payload []byte
}

func (r RxResponseBody) Encode() []byte {
	buf := make([]byte, 8+4+1+2+4+2+len(r.Payload))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.XTime))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], r.FreqHz)
	off += 4
	buf[off] = r.RPS.Encode()
	off++
	binary.LittleEndian.PutUint16(buf[off:], uint16(r.RSSI))
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(r.SNR))
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.Payload)))
	off += 2
	copy(buf[off:], r.Payload)
	return buf
}

func DecodeRxResponseBody(b []byte) (RxResponseBody, error) {
	const fixed = 8 + 4 + 1 + 2 + 4 + 2
	if len(b) < fixed {
		return RxResponseBody{}, fmt.Errorf("protocol: short RX_RESPONSE body")
	}
	var r RxResponseBody
	off := 0
	r.XTime = int64(binary.LittleEndian.Uint64(b[off:]))
	off += 8
	r.FreqHz = binary.LittleEndian.Uint32(b[off:])
	off += 4
	r.RPS = DecodeRPS(b[off])
	off++
	r.RSSI = int16(binary.LittleEndian.Uint16(b[off:]))
	off += 2
	r.SNR = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	plen := binary.LittleEndian.Uint16(b[off:])
	off += 2
	if plen > MaxPayload || len(b) < off+int(plen) {
		return RxResponseBody{}, fmt.Errorf("protocol: bad RX payload length %d", plen)
	}
	r.Payload = append([]byte(nil), b[off:off+int(plen)]...)
	return r, nil
}
