// Package gw provides marshaling/unmarshaling for ChirpStack Concentratord messages.
// Uses a simple binary format compatible with the Concentratord ZMQ API.
package gw

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MarshalCommand serializes a command for sending to Concentratord
func MarshalCommand(cmd *Command) ([]byte, error) {
	if cmd.GetGatewayId != nil {
		// Empty payload for gateway_id request
		return nil, nil
	}

	if cmd.SendDownlinkFrame != nil {
		return MarshalDownlinkFrame(cmd.SendDownlinkFrame)
	}

	if cmd.SetGatewayConfiguration != nil {
		return MarshalGatewayConfiguration(cmd.SetGatewayConfiguration)
	}

	return nil, fmt.Errorf("unknown command type")
}

// MarshalGatewayConfiguration serializes a gateway configuration command:
// 1-byte version length + version string + gateway ID string.
func MarshalGatewayConfiguration(cfg *GatewayConfiguration) ([]byte, error) {
	v := []byte(cfg.Version)
	if len(v) > 255 {
		return nil, fmt.Errorf("configuration version string too long: %d bytes", len(v))
	}
	buf := make([]byte, 1+len(v)+len(cfg.GatewayId))
	buf[0] = byte(len(v))
	copy(buf[1:], v)
	copy(buf[1+len(v):], cfg.GatewayId)
	return buf, nil
}

// MarshalDownlinkFrame serializes a downlink frame
func MarshalDownlinkFrame(dl *DownlinkFrame) ([]byte, error) {
	if len(dl.Items) == 0 {
		return nil, fmt.Errorf("no downlink items")
	}

	item := dl.Items[0]
	payload := item.PhyPayload
	txInfo := item.TxInfo

	// Simple binary format:
	// 4 bytes: downlink_id
	// 4 bytes: frequency
	// 4 bytes: power (signed)
	// 4 bytes: bandwidth
	// 4 bytes: spreading_factor
	// 1 byte: coding_rate
	// 1 byte: timing (0=immediate)
	// 2 bytes: payload length
	// N bytes: payload

	buf := make([]byte, 24+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], dl.DownlinkId)
	binary.LittleEndian.PutUint32(buf[4:8], txInfo.Frequency)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(txInfo.Power))

	if txInfo.Modulation != nil && txInfo.Modulation.Lora != nil {
		binary.LittleEndian.PutUint32(buf[12:16], txInfo.Modulation.Lora.Bandwidth)
		binary.LittleEndian.PutUint32(buf[16:20], txInfo.Modulation.Lora.SpreadingFactor)
		buf[20] = byte(txInfo.Modulation.Lora.CodeRate)
	}

	buf[21] = 0 // Immediate timing
	binary.LittleEndian.PutUint16(buf[22:24], uint16(len(payload)))
	copy(buf[24:], payload)

	return buf, nil
}

// UnmarshalEvent deserializes an event from Concentratord
func UnmarshalEvent(eventType string, data []byte) (*Event, error) {
	event := &Event{}

	switch eventType {
	case "up":
		uplink, err := UnmarshalUplinkFrame(data)
		if err != nil {
			return nil, err
		}
		event.UplinkFrame = uplink

	case "stats":
		stats, err := UnmarshalGatewayStats(data)
		if err != nil {
			return nil, err
		}
		event.GatewayStats = stats

	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	return event, nil
}

// UnmarshalUplinkFrame deserializes an uplink frame using this package's
// own binary layout (not Concentratord's real protobuf wire format, which
// protoc generation is out of scope for here):
//
//	4 bytes: frequency
//	1 byte:  RPS (see protocol.RPS.Encode)
//	2 bytes: rssi (signed)
//	4 bytes: snr (IEEE 754 float32)
//	2 bytes: payload length
//	N bytes: payload
func UnmarshalUplinkFrame(data []byte) (*UplinkFrame, error) {
	const fixed = 4 + 1 + 2 + 4 + 2
	if len(data) < fixed {
		return nil, fmt.Errorf("uplink data too short: %d bytes", len(data))
	}

	freq := binary.LittleEndian.Uint32(data[0:4])
	rps := data[4]
	rssi := int16(binary.LittleEndian.Uint16(data[5:7]))
	snrBits := binary.LittleEndian.Uint32(data[7:11])
	plen := binary.LittleEndian.Uint16(data[11:13])
	if len(data) < fixed+int(plen) {
		return nil, fmt.Errorf("uplink payload truncated: declared %d, have %d", plen, len(data)-fixed)
	}

	return &UplinkFrame{
		PhyPayload: append([]byte(nil), data[fixed:fixed+int(plen)]...),
		TxInfo: &UplinkTxInfo{
			Frequency: freq,
		},
		RxInfo: &UplinkRxInfo{
			Rssi:    int32(rssi),
			Snr:     math.Float32frombits(snrBits),
			Channel: uint32(rps),
		},
	}, nil
}

// MarshalUplinkFrame is the inverse of UnmarshalUplinkFrame, used by the
// software HAL to synthesize wire-shaped uplinks for testing.
func MarshalUplinkFrame(freqHz uint32, rpsByte uint8, rssi int16, snr float32, payload []byte) []byte {
	buf := make([]byte, 4+1+2+4+2+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], freqHz)
	buf[4] = rpsByte
	binary.LittleEndian.PutUint16(buf[5:7], uint16(rssi))
	binary.LittleEndian.PutUint32(buf[7:11], math.Float32bits(snr))
	binary.LittleEndian.PutUint16(buf[11:13], uint16(len(payload)))
	copy(buf[13:], payload)
	return buf
}

// UnmarshalGatewayStats deserializes gateway statistics:
// 4 bytes each of rx_received, rx_received_ok, tx_received, tx_emitted.
func UnmarshalGatewayStats(data []byte) (*GatewayStats, error) {
	if len(data) < 16 {
		return &GatewayStats{}, nil
	}
	return &GatewayStats{
		RxPacketsReceived:   binary.LittleEndian.Uint32(data[0:4]),
		RxPacketsReceivedOk: binary.LittleEndian.Uint32(data[4:8]),
		TxPacketsReceived:   binary.LittleEndian.Uint32(data[8:12]),
		TxPacketsEmitted:    binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// UnmarshalDownlinkTxAck deserializes a TX acknowledgment
func UnmarshalDownlinkTxAck(data []byte) (*DownlinkTxAck, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("tx ack data too short: %d bytes", len(data))
	}

	// Simple format:
	// 4 bytes: downlink_id
	// 4 bytes: status

	ack := &DownlinkTxAck{
		DownlinkId: binary.LittleEndian.Uint32(data[0:4]),
		Items: []*DownlinkTxAckItem{
			{Status: TxAckStatus(binary.LittleEndian.Uint32(data[4:8]))},
		},
	}

	return ack, nil
}

// UnmarshalGetGatewayIdResponse deserializes a gateway ID response
func UnmarshalGetGatewayIdResponse(data []byte) (*GetGatewayIdResponse, error) {
	// Gateway ID is 8 bytes, returned as hex string
	if len(data) < 8 {
		return nil, fmt.Errorf("gateway id response too short: %d bytes", len(data))
	}

	gatewayId := fmt.Sprintf("%016x", binary.BigEndian.Uint64(data[0:8]))
	return &GetGatewayIdResponse{GatewayId: gatewayId}, nil
}
