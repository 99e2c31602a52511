package protocol

import (
	"bytes"
	"testing"
)

func TestRPSEncodeRoundTrip(t *testing.T) {
	cases := []RPS{
		{Modulation: ModLoRa, SF: 7, BW: BW125kHz},
		{Modulation: ModLoRa, SF: 12, BW: BW500kHz, Beacon: true},
		{Modulation: ModFSK, SF: 0, BW: BW125kHz},
	}
	for _, want := range cases {
		got := DecodeRPS(want.Encode())
		if got != want {
			t.Errorf("RPS round-trip: got %+v, want %+v", got, want)
		}
	}
}

func TestRecordHeaderRoundTrip(t *testing.T) {
	h := RecordHeader{Cmd: CmdTX, Rctx: 3, BodyLen: 42}
	got, err := DecodeHeader(h.EncodeHeader())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("header round-trip: got %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := DecodeHeader([]byte{1, 2}); err == nil {
		t.Fatal("expected error decoding short header")
	}
}

func TestConfigBodyRoundTrip(t *testing.T) {
	want := ConfigBody{Region: 1, HWSpec: "sx1302/1", JSONBlob: []byte(`{"antenna":"alt"}`)}
	got, err := DecodeConfigBody(want.Encode())
	if err != nil {
		t.Fatalf("DecodeConfigBody: %v", err)
	}
	if got.Region != want.Region || got.HWSpec != want.HWSpec || !bytes.Equal(got.JSONBlob, want.JSONBlob) {
		t.Errorf("CONFIG round-trip: got %+v, want %+v", got, want)
	}
}

func TestTxBodyRoundTrip(t *testing.T) {
	want := TxBody{
		Rctx:     1,
		RPS:      RPS{Modulation: ModLoRa, SF: 9, BW: BW125kHz},
		XTime:    123456789,
		FreqHz:   868100000,
		TxPowDBm: 14,
		AddCRC:   true,
		Payload:  []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	got, err := DecodeTxBody(want.Encode())
	if err != nil {
		t.Fatalf("DecodeTxBody: %v", err)
	}
	if got.Rctx != want.Rctx || got.RPS != want.RPS || got.XTime != want.XTime ||
		got.FreqHz != want.FreqHz || got.TxPowDBm != want.TxPowDBm || got.AddCRC != want.AddCRC ||
		!bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("TX round-trip: got %+v, want %+v", got, want)
	}
}

func TestTxBodyRejectsOversizePayload(t *testing.T) {
	body := TxBody{Payload: make([]byte, MaxPayload)}.Encode()
	// Corrupt the declared length to exceed MaxPayload.
	body[len(body)-int(MaxPayload)-2] = 0xFF
	body[len(body)-int(MaxPayload)-1] = 0xFF
	if _, err := DecodeTxBody(body); err == nil {
		t.Fatal("expected error for oversize TX payload")
	}
}

func TestResponseBodyRoundTrip(t *testing.T) {
	want := ResponseBody{Status: StatusScheduled}
	got, err := DecodeResponseBody(want.Encode())
	if err != nil {
		t.Fatalf("DecodeResponseBody: %v", err)
	}
	if got != want {
		t.Errorf("RESPONSE round-trip: got %+v, want %+v", got, want)
	}
}

func TestTimesyncBodyRoundTrip(t *testing.T) {
	want := TimesyncBody{Quality: 9, USTime: 111, XTime: 222, PPSXTime: 333}
	got, err := DecodeTimesyncBody(want.Encode())
	if err != nil {
		t.Fatalf("DecodeTimesyncBody: %v", err)
	}
	if got != want {
		t.Errorf("RESPONSE_TIMESYNC round-trip: got %+v, want %+v", got, want)
	}
}

func TestRxResponseBodyRoundTrip(t *testing.T) {
	want := RxResponseBody{
		XTime:   9999,
		FreqHz:  903900000,
		RPS:     RPS{Modulation: ModLoRa, SF: 10, BW: BW125kHz},
		RSSI:    -42,
		SNR:     7.25,
		Payload: []byte{1, 2, 3},
	}
	got, err := DecodeRxResponseBody(want.Encode())
	if err != nil {
		t.Fatalf("DecodeRxResponseBody: %v", err)
	}
	if got.XTime != want.XTime || got.FreqHz != want.FreqHz || got.RPS != want.RPS ||
		got.RSSI != want.RSSI || got.SNR != want.SNR || !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("RX_RESPONSE round-trip: got %+v, want %+v", got, want)
	}
}
