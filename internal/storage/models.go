// Package storage provides the local audit/status log: a SQLite record of
// uplinks, downlinks, slave restarts, CUPS runs, and TC reconnects, kept
// for operational visibility and offline diagnosis (§6's local status
// surface, not the LNS/CUPS wire protocols themselves).
package storage

import "time"

// UplinkRecord is one received LoRa frame, as delivered by a RAL-master
// RxHandler.
type UplinkRecord struct {
	ID         int64     `json:"id"`
	SlaveIdx   int       `json:"slave_idx"`
	XTime      int64     `json:"xtime"`
	FreqHz     uint32    `json:"freq_hz"`
	SF         uint8     `json:"sf"`
	BW         uint32    `json:"bw"`
	Modulation uint8     `json:"modulation"`
	RSSI       int16     `json:"rssi"`
	SNR        float32   `json:"snr"`
	PayloadLen int       `json:"payload_len"`
	ReceivedAt time.Time `json:"received_at"`
}

// DownlinkRecord is one transmit job handed to a RAL-master txunit.
type DownlinkRecord struct {
	ID     int64     `json:"id"`
	TxUnit int       `json:"txunit"`
	XTime  int64     `json:"xtime"`
	FreqHz uint32    `json:"freq_hz"`
	Status uint8     `json:"status"`
	SentAt time.Time `json:"sent_at"`
}

// SlaveRestartRecord is one RAL-master respawn of a concentrator chip
// slave process.
type SlaveRestartRecord struct {
	ID           int64     `json:"id"`
	SlaveIdx     int       `json:"slave_idx"`
	RestartCount int       `json:"restart_count"`
	Reason       string    `json:"reason"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// CupsRunRecord is one completed CUPS resync cycle.
type CupsRunRecord struct {
	ID             int64     `json:"id"`
	CredSet        string    `json:"cred_set"`
	Success        bool      `json:"success"`
	FailCount      int       `json:"fail_count"`
	CupsURIChanged bool      `json:"cups_uri_changed"`
	TCURIChanged   bool      `json:"tc_uri_changed"`
	UpdateApplied  bool      `json:"update_applied"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// TCReconnectRecord is one TC session state transition into a terminal or
// backoff state, kept to reconstruct the reconnection history of the LNS
// link.
type TCReconnectRecord struct {
	ID         int64     `json:"id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Retries    int       `json:"retries"`
	OccurredAt time.Time `json:"occurred_at"`
}
