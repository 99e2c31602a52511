package protocol

// TxJob describes one scheduled downlink, from the moment the TC engine
// accepts it off the LNS websocket to the moment RAL-master reports its
// final status back upstream.
type TxJob struct {
	DIID     uint32 // downlink ID, echoed in the status report
	RctxIdx  uint32 // slave/antenna routing index (txunit)
	RPS      RPS
	XTime    int64
	FreqHz   uint32
	TxPowDBm int8
	AddCRC   bool
	NoCCA    bool // TX_NOCCA requested; see open-question decision in DESIGN.md
	Payload  []byte

	Status ResponseStatus
}

// RxJob is one received frame after RAL-master has stamped it with a
// gateway-wide xtime and the slave index it arrived on.
type RxJob struct {
	SlaveIdx int
	XTime    int64
	FreqHz   uint32
	RPS      RPS
	RSSI     int16
	SNR      float32
	Payload  []byte
}
