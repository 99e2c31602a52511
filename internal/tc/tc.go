// Package tc implements the LNS transport: a WebSocket client that
// discovers the MUXS endpoint through the INFOS phase and then carries
// the live uplink/downlink stream over MUXS, reconnecting on its own
// documented backoff schedule.
package tc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/agsys/gwstation/internal/configstore"
	"github.com/agsys/gwstation/internal/protocol"
	"github.com/gorilla/websocket"
)

// State is the TC session's state. Negative values are terminal error
// kinds; non-negative values are progress states.
type State int8

const (
	StateINI State = iota
	StateInfosReqPend
	StateInfosGotURI
	StateMuxsReqPend
	StateMuxsConnected
	StateInfosBackoff
	StateMuxsBackoff

	StateErrFailed   State = -1
	StateErrNoURI    State = -2
	StateErrTimeout  State = -3
	StateErrRejected State = -4
	StateErrClosed   State = -5
	StateErrDead     State = -6
)

func (s State) String() string {
	switch s {
	case StateINI:
		return "INI"
	case StateInfosReqPend:
		return "INFOS_REQ_PEND"
	case StateInfosGotURI:
		return "INFOS_GOT_URI"
	case StateMuxsReqPend:
		return "MUXS_REQ_PEND"
	case StateMuxsConnected:
		return "MUXS_CONNECTED"
	case StateInfosBackoff:
		return "INFOS_BACKOFF"
	case StateMuxsBackoff:
		return "MUXS_BACKOFF"
	case StateErrFailed:
		return "ERR_FAILED"
	case StateErrNoURI:
		return "ERR_NOURI"
	case StateErrTimeout:
		return "ERR_TIMEOUT"
	case StateErrRejected:
		return "ERR_REJECTED"
	case StateErrClosed:
		return "ERR_CLOSED"
	case StateErrDead:
		return "ERR_DEAD"
	default:
		return fmt.Sprintf("State(%d)", int8(s))
	}
}

func (s State) terminal() bool { return s < 0 }

// Config describes the identity this station presents on connect and the
// INFOS endpoint to query.
type Config struct {
	InfosURI string // e.g. wss://host:port (its path is replaced by /router-info)
	Router   string // station EUI, e.g. "1-2-3-4-5-6-7-8"

	Station  string
	Firmware string
	Package  string
	Model    string
	Protocol int
	Features string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	CredSet configstore.Set
}

// DefaultConfig returns the conventional timeouts.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

// muxsEndpoint is the parsed, packed MUXS URI cached across INFOS_GOT_URI
// and reused directly on a MUXS_BACKOFF reconnect (no re-query of INFOS).
type muxsEndpoint struct {
	tls  bool
	host string
	port string
	path string
}

func (m muxsEndpoint) url() string {
	scheme := "ws"
	if m.tls {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%s%s", scheme, m.host, m.port, m.path)
}

// Session is the single global TcSession spec.md describes: one LNS
// connection attempt, its backoff state, and the queues feeding it.
type Session struct {
	cfg   Config
	store *configstore.Store

	// CupsTrigger is invoked when the reconnection policy decides CUPS
	// must run (rejection, missing URI, or retries exhausted).
	CupsTrigger func()
	// CupsDelay is invoked on a successful MUXS connect to ask CUPS to
	// push its next check out.
	CupsDelay func()
	// OnText/OnBinary are s2e_on_msg/s2e_on_binary: the external protocol
	// handlers for downlink frames. An error from either is fatal to the
	// session (ERR_FAILED, clean close).
	OnText   func(data []byte) error
	OnBinary func(data []byte) error

	mu      sync.Mutex
	state   State
	retries int
	muxs    *muxsEndpoint
	conn    *websocket.Conn

	// restartSig is signaled by Restart to release Run's StateErrDead
	// case: TC is stopped dead (§4.E) until CUPS has written a fresh TC
	// URI or credential set and calls Restart.
	restartSig chan struct{}

	sendQueue chan protocol.RxJob
}

// New creates a session in state INI.
func New(cfg Config, store *configstore.Store) *Session {
	return &Session{
		cfg:        cfg,
		store:      store,
		state:      StateINI,
		restartSig: make(chan struct{}, 1),
		sendQueue:  make(chan protocol.RxJob, 64),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session until ctx is cancelled: INFOS, then MUXS, then
// the reconnection policy, forever.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch s.State() {
		case StateInfosBackoff:
			// "rebuild the session from scratch, preserve retries, re-enter INI"
			s.setState(StateINI)
			s.runInfos(ctx)
		case StateMuxsBackoff:
			// "increment retries, reconnect MUXS directly (skip INFOS)"
			s.mu.Lock()
			s.retries++
			s.mu.Unlock()
			s.runMuxs(ctx)
		case StateErrDead:
			// Stopped: wait for Restart (CUPS has written a new TC URI or
			// credential set) instead of retrying INFOS/MUXS in parallel
			// with the CUPS resync that put TC here.
			select {
			case <-s.restartSig:
				s.setState(StateINI)
				s.runInfos(ctx)
			case <-ctx.Done():
				return
			}
		default:
			s.runInfos(ctx)
		}

		if ctx.Err() != nil {
			return
		}
		s.tcContinue(ctx)
	}
}

// runInfos performs the INFOS phase: query /router-info, parse and cache
// the MUXS URI, then proceed directly into MUXS.
func (s *Session) runInfos(ctx context.Context) {
	s.setState(StateInfosReqPend)

	u, err := url.Parse(s.cfg.InfosURI)
	if err != nil {
		log.Printf("tc: bad INFOS URI: %v", err)
		s.setState(StateErrFailed)
		return
	}
	u.Path = "/router-info"

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		s.setState(StateErrTimeout)
		return
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(map[string]string{"router": s.cfg.Router}); err != nil {
		s.setState(StateErrFailed)
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	var resp struct {
		Router string `json:"router"`
		Muxs   string `json:"muxs"`
		URI    string `json:"uri"`
		Error  string `json:"error"`
	}
	if err := conn.ReadJSON(&resp); err != nil {
		s.setState(StateErrTimeout)
		return
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	if resp.Error != "" || resp.URI == "" {
		s.setState(StateErrRejected)
		return
	}

	endpoint, err := parseMuxsURI(resp.URI)
	if err != nil {
		s.setState(StateErrNoURI)
		return
	}

	s.mu.Lock()
	s.muxs = endpoint
	s.mu.Unlock()
	s.setState(StateInfosGotURI)

	s.runMuxs(ctx)
}

// parseMuxsURI validates the scheme and splits the URI into the packed
// [tls, host, port, path] form the spec describes.
func parseMuxsURI(raw string) (*muxsEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	var tls bool
	switch u.Scheme {
	case "wss":
		tls = true
	case "ws":
		tls = false
	default:
		return nil, fmt.Errorf("tc: unsupported MUXS scheme %q", u.Scheme)
	}
	port := u.Port()
	if port == "" {
		if tls {
			port = "443"
		} else {
			port = "80"
		}
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return &muxsEndpoint{tls: tls, host: u.Hostname(), port: port, path: path}, nil
}

// runMuxs performs the MUXS phase: connect, send the version hello, then
// pump uplinks/downlinks until the connection closes.
func (s *Session) runMuxs(ctx context.Context) {
	s.setState(StateMuxsReqPend)

	s.mu.Lock()
	ep := s.muxs
	s.mu.Unlock()
	if ep == nil {
		s.setState(StateErrNoURI)
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, ep.url(), nil)
	if err != nil {
		s.setState(StateErrTimeout)
		return
	}

	hello := map[string]interface{}{
		"msgtype":  "version",
		"station":  s.cfg.Station,
		"firmware": s.cfg.Firmware,
		"package":  s.cfg.Package,
		"model":    s.cfg.Model,
		"protocol": s.cfg.Protocol,
		"features": s.cfg.Features,
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		s.setState(StateErrFailed)
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateMuxsConnected)

	if s.cfg.CredSet == configstore.SetReg && s.store != nil && !s.store.BackupCurrent(configstore.CategoryTC) {
		if err := s.store.Backup(configstore.CategoryTC); err != nil {
			log.Printf("tc: backup TC credential set: %v", err)
		}
	}
	if s.CupsDelay != nil {
		s.CupsDelay()
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.readLoop(conn, done) }()
	go func() { defer wg.Done(); s.writeLoop(ctx, conn, done) }()
	wg.Wait()

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	conn.Close()
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if s.State() == StateMuxsConnected {
				s.setState(StateErrClosed)
			} else {
				s.setState(StateErrFailed)
			}
			return
		}

		var handleErr error
		switch msgType {
		case websocket.TextMessage:
			if s.OnText != nil {
				handleErr = s.OnText(data)
			}
		case websocket.BinaryMessage:
			if s.OnBinary != nil {
				handleErr = s.OnBinary(data)
			}
		}
		if handleErr != nil {
			s.setState(StateErrFailed)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case job := <-s.sendQueue:
			data, err := json.Marshal(job)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}
}

// Restart forces any active MUXS connection closed, so the session drops
// into its normal reconnection policy and re-establishes the link — used
// after CUPS has written a new TC URI or TC credential set.
func (s *Session) Restart() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	select {
	case s.restartSig <- struct{}{}:
	default:
	}
}

// GetSendBuf is get_sendbuf(min): callers get an empty, not-ok descriptor
// whenever the session isn't MUXS_CONNECTED, meaning "drop, not queued."
func (s *Session) GetSendBuf(min int) (ok bool) {
	return s.State() == StateMuxsConnected
}

// FlushRxJobs enqueues one uplink for the write loop; it is the caller's
// responsibility to have checked GetSendBuf first.
func (s *Session) FlushRxJobs(jobs ...protocol.RxJob) {
	for _, j := range jobs {
		select {
		case s.sendQueue <- j:
		default:
			log.Printf("tc: send queue full, dropping uplink")
		}
	}
}

// tcContinue is the default ondone handler: the reconnection policy from
// spec.md §4.E, applied whenever runInfos/runMuxs reaches a terminal
// state. It decides which backoff to schedule and sleeps out the delay,
// leaving the session parked in the chosen Backoff state for Run's next
// iteration to act on.
func (s *Session) tcContinue(ctx context.Context) {
	state := s.State()
	s.mu.Lock()
	retries := s.retries
	hasMuxs := s.muxs != nil
	s.mu.Unlock()

	cupsEnabled := s.CupsTrigger != nil
	if (state == StateErrRejected || state == StateErrNoURI || retries >= 10) && cupsEnabled {
		s.CupsTrigger()
		s.setState(StateErrDead)
		return
	}

	if hasMuxs && retries <= 4 && state == StateErrClosed {
		delay := time.Duration(1<<uint(retries)) * time.Second
		s.setState(StateMuxsBackoff)
		sleepCtx(ctx, delay)
		return
	}

	s.mu.Lock()
	s.muxs = nil
	s.retries = 1
	s.mu.Unlock()
	n := retries
	if n > 6 {
		n = 6
	}
	delay := time.Duration(n) * 10 * time.Second
	s.setState(StateInfosBackoff)
	sleepCtx(ctx, delay)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
