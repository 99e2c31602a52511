// Package corectx wires every subsystem this gateway daemon is built from
// — the RAL-master concentrator supervisor, the TC (LNS) and CUPS engines,
// the timesync tracker, the channel allocator, and the transactional
// configuration store — into one running process, and owns the
// process-fatal exit policy spec.md §7 describes (a distinct exit code per
// fatal class, the others shut down cleanly once one fires).
package corectx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agsys/gwstation/internal/channelalloc"
	"github.com/agsys/gwstation/internal/configstore"
	"github.com/agsys/gwstation/internal/cups"
	"github.com/agsys/gwstation/internal/eventloop"
	"github.com/agsys/gwstation/internal/protocol"
	"github.com/agsys/gwstation/internal/ral"
	"github.com/agsys/gwstation/internal/storage"
	"github.com/agsys/gwstation/internal/tc"
	"github.com/agsys/gwstation/internal/timesync"
)

// Process exit codes, one per spec §7 process-fatal class.
const (
	ExitEventLoopAlloc    = 10 // inability to allocate the event loop
	ExitForwardRecovery   = 11 // forward recovery over the credential store failed at startup
	ExitSlaveRestartFatal = 12 // a slave exceeded its restart budget without progress
)

// FatalError carries the exit code main should use, per the three
// process-fatal classes spec.md §7 names.
type FatalError struct {
	Code int
	Err  error
}

func (e *FatalError) Error() string { return fmt.Sprintf("corectx: fatal (exit %d): %v", e.Code, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Config describes one gateway's identity, concentrator layout, and the
// LNS/CUPS session parameters. It flattens the station.yaml shape
// cmd/gwstation parses into the Config types each subsystem expects.
type Config struct {
	ConfigDir    string // configstore root
	DatabasePath string // local audit/status sqlite file
	StatusAddr   string // net/http status listen address; "" disables it

	Router   string // station EUI
	Station  string
	Model    string
	Package  string
	Firmware string

	SlaveExePath string // binary to re-exec with --slave; normally os.Executable()
	NSlaves      int
	HWSpec       string
	Region       uint8
	Channels     []channelalloc.Channel

	// CupsURI seeds the CUPS engine's bootstrap endpoint on a fresh
	// install, where the configuration store has no prior CUPS URI on
	// disk yet. Ignored once a CUPS URI already exists in the store —
	// later URIs come from CUPS itself, per the update-info protocol.
	CupsURI string

	SessionTag           uint8
	TimesyncBaseInterval time.Duration

	TC   tc.Config
	CUPS cups.Config
}

// DefaultConfig returns the conventional defaults, with each subsystem's
// own DefaultConfig nested in.
func DefaultConfig() Config {
	return Config{
		StatusAddr:           ":8080",
		NSlaves:              1,
		SessionTag:           1,
		TimesyncBaseInterval: 30 * time.Second,
		TC:                   tc.DefaultConfig(),
		CUPS:                 cups.DefaultConfig(),
	}
}

// Core owns every subsystem and the goroutines driving them.
type Core struct {
	cfg       Config
	sessionID uuid.UUID

	db    *storage.DB
	store *configstore.Store

	masterLoop *eventloop.Loop
	cupsLoop   *eventloop.Loop

	master *ral.Master
	tc     *tc.Session
	cups   *cups.Session
	track  *timesync.Tracker

	httpServer *http.Server

	fatalCh chan *FatalError
	group   *errgroup.Group
}

// New builds every subsystem and runs forward recovery over the
// configuration store, returning a *FatalError (ExitForwardRecovery) if
// that recovery fails — one of spec.md §7's three process-fatal classes.
func New(cfg Config) (*Core, error) {
	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("corectx: open database: %w", err)
	}

	store := configstore.Open(cfg.ConfigDir)
	if err := store.Recover(); err != nil {
		db.Close()
		return nil, &FatalError{Code: ExitForwardRecovery, Err: fmt.Errorf("recover configuration store: %w", err)}
	}
	if err := bootstrapCupsURI(store, cfg.CupsURI); err != nil {
		db.Close()
		return nil, fmt.Errorf("corectx: bootstrap CUPS URI: %w", err)
	}

	track := timesync.New(cfg.SessionTag, cfg.TimesyncBaseInterval)

	masterLoop := eventloop.New("ral-master")
	cupsLoop := eventloop.New("cups")

	master := ral.NewMaster(cfg.SlaveExePath, cfg.NSlaves, masterLoop)

	tcCfg := cfg.TC
	tcCfg.Router, tcCfg.Station, tcCfg.Model, tcCfg.Package, tcCfg.Firmware =
		cfg.Router, cfg.Station, cfg.Model, cfg.Package, cfg.Firmware
	tcSession := tc.New(tcCfg, store)

	cupsCfg := cfg.CUPS
	cupsCfg.Router, cupsCfg.Station, cupsCfg.Model, cupsCfg.Package =
		cfg.Router, cfg.Station, cfg.Model, cfg.Package
	cupsCfg.RestartTC = tcSession.Restart
	cupsSession := cups.New(cupsCfg, store)

	return &Core{
		cfg:        cfg,
		sessionID:  uuid.New(),
		db:         db,
		store:      store,
		masterLoop: masterLoop,
		cupsLoop:   cupsLoop,
		master:     master,
		tc:         tcSession,
		cups:       cupsSession,
		track:      track,
		fatalCh:    make(chan *FatalError, 1),
	}, nil
}

// bootstrapCupsURI seeds the registered CUPS URI on a fresh install, where
// the store has no prior CUPS state on disk. It is a no-op once a CUPS URI
// is already committed — from then on the URI only ever changes via the
// CUPS update-info protocol itself.
func bootstrapCupsURI(store *configstore.Store, uri string) error {
	if uri == "" {
		return nil
	}
	existing, err := store.URI(configstore.CategoryCUPS, configstore.SetReg)
	if err != nil {
		return fmt.Errorf("read existing CUPS URI: %w", err)
	}
	if existing != "" {
		return nil
	}
	if err := store.WriteTemp(configstore.CategoryCUPS, configstore.ExtURI, []byte(uri)); err != nil {
		return fmt.Errorf("stage CUPS URI: %w", err)
	}
	if err := store.Commit(configstore.CategoryCUPS); err != nil {
		return fmt.Errorf("commit CUPS URI: %w", err)
	}
	return nil
}

// Start wires the subsystem callbacks, starts the concentrator fleet,
// pushes the configured channel plan down to it, and launches every
// background goroutine under one errgroup so a fatal error in any of them
// cancels the rest.
func (c *Core) Start(ctx context.Context) error {
	c.master.SetHandlers(c.handleUplink, c.handleTimesync)
	c.master.OnFatal = func(err error) {
		select {
		case c.fatalCh <- &FatalError{Code: ExitSlaveRestartFatal, Err: err}:
		default:
		}
	}

	c.tc.CupsTrigger = func() { c.cupsLoop.Go(c.runCupsOnce) }
	c.tc.CupsDelay = func() {
		c.cupsLoop.Go(func() { c.cupsLoop.AfterFunc(c.cfg.CUPS.LongInterval, c.runCupsOnce) })
	}
	c.tc.OnText = c.handleDownlink
	c.tc.OnBinary = c.handleDownlink

	g, gctx := errgroup.WithContext(ctx)
	c.group = g

	g.Go(func() error { return runLoop(gctx, c.masterLoop) })
	g.Go(func() error { return runLoop(gctx, c.cupsLoop) })
	g.Go(func() error { c.tc.Run(gctx); return nil })
	g.Go(func() error {
		select {
		case fe := <-c.fatalCh:
			return fe
		case <-gctx.Done():
			return nil
		}
	})

	if err := c.master.Start(gctx); err != nil {
		return &FatalError{Code: ExitEventLoopAlloc, Err: fmt.Errorf("start RAL master: %w", err)}
	}
	if err := c.master.Configure(gctx, c.cfg.HWSpec, c.cfg.Region, c.cfg.Channels); err != nil {
		return fmt.Errorf("corectx: configure concentrator: %w", err)
	}

	c.cupsLoop.Go(c.runCupsOnce)

	if c.cfg.StatusAddr != "" {
		c.startStatusServer()
	}

	log.Printf("corectx: started session %s, router %s, %d slave(s)", c.sessionID, c.cfg.Router, c.cfg.NSlaves)
	return nil
}

// runLoop drives loop until ctx is cancelled, treating cancellation as a
// clean shutdown rather than a fatal error.
func runLoop(ctx context.Context, loop *eventloop.Loop) error {
	err := loop.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Wait blocks until every subsystem goroutine has returned (normally
// because ctx was cancelled, or because one of them hit a process-fatal
// error), then tears everything down.
func (c *Core) Wait() error {
	err := c.group.Wait()

	c.master.StopAll()
	if c.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.httpServer.Shutdown(shutdownCtx)
	}
	if cerr := c.db.Close(); cerr != nil {
		log.Printf("corectx: close database: %v", cerr)
	}

	return err
}

// handleUplink is the RAL-master RxHandler: it records the frame locally
// and, if the LNS session is connected, forwards it upstream.
func (c *Core) handleUplink(slaveIdx int, pkt protocol.RxResponseBody) {
	if c.tc.GetSendBuf(len(pkt.Payload)) {
		c.tc.FlushRxJobs(protocol.RxJob{
			SlaveIdx: slaveIdx,
			XTime:    pkt.XTime,
			FreqHz:   pkt.FreqHz,
			RPS:      pkt.RPS,
			RSSI:     pkt.RSSI,
			SNR:      pkt.SNR,
			Payload:  pkt.Payload,
		})
	}

	if _, err := c.db.InsertUplink(&storage.UplinkRecord{
		SlaveIdx:   slaveIdx,
		XTime:      pkt.XTime,
		FreqHz:     pkt.FreqHz,
		SF:         pkt.RPS.SF,
		BW:         uint32(pkt.RPS.BW),
		Modulation: uint8(pkt.RPS.Modulation),
		RSSI:       pkt.RSSI,
		SNR:        pkt.SNR,
		PayloadLen: len(pkt.Payload),
	}); err != nil {
		log.Printf("corectx: record uplink: %v", err)
	}
}

// handleTimesync is the RAL-master TimesyncHandler. The tracker is not
// safe for concurrent use, so the update is folded in on the master's own
// event loop goroutine rather than the reader goroutine that received it.
func (c *Core) handleTimesync(slaveIdx int, body protocol.TimesyncBody) {
	c.masterLoop.Go(func() {
		c.track.Update(uint8(slaveIdx), int(body.Quality), timesync.Measurement{
			USTime:   body.USTime,
			XTime:    body.XTime,
			PPSXTime: body.PPSXTime,
		})
	})
}

// handleDownlink is the TC session's s2e_on_msg/s2e_on_binary handler: it
// decodes one scheduled downlink off the LNS link and hands it to
// RAL-master for transmission, off the master's own event loop goroutine
// since TX blocks for the slave's synchronous response.
func (c *Core) handleDownlink(data []byte) error {
	var job protocol.TxJob
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("corectx: decode downlink: %w", err)
	}

	c.masterLoop.Go(func() {
		status, err := c.master.TX(int(job.RctxIdx), protocol.TxBody{
			Rctx:     job.RctxIdx,
			RPS:      job.RPS,
			XTime:    job.XTime,
			FreqHz:   job.FreqHz,
			TxPowDBm: job.TxPowDBm,
			AddCRC:   job.AddCRC,
			Payload:  job.Payload,
		}, job.NoCCA, c.cfg.Region)
		if err != nil {
			log.Printf("corectx: downlink txunit %d: %v", job.RctxIdx, err)
			return
		}
		if _, err := c.db.InsertDownlink(&storage.DownlinkRecord{
			TxUnit: int(job.RctxIdx),
			XTime:  job.XTime,
			FreqHz: job.FreqHz,
			Status: uint8(status),
		}); err != nil {
			log.Printf("corectx: record downlink: %v", err)
		}
	})
	return nil
}

// runCupsOnce runs one CUPS resync cycle and schedules the next one after
// the delay it returns — the AfterFunc chain that drives the CUPS engine's
// periodic session off its own event loop.
func (c *Core) runCupsOnce() {
	delay := c.cups.RunOnce(context.Background())

	success, cupsURIChanged, tcURIChanged, updateApplied := c.cups.LastRunSummary()
	if _, err := c.db.InsertCupsRun(&storage.CupsRunRecord{
		CredSet:        string(c.cups.CredSet()),
		Success:        success,
		FailCount:      c.cups.FailCount(),
		CupsURIChanged: cupsURIChanged,
		TCURIChanged:   tcURIChanged,
		UpdateApplied:  updateApplied,
	}); err != nil {
		log.Printf("corectx: record cups run: %v", err)
	}

	c.cupsLoop.AfterFunc(delay, c.runCupsOnce)
}

// statusView is the GET /status JSON body: the per-subsystem monotonic
// state scalars spec.md §7 names, for offline/operator visibility. It is
// read-only — no control actions — distinguishing it from the explicitly
// excluded web admin UI (spec.md §1 Non-goals).
type statusView struct {
	SessionID     string      `json:"session_id"`
	Router        string      `json:"router"`
	TCState       string      `json:"tc_state"`
	CupsCredSet   string      `json:"cups_cred_set"`
	CupsFailCount int         `json:"cups_fail_count"`
	PPSLocked     bool        `json:"pps_locked"`
	PPSOffsetUS   int64       `json:"pps_offset_us"`
	SlaveRestarts map[int]int `json:"slave_restarts"`
}

func (c *Core) startStatusServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", c.serveStatus)
	c.httpServer = &http.Server{Addr: c.cfg.StatusAddr, Handler: mux}

	go func() {
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("corectx: status server: %v", err)
		}
	}()
}

func (c *Core) serveStatus(w http.ResponseWriter, r *http.Request) {
	view := statusView{
		SessionID:     c.sessionID.String(),
		Router:        c.cfg.Router,
		TCState:       c.tc.State().String(),
		CupsCredSet:   string(c.cups.CredSet()),
		CupsFailCount: c.cups.FailCount(),
		PPSLocked:     c.track.PPSLocked(),
		PPSOffsetUS:   c.track.PPSOffset(),
		SlaveRestarts: c.master.RestartCounts(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		log.Printf("corectx: encode status: %v", err)
	}
}
