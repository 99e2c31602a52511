// gwstation is the LoRa packet-forwarding gateway daemon: it bridges an
// SX130x concentrator to a remote LoRaWAN Network Server over the LNS
// WebSocket protocol, and keeps its own configuration and firmware current
// via periodic CUPS resyncs.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agsys/gwstation/internal/channelalloc"
	"github.com/agsys/gwstation/internal/corectx"
	"github.com/agsys/gwstation/internal/protocol"
	"github.com/agsys/gwstation/internal/ral"
	"github.com/agsys/gwstation/internal/ral/hal"
)

// Config represents the on-disk station.yaml structure.
type Config struct {
	Station struct {
		Router   string `yaml:"router"`
		Station  string `yaml:"station"`
		Model    string `yaml:"model"`
		Package  string `yaml:"package"`
		Firmware string `yaml:"firmware"`
	} `yaml:"station"`

	Concentrator struct {
		HWSpec   string `yaml:"hw_spec"`
		Region   uint8  `yaml:"region"`
		NSlaves  int    `yaml:"n_slaves"`
		Channels []struct {
			FreqHz     uint32 `yaml:"freq_hz"`
			SF         uint8  `yaml:"sf"`
			BW         uint32 `yaml:"bw"`
			Modulation uint8  `yaml:"modulation"`
			Beacon     bool   `yaml:"beacon"`
		} `yaml:"channels"`
	} `yaml:"concentrator"`

	TC struct {
		InfosURI string `yaml:"infos_uri"`
	} `yaml:"tc"`

	CUPS struct {
		URI          string `yaml:"uri"`
		LongInterval int    `yaml:"long_interval_seconds"`
	} `yaml:"cups"`

	Timesync struct {
		SessionTag   uint8 `yaml:"session_tag"`
		BaseInterval int   `yaml:"base_interval_seconds"`
	} `yaml:"timesync"`

	ConfigDir    string `yaml:"config_dir"`
	DatabasePath string `yaml:"database_path"`
	StatusAddr   string `yaml:"status_addr"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "gwstation",
		Short: "LoRa packet-forwarding gateway station",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway daemon",
		RunE:  runStation,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gwstation v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/gwstation/station.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// The master re-execs this binary with --slave and SLAVE_IDX set to
	// spawn one process per concentrator chip; intercept that before
	// cobra gets a chance to parse --slave as an unknown flag.
	for _, arg := range os.Args[1:] {
		if arg == "--slave" {
			runSlave()
			return
		}
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

func runStation(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Station.Router == "" {
		return fmt.Errorf("station.router is required")
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	coreCfg := corectx.DefaultConfig()
	coreCfg.Router = cfg.Station.Router
	coreCfg.Station = cfg.Station.Station
	coreCfg.Model = cfg.Station.Model
	coreCfg.Package = cfg.Station.Package
	coreCfg.Firmware = cfg.Station.Firmware

	coreCfg.SlaveExePath = exePath
	coreCfg.HWSpec = cfg.Concentrator.HWSpec
	coreCfg.Region = cfg.Concentrator.Region
	if cfg.Concentrator.NSlaves > 0 {
		coreCfg.NSlaves = cfg.Concentrator.NSlaves
	}
	for _, ch := range cfg.Concentrator.Channels {
		coreCfg.Channels = append(coreCfg.Channels, channelalloc.Channel{
			FreqHz: ch.FreqHz,
			RPS: protocol.RPS{
				SF:         ch.SF,
				BW:         protocol.Bandwidth(ch.BW),
				Modulation: protocol.Modulation(ch.Modulation),
				Beacon:     ch.Beacon,
			},
		})
	}

	if cfg.TC.InfosURI != "" {
		coreCfg.TC.InfosURI = cfg.TC.InfosURI
	}
	if cfg.CUPS.URI != "" {
		coreCfg.CupsURI = cfg.CUPS.URI
	}
	if cfg.CUPS.LongInterval > 0 {
		coreCfg.CUPS.LongInterval = time.Duration(cfg.CUPS.LongInterval) * time.Second
	}
	if cfg.Timesync.SessionTag != 0 {
		coreCfg.SessionTag = cfg.Timesync.SessionTag
	}
	if cfg.Timesync.BaseInterval > 0 {
		coreCfg.TimesyncBaseInterval = time.Duration(cfg.Timesync.BaseInterval) * time.Second
	}

	if cfg.ConfigDir != "" {
		coreCfg.ConfigDir = cfg.ConfigDir
	}
	if cfg.DatabasePath != "" {
		coreCfg.DatabasePath = cfg.DatabasePath
	}
	if cfg.StatusAddr != "" {
		coreCfg.StatusAddr = cfg.StatusAddr
	}

	core, err := corectx.New(coreCfg)
	if err != nil {
		var fe *corectx.FatalError
		if asFatal(err, &fe) {
			log.Printf("fatal: %v", fe)
			os.Exit(fe.Code)
		}
		return fmt.Errorf("create core: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("gwstation: starting router %s", cfg.Station.Router)
	if err := core.Start(ctx); err != nil {
		var fe *corectx.FatalError
		if asFatal(err, &fe) {
			log.Printf("fatal: %v", fe)
			os.Exit(fe.Code)
		}
		return fmt.Errorf("start core: %w", err)
	}

	go func() {
		sig := <-sigChan
		log.Printf("gwstation: received signal %v, shutting down", sig)
		cancel()
	}()

	if err := core.Wait(); err != nil {
		var fe *corectx.FatalError
		if asFatal(err, &fe) {
			log.Printf("fatal: %v", fe)
			os.Exit(fe.Code)
		}
		log.Printf("gwstation: subsystem error: %v", err)
	}

	log.Println("gwstation: shutdown complete")
	return nil
}

func asFatal(err error, target **corectx.FatalError) bool {
	fe, ok := err.(*corectx.FatalError)
	if ok {
		*target = fe
	}
	return ok
}

// runSlave is the re-exec entry point for one concentrator chip: it builds
// a HAL bound to that chip's Concentratord IPC endpoints and drives the
// RAL-slave pipe protocol on stdin/stdout until EOF or a signal.
func runSlave() {
	idxStr := os.Getenv(ral.SlaveIdxEnv)
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		log.Fatalf("gwstation: invalid %s=%q: %v", ral.SlaveIdxEnv, idxStr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	h, err := hal.NewConcentratord(ctx, hal.DefaultConcentratordConfig())
	if err != nil {
		log.Fatalf("gwstation: slave %d: open HAL: %v", idx, err)
	}

	slave := ral.NewSlave(idx, h, os.Stdin, os.Stdout)
	if err := slave.Run(ctx); err != nil {
		log.Printf("gwstation: slave %d: %v", idx, err)
		os.Exit(2)
	}
}
