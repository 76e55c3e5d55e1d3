package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"meterlink/internal/config"
	"meterlink/internal/log"
)

// RootConfig lists the meters to emulate.
type RootConfig struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

type Endpoint struct {
	Name           string        `yaml:"name"`
	Mode           string        `yaml:"mode"`           // "tcp" | "serial" (auto-detect if empty)
	ListenAddress  string        `yaml:"listen_address"` // Modbus TCP, e.g. 127.0.0.1:5020
	SerialPort     string        `yaml:"serial_port"`    // real or virtual serial port, e.g. /tmp/vport1
	SlaveID        uint8         `yaml:"slave_id"`
	BaudRate       int           `yaml:"baud_rate"`
	DataBits       int           `yaml:"data_bits"`
	StopBits       int           `yaml:"stop_bits"`
	Parity         string        `yaml:"parity"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	Phases         int           `yaml:"phases"`
	Seed           int64         `yaml:"seed"`
	// Exception makes every read answer with this Modbus exception code.
	Exception byte `yaml:"exception"`

	// Optional: auto-create a virtual serial pair via socat (Unix-like systems)
	SpawnSocat bool   `yaml:"spawn_socat"`
	SocatLink  string `yaml:"socat_link"`
	SocatPeer  string `yaml:"socat_peer"`
}

func loadConfig(path string) (RootConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RootConfig{}, err
	}
	var cfg RootConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RootConfig{}, err
	}
	for i := range cfg.Endpoints {
		cfg.Endpoints[i].applyDefaults()
	}
	return cfg, nil
}

func (ep *Endpoint) applyDefaults() {
	if ep.SlaveID == 0 {
		ep.SlaveID = config.DefaultSlaveID
	}
	if ep.UpdateInterval <= 0 {
		ep.UpdateInterval = time.Second
	}
	if ep.Phases == 0 {
		ep.Phases = 3
	}
	ep.Parity = config.NormalizeParity(ep.Parity)
	if ep.Name == "" {
		ep.Name = fmt.Sprintf("meter-%d", ep.SlaveID)
	}
	ep.Mode = strings.ToLower(strings.TrimSpace(ep.Mode))
	if ep.Mode == "" {
		if ep.SerialPort != "" || ep.SpawnSocat {
			ep.Mode = "serial"
		} else {
			ep.Mode = "tcp"
		}
	}
}

func runAll(ctx context.Context, cfg RootConfig, logger *zap.SugaredLogger) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		wg.Add(1)
		go func(e Endpoint) {
			defer wg.Done()
			l := logger.With("endpoint", e.Name)
			var err error
			if e.Mode == "serial" {
				err = runSerialEndpoint(ctx, e, l)
			} else {
				err = runTCPEndpoint(ctx, e, l)
			}
			if err != nil {
				l.Errorw("endpoint stopped", "err", err)
				errs <- fmt.Errorf("%s: %w", e.Name, err)
			}
		}(ep)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func main() {
	var cfgPath string
	var single Endpoint
	flag.StringVar(&cfgPath, "config", "", "path to mockmeter YAML config")
	flag.StringVar(&single.ListenAddress, "listen", "127.0.0.1:5020", "Modbus TCP address when no config is given")
	flag.StringVar(&single.SerialPort, "serial", "", "serve RTU on this serial port instead of TCP")
	flag.IntVar(&single.Phases, "phases", 3, "1 or 3")
	flag.Int64Var(&single.Seed, "seed", 0, "simulator seed (0 picks one)")
	flag.DurationVar(&single.UpdateInterval, "interval", time.Second, "register refresh interval")
	flag.Parse()

	if err := log.Init(config.Log{Debug: true}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := RootConfig{Endpoints: []Endpoint{single}}
	cfg.Endpoints[0].applyDefaults()
	if cfgPath != "" {
		var err error
		if cfg, err = loadConfig(cfgPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
		if len(cfg.Endpoints) == 0 {
			log.Fatalf("config has no endpoints")
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runAll(ctx, cfg, log.Named("mockmeter")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
