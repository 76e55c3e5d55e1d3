package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meterlink/internal/config"
	"meterlink/internal/log"
	"meterlink/internal/meter"
	"meterlink/internal/model"
	"meterlink/internal/output"
)

func main() {
	var (
		configPath string
		port       string
		transport  string
		slaveID    int
		count      int
		interval   time.Duration
		outPath    string
	)
	flag.StringVar(&configPath, "config", "", "path to YAML config (meter section is used)")
	flag.StringVar(&port, "port", "", "serial device or host:port, overrides meter.port")
	flag.StringVar(&transport, "transport", "", "rtu or tcp, overrides meter.transport")
	flag.IntVar(&slaveID, "slave", 0, "overrides meter.slave_id")
	flag.IntVar(&count, "count", 1, "number of polls (0 polls until interrupted)")
	flag.DurationVar(&interval, "interval", 0, "time between polls (default meter.poll_interval)")
	flag.StringVar(&outPath, "out", "", "write all readings to a .json or .csv file instead of stdout")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			fatal(err)
		}
	}
	if port != "" {
		cfg.Meter.Port = port
	}
	if transport != "" {
		cfg.Meter.Transport = transport
	}
	if slaveID != 0 {
		cfg.Meter.SlaveID = slaveID
	}
	cfg.Meter.ApplyDefaults()
	if err := cfg.Meter.Validate(); err != nil {
		fatal(err)
	}
	if interval <= 0 {
		interval = cfg.Meter.PollInterval
	}

	if err := log.Init(cfg.Log); err != nil {
		fatal(err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	readings, err := pollLoop(ctx, cfg.Meter, count, interval)
	if outPath != "" && len(readings) > 0 {
		if werr := output.WriteFile(outPath, readings); werr != nil {
			fatal(werr)
		}
	}
	if err != nil {
		fatal(err)
	}
}

func pollLoop(ctx context.Context, cfg config.Connection, count int, interval time.Duration) ([]model.Reading, error) {
	c, err := meter.Open(ctx, cfg, log.Named("meter"))
	if err != nil {
		return nil, err
	}
	defer c.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	enc := json.NewEncoder(os.Stdout)
	var readings []model.Reading
	for n := 0; count == 0 || n < count; n++ {
		if n > 0 {
			select {
			case <-ctx.Done():
				return readings, nil
			case <-ticker.C:
			}
		}
		pctx, cancel := context.WithTimeout(ctx, interval)
		r, err := c.Poll(pctx)
		cancel()
		if err != nil {
			if meter.IsTransient(err) {
				log.Warnf("poll %d: %v", n+1, err)
				continue
			}
			return readings, err
		}
		readings = append(readings, r)
		_ = enc.Encode(r)
	}
	return readings, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "meterread:", err)
	os.Exit(1)
}
