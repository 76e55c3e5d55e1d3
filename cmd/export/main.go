package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meterlink/internal/log"
	"meterlink/internal/model"
	"meterlink/internal/output"
	"meterlink/internal/tasks"
)

// export runs the engine for a while and writes the collected history.
func main() {
	var opts tasks.Options
	var outJSON string
	var outCSV string
	var wait time.Duration
	flag.StringVar(&opts.ConfigPath, "config", "", "path to YAML config (defaults when empty)")
	flag.BoolVar(&opts.Demo, "demo", false, "force the simulated source")
	flag.StringVar(&opts.Port, "port", "", "override meter.port")
	flag.StringVar(&outJSON, "json", "", "path to write JSON history (optional)")
	flag.StringVar(&outCSV, "csv", "", "path to write CSV history (optional)")
	flag.DurationVar(&wait, "wait", 10*time.Second, "how long to collect before writing")
	flag.Parse()

	if outJSON == "" && outCSV == "" {
		log.Fatalf("no output specified: set --json and/or --csv")
	}

	cfg, err := tasks.LoadConfig(opts)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.HTTP.Listen = ""
	if err := log.Init(cfg.Log); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, wait)
	defer stop()

	engine := tasks.NewEngine(cfg, log.Named("export"))
	if err := engine.Run(ctx); err != nil {
		log.Fatalf("run engine: %v", err)
	}

	readings := engine.Scheduler.History()
	if len(readings) == 0 {
		st := engine.Scheduler.Status()
		log.Fatalf("no readings collected (last status: %s %s)", st.State, st.Detail)
	}

	// one failed output does not stop the other
	failed := false
	write := func(path string, fn func(string, []model.Reading) error) {
		if path == "" {
			return
		}
		if err := fn(path, readings); err != nil {
			log.Errorf("write %s: %v", path, err)
			failed = true
			return
		}
		log.Infof("wrote %d readings to %s", len(readings), path)
	}
	write(outJSON, output.WriteJSONFile)
	write(outCSV, output.WriteCSVFile)
	if failed {
		log.Sync()
		os.Exit(1)
	}
}
