package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"meterlink/internal/log"
	"meterlink/pkg/meterlink"
)

func main() {
	var opts meterlink.Options
	flag.StringVar(&opts.ConfigPath, "config", "", "path to YAML config (defaults when empty)")
	flag.BoolVar(&opts.Demo, "demo", false, "force the simulated source")
	flag.StringVar(&opts.Port, "port", "", "override meter.port")
	flag.StringVar(&opts.Listen, "listen", "", "HTTP API address, e.g. :8080")
	flag.Parse()

	// Handle SIGINT/SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := meterlink.Run(ctx, opts); err != nil {
		log.Fatalf("meterd: %v", err)
	}
}
