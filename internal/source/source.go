// Package source decides whether readings come from the meter or the
// simulator.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"meterlink/internal/config"
	"meterlink/internal/meter"
	"meterlink/internal/model"
	"meterlink/internal/simulator"
	"meterlink/internal/utils"
)

// Source supplies readings. Both the meter client and the simulator are
// sources.
type Source interface {
	Open(ctx context.Context) error
	Poll(ctx context.Context) (model.Reading, error)
	Close() error
}

// Probe reports whether the meter channel looks usable, without talking
// Modbus to it.
type Probe func(ctx context.Context, cfg config.Connection) error

var errNoPort = errors.New("no port configured")

// DefaultProbe checks that a serial device exists and can be opened and
// closed, or that a TCP endpoint accepts a connection.
func DefaultProbe(ctx context.Context, cfg config.Connection) error {
	port := strings.TrimSpace(cfg.Port)
	if port == "" {
		return errNoPort
	}
	if cfg.Transport == config.TransportTCP {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", port)
		if err != nil {
			return err
		}
		return conn.Close()
	}

	if _, err := os.Stat(port); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		sp := utils.ParamsFor(cfg)
		p, err := utils.OpenSerial(sp)
		if err == nil {
			err = p.Close()
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("probe %s: %w", port, ctx.Err())
	}
}

type Options struct {
	Probe        Probe
	ProbeTimeout time.Duration
	Simulator    simulator.Options
	// NewMeter builds an unopened hardware source. Defaults to meter.New.
	NewMeter func(cfg config.Connection, logger *zap.SugaredLogger) (Source, error)
	Logger   *zap.SugaredLogger
}

// Selector is the only place the source mode is decided.
type Selector struct {
	probe        Probe
	probeTimeout time.Duration
	sim          simulator.Options
	newMeter     func(cfg config.Connection, logger *zap.SugaredLogger) (Source, error)
	log          *zap.SugaredLogger
}

func NewSelector(opts Options) *Selector {
	s := &Selector{
		probe:        opts.Probe,
		probeTimeout: opts.ProbeTimeout,
		sim:          opts.Simulator,
		newMeter:     opts.NewMeter,
		log:          opts.Logger,
	}
	if s.probe == nil {
		s.probe = DefaultProbe
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = config.DefaultProbeTimeout
	}
	if s.newMeter == nil {
		s.newMeter = func(cfg config.Connection, logger *zap.SugaredLogger) (Source, error) {
			c, err := meter.New(cfg, logger)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.sim.Phases == 0 {
		s.sim.Phases = 3
	}
	return s
}

// Select returns the simulator when demo is set or the meter channel is
// unavailable, and an unopened meter client otherwise. A meter client that
// cannot be built still reports SourceHardware; its Open fails.
func (s *Selector) Select(ctx context.Context, cfg config.Connection, demo bool) (Source, model.SourceMode) {
	if demo {
		s.log.Infow("demo mode requested, using simulator")
		return s.simulator(cfg), model.SourceSimulated
	}

	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	if err := s.probe(pctx, cfg); err != nil {
		s.log.Warnw("meter unavailable, using simulator", "port", cfg.Port, "transport", cfg.Transport, "error", err)
		return s.simulator(cfg), model.SourceSimulated
	}

	// The meter answered the probe, so a client that cannot be built is a
	// hardware fault and must not masquerade as simulated data.
	src, err := s.newMeter(cfg, s.log)
	if err != nil {
		s.log.Errorw("cannot bind meter client", "port", cfg.Port, "error", err)
		return unbound{err: err}, model.SourceHardware
	}
	s.log.Infow("meter available", "port", cfg.Port, "transport", cfg.Transport)
	return src, model.SourceHardware
}

// unbound stands in for a meter client that could not be built. It fails
// Open, so the scheduler reports the session as disconnected.
type unbound struct{ err error }

func (u unbound) Open(context.Context) error { return fmt.Errorf("bind meter: %w", u.err) }

func (u unbound) Poll(context.Context) (model.Reading, error) {
	return model.Reading{}, fmt.Errorf("bind meter: %w", u.err)
}

func (unbound) Close() error { return nil }

func (s *Selector) simulator(cfg config.Connection) Source {
	opts := s.sim
	if cfg.Phases == 1 {
		opts.Phases = 1
	}
	return simulator.New(opts)
}
