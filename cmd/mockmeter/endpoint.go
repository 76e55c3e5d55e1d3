package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"meterlink/internal/meter"
	"meterlink/internal/model"
	"meterlink/internal/simulator"
	"meterlink/internal/slave"
	"meterlink/internal/utils"
)

// emulator keeps a slave's register image in step with a simulated meter.
type emulator struct {
	slave *slave.Slave
	sim   *simulator.Simulator
	regs  meter.RegisterMap
	last  model.Reading
}

func newEmulator(ep Endpoint) *emulator {
	e := &emulator{
		slave: slave.New(ep.SlaveID),
		sim:   simulator.New(simulator.Options{Seed: ep.Seed, Phases: ep.Phases}),
		regs:  meter.PAC3200(),
	}
	if ep.Exception != 0 {
		e.slave.SetException(ep.Exception)
	}
	e.update()
	return e
}

func (e *emulator) update() {
	var prev *model.Reading
	if !e.last.IsZero() {
		prev = &e.last
	}
	e.last = e.sim.Next(prev)
	e.regs.Encode(e.last, e.slave.SetHolding)
}

func (e *emulator) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.update()
		}
	}
}

func runTCPEndpoint(ctx context.Context, ep Endpoint, logger *zap.SugaredLogger) error {
	addr := ep.ListenAddress
	if addr == "" {
		addr = "127.0.0.1:5020"
	}
	emu := newEmulator(ep)
	srv, err := slave.ListenTCP(addr, emu.slave)
	if err != nil {
		return err
	}
	defer srv.Close()

	logger.Infow("listening (Modbus TCP)", "addr", srv.Addr(), "slave", ep.SlaveID, "phases", ep.Phases)
	emu.run(ctx, ep.UpdateInterval)
	return nil
}

// runSerialEndpoint opens a real or virtual serial port and serves RTU frames.
func runSerialEndpoint(ctx context.Context, ep Endpoint, logger *zap.SugaredLogger) error {
	if ep.SpawnSocat {
		link := ep.SocatLink
		if link == "" {
			link = ep.SerialPort
		}
		if link == "" || ep.SocatPeer == "" {
			return fmt.Errorf("spawn_socat requires socat_link (or serial_port) and socat_peer")
		}
		cmd := utils.BuildSocatPairCmd(ctx, utils.SocatPair{Link: link, Peer: ep.SocatPeer})
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start socat: %w", err)
		}
		logger.Infow("spawned socat pair", "link", link, "peer", ep.SocatPeer, "pid", cmd.Process.Pid)
		defer func() {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			done := make(chan struct{})
			go func() { _ = cmd.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				_ = cmd.Process.Kill()
			}
		}()
		// Wait a moment for device creation
		time.Sleep(400 * time.Millisecond)
		ep.SerialPort = link
	}

	rw, err := utils.OpenSerial(utils.SerialParams{
		Address:  ep.SerialPort,
		BaudRate: ep.BaudRate,
		DataBits: ep.DataBits,
		StopBits: ep.StopBits,
		Parity:   ep.Parity,
		Timeout:  500 * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer rw.Close()

	emu := newEmulator(ep)
	go emu.run(ctx, ep.UpdateInterval)

	logger.Infow("listening (Serial RTU)", "port", ep.SerialPort, "slave", ep.SlaveID, "baud", ep.BaudRate, "parity", ep.Parity)
	return emu.slave.ServeRTU(ctx, rw)
}
