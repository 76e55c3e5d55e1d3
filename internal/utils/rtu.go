package utils

import (
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/goburrow/serial"

	"meterlink/internal/config"
)

type SerialParams struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
}

// ParamsFor returns the serial line settings of a meter connection.
func ParamsFor(c config.Connection) SerialParams {
	return SerialParams{
		Address:  c.Port,
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: c.StopBits,
		Parity:   c.Parity,
		Timeout:  c.Timeout,
	}
}

func EnsureSerialDefaults(sp *SerialParams) {
	if sp.BaudRate == 0 {
		sp.BaudRate = config.DefaultBaudRate
	}
	if sp.DataBits == 0 {
		sp.DataBits = 8
	}
	if sp.StopBits == 0 {
		sp.StopBits = 1
	}
	if sp.Parity == "" {
		sp.Parity = config.DefaultParity
	}
	if sp.Timeout <= 0 {
		sp.Timeout = 10 * time.Second
	}
}

func OpenSerial(sp SerialParams) (io.ReadWriteCloser, error) {
	EnsureSerialDefaults(&sp)
	return serial.Open(&serial.Config{
		Address:  sp.Address,
		BaudRate: sp.BaudRate,
		DataBits: sp.DataBits,
		StopBits: sp.StopBits,
		Parity:   sp.Parity,
		Timeout:  sp.Timeout,
	})
}

// SocatPair names the two pty links of a virtual null-modem cable.
type SocatPair struct {
	Link string
	Peer string
}

// BuildSocatPairCmd returns the socat command creating pair. The emulator
// opens Link; the meter client is pointed at Peer.
func BuildSocatPairCmd(ctx context.Context, pair SocatPair) *exec.Cmd {
	return exec.CommandContext(ctx, "socat",
		"-d", "-d",
		"pty,raw,echo=0,link="+pair.Link,
		"pty,raw,echo=0,link="+pair.Peer,
	)
}
