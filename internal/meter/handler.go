package meter

import (
	"fmt"
	"io"
	"strings"

	mb "github.com/goburrow/modbus"

	"meterlink/internal/config"
	"meterlink/internal/rtu"
)

// Handler embeds mb.ClientHandler and exposes Connect/Close used for lifecycle.
// goburrow's RTU and TCP client handlers satisfy it.
type Handler interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// newHandler creates and configures a handler for TCP or RTU based on config.
// It returns the handler and a human-readable address for logs.
func newHandler(cfg config.Connection) (Handler, string, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	port := strings.TrimSpace(cfg.Port)
	if port == "" {
		return nil, "", &ConnectionError{Port: "<none>", Err: fmt.Errorf("no port configured")}
	}
	switch cfg.Transport {
	case config.TransportTCP:
		h := mb.NewTCPClientHandler(port)
		h.Timeout = timeout
		h.SlaveId = byte(cfg.SlaveID)
		return h, port, nil
	case config.TransportRTU, "":
		h := mb.NewRTUClientHandler(port)
		if cfg.BaudRate > 0 {
			h.BaudRate = cfg.BaudRate
		}
		if cfg.DataBits > 0 {
			h.DataBits = cfg.DataBits
		}
		if cfg.StopBits > 0 {
			h.StopBits = cfg.StopBits
		}
		if p := config.NormalizeParity(cfg.Parity); p != "" {
			h.Parity = p
		}
		h.Timeout = timeout
		h.SlaveId = byte(cfg.SlaveID)
		return h, port, nil
	default:
		return nil, "", fmt.Errorf("transport %s not implemented", cfg.Transport)
	}
}

type handlerPair struct {
	mb.Packager
	mb.Transporter
}

// NewHandler pairs a packager with any transporter, e.g. an in-process slave.
// Connect and Close are forwarded to the transporter when it has them.
func NewHandler(p mb.Packager, t mb.Transporter) Handler {
	return handlerPair{Packager: p, Transporter: t}
}

func (h handlerPair) Connect() error {
	if c, ok := h.Transporter.(interface{ Connect() error }); ok {
		return c.Connect()
	}
	return nil
}

func (h handlerPair) Close() error {
	if c, ok := h.Transporter.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// RTUPackager returns goburrow's RTU framing for slaveID, without a port.
func RTUPackager(slaveID byte) mb.Packager {
	h := mb.NewRTUClientHandler("")
	h.SlaveId = slaveID
	return h
}

// checkedPackager types the frame checks goburrow reports as plain errors.
type checkedPackager struct {
	mb.Packager
	rtu bool
}

func (p checkedPackager) Verify(req, resp []byte) error {
	if p.rtu {
		if len(resp) < rtu.MinFrameSize {
			return &TransactionError{Kind: MalformedResponse, Err: fmt.Errorf("response length %d below minimum %d", len(resp), rtu.MinFrameSize)}
		}
		if resp[0] != req[0] {
			return &TransactionError{Kind: MalformedResponse, Err: fmt.Errorf("response slave id %d does not match request %d", resp[0], req[0])}
		}
		if want := rtu.ExpectedResponseSize(req, resp); want == 0 || len(resp) != want {
			return &TransactionError{Kind: MalformedResponse, Err: fmt.Errorf("response length %d does not match header (want %d)", len(resp), want)}
		}
		if !rtu.ValidCRC(resp) {
			return &TransactionError{Kind: ChecksumMismatch, Err: fmt.Errorf("response crc % X", resp[len(resp)-2:])}
		}
	}
	if err := p.Packager.Verify(req, resp); err != nil {
		return &TransactionError{Kind: MalformedResponse, Err: err}
	}
	return nil
}

func (p checkedPackager) Decode(adu []byte) (*mb.ProtocolDataUnit, error) {
	pdu, err := p.Packager.Decode(adu)
	if err != nil {
		return nil, &TransactionError{Kind: MalformedResponse, Err: err}
	}
	return pdu, nil
}
