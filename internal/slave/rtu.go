package slave

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goburrow/serial"

	"meterlink/internal/rtu"
)

// HandleRTU answers one RTU request frame. ok is false when the frame must be
// dropped silently: bad CRC or another unit's address.
func (s *Slave) HandleRTU(adu []byte) (resp []byte, ok bool) {
	if len(adu) < rtu.MinFrameSize || !rtu.ValidCRC(adu) {
		return nil, false
	}
	if adu[0] != s.ID {
		return nil, false
	}
	pdu := adu[1 : len(adu)-2]
	out := append([]byte{adu[0]}, s.HandlePDU(pdu)...)
	return rtu.AppendCRC(out), true
}

// ServeRTU processes RTU frames from a stream (serial port or socket) until
// ctx ends or the stream fails. Read timeouts on an idle serial line are not
// errors.
func (s *Slave) ServeRTU(ctx context.Context, rw io.ReadWriter) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		req, err := readRequest(rw)
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if req == nil {
			continue
		}
		resp, ok := s.HandleRTU(req)
		if !ok {
			continue
		}
		if _, err := rw.Write(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// readRequest reads one request frame. It returns a nil frame for function
// codes whose length cannot be determined; the caller drops those.
func readRequest(r io.Reader) ([]byte, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	fn := head[1]
	switch fn {
	case 0x01, 0x02, 0x03, 0x04, 0x05, 0x06:
		// start(2) + qty/value(2) + crc(2)
		rest := make([]byte, 6)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
		return append(head, rest...), nil
	case 0x0F, 0x10:
		// start(2) + qty(2) + byte count(1), then payload and crc
		hdr := make([]byte, 5)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return nil, err
		}
		tail := make([]byte, int(hdr[4])+2)
		if _, err := io.ReadFull(r, tail); err != nil {
			return nil, err
		}
		return append(append(head, hdr...), tail...), nil
	default:
		return nil, nil
	}
}
