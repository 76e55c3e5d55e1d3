package slave

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterlink/internal/rtu"
)

func readReq(slave byte, start, qty uint16) []byte {
	return rtu.AppendCRC([]byte{slave, 0x03, byte(start >> 8), byte(start), byte(qty >> 8), byte(qty)})
}

func TestHandleRTUReadHolding(t *testing.T) {
	t.Parallel()
	s := New(1)
	s.SetHolding(10, 0x1234)
	s.SetFloat32(11, 230.5)

	resp, ok := s.HandleRTU(readReq(1, 10, 3))
	require.True(t, ok)
	require.True(t, rtu.ValidCRC(resp))
	assert.Equal(t, []byte{0x01, 0x03, 0x06, 0x12, 0x34, 0x43, 0x66, 0x80, 0x00}, resp[:9])
	assert.Equal(t, 1, s.Requests())
}

func TestHandleRTUDropsBadFrames(t *testing.T) {
	t.Parallel()
	s := New(1)

	bad := readReq(1, 0, 1)
	bad[len(bad)-1] ^= 0x01
	_, ok := s.HandleRTU(bad)
	assert.False(t, ok)

	_, ok = s.HandleRTU(readReq(2, 0, 1))
	assert.False(t, ok)
}

func TestHandleRTUExceptions(t *testing.T) {
	t.Parallel()
	s := New(1)

	resp, ok := s.HandleRTU(readReq(1, 0, 200))
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x83, ExceptionIllegalDataVal}, resp[:3])

	s.SetException(ExceptionDeviceFailure)
	resp, ok = s.HandleRTU(readReq(1, 0, 1))
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x83, ExceptionDeviceFailure}, resp[:3])

	s.SetException(0)
	resp, ok = s.HandleRTU(rtu.AppendCRC([]byte{0x01, 0x06, 0, 0, 0, 1}))
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x86, ExceptionIllegalFunction}, resp[:3])
}

func TestServeRTUOverStream(t *testing.T) {
	t.Parallel()
	s := New(3)
	s.SetHolding(0, 42)

	server, client := net.Pipe()
	defer server.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.ServeRTU(ctx, server) }()

	_, err := client.Write(readReq(3, 0, 1))
	require.NoError(t, err)
	buf := make([]byte, 7)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x03, 0x02, 0x00, 0x2A}, buf[:5])
	assert.True(t, rtu.ValidCRC(buf))

	client.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ServeRTU did not return after the stream closed")
	}
}

func TestTCPServerWithGoburrowClient(t *testing.T) {
	t.Parallel()
	s := New(1)
	s.SetHolding(5, 7)
	srv, err := ListenTCP("127.0.0.1:0", s)
	require.NoError(t, err)
	defer srv.Close()

	h := mb.NewTCPClientHandler(srv.Addr())
	h.SlaveId = 1
	h.Timeout = time.Second
	require.NoError(t, h.Connect())
	defer h.Close()

	data, err := mb.NewClient(h).ReadHoldingRegisters(5, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x07}, data)
}

func TestTransporterFaults(t *testing.T) {
	t.Parallel()
	s := New(1)
	tr := NewTransporter(s)
	tr.Timeout = time.Millisecond

	tr.Inject(FaultBadCRC, FaultTruncate, FaultSilence, FaultWrongSlave, FaultUnplugged)

	resp, err := tr.Send(readReq(1, 0, 2))
	require.NoError(t, err)
	assert.False(t, rtu.ValidCRC(resp))

	resp, err = tr.Send(readReq(1, 0, 2))
	require.NoError(t, err)
	assert.Len(t, resp, 6)

	_, err = tr.Send(readReq(1, 0, 2))
	assert.True(t, errors.Is(err, serial.ErrTimeout))

	resp, err = tr.Send(readReq(1, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, byte(2), resp[0])

	_, err = tr.Send(readReq(1, 0, 2))
	assert.Error(t, err)

	resp, err = tr.Send(readReq(1, 0, 2))
	require.NoError(t, err)
	assert.True(t, rtu.ValidCRC(resp))
	assert.Equal(t, 6, tr.Sends())
}
