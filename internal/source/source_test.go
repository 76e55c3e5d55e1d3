package source

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meterlink/internal/config"
	"meterlink/internal/meter"
	"meterlink/internal/model"
	"meterlink/internal/simulator"
)

func TestSelectDemoOverride(t *testing.T) {
	t.Parallel()
	probed := false
	sel := NewSelector(Options{Probe: func(context.Context, config.Connection) error {
		probed = true
		return nil
	}})
	src, mode := sel.Select(context.Background(), config.DefaultConnection(), true)
	assert.Equal(t, model.SourceSimulated, mode)
	assert.IsType(t, &simulator.Simulator{}, src)
	assert.False(t, probed)
}

func TestSelectUnavailablePort(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConnection()
	cfg.Port = filepath.Join(t.TempDir(), "ttyUSB9")
	src, mode := NewSelector(Options{}).Select(context.Background(), cfg, false)
	assert.Equal(t, model.SourceSimulated, mode)
	assert.IsType(t, &simulator.Simulator{}, src)

	src, mode = NewSelector(Options{}).Select(context.Background(), config.DefaultConnection(), false)
	assert.Equal(t, model.SourceSimulated, mode)
	assert.NotNil(t, src)
}

func TestSelectAvailablePort(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConnection()
	cfg.Port = "/dev/ttyFAKE0"
	sel := NewSelector(Options{Probe: func(context.Context, config.Connection) error { return nil }})
	src, mode := sel.Select(context.Background(), cfg, false)
	assert.Equal(t, model.SourceHardware, mode)
	c, ok := src.(*meter.Client)
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyFAKE0", c.Addr())
}

func TestSelectProbeIsBounded(t *testing.T) {
	t.Parallel()
	sel := NewSelector(Options{
		ProbeTimeout: 20 * time.Millisecond,
		Probe: func(ctx context.Context, _ config.Connection) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	start := time.Now()
	_, mode := sel.Select(context.Background(), config.DefaultConnection(), false)
	assert.Equal(t, model.SourceSimulated, mode)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSelectMeterBindFailureStaysHardware(t *testing.T) {
	t.Parallel()
	bindErr := errors.New("bad register map")
	sel := NewSelector(Options{
		Probe: func(context.Context, config.Connection) error { return nil },
		NewMeter: func(config.Connection, *zap.SugaredLogger) (Source, error) {
			return nil, bindErr
		},
	})
	src, mode := sel.Select(context.Background(), config.DefaultConnection(), false)
	assert.Equal(t, model.SourceHardware, mode)
	assert.ErrorIs(t, src.Open(context.Background()), bindErr)
	_, err := src.Poll(context.Background())
	assert.ErrorIs(t, err, bindErr)
	assert.NoError(t, src.Close())
}

func TestSelectSinglePhaseSimulator(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConnection()
	cfg.Phases = 1
	src, _ := NewSelector(Options{}).Select(context.Background(), cfg, true)
	r, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, r.VoltageLN[model.L2].IsMeasured())
}

func TestDefaultProbe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := config.DefaultConnection()
	assert.ErrorIs(t, DefaultProbe(ctx, cfg), errNoPort)

	cfg.Port = filepath.Join(t.TempDir(), "missing")
	assert.True(t, errors.Is(DefaultProbe(ctx, cfg), os.ErrNotExist))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		if c, err := l.Accept(); err == nil {
			c.Close()
		}
	}()
	cfg.Transport = config.TransportTCP
	cfg.Port = l.Addr().String()
	assert.NoError(t, DefaultProbe(ctx, cfg))
}
