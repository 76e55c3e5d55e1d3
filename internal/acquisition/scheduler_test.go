package acquisition

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meterlink/internal/config"
	"meterlink/internal/meter"
	"meterlink/internal/model"
	"meterlink/internal/slave"
	"meterlink/internal/source"
)

// scripted is a source whose poll outcomes are queued up front. Once the
// script runs out every poll succeeds.
type scripted struct {
	mode model.SourceMode

	mu      sync.Mutex
	script  []error
	openErr error
	polls   int
	closes  int
	block   bool
}

func (f *scripted) Open(context.Context) error { return f.openErr }

func (f *scripted) Poll(ctx context.Context) (model.Reading, error) {
	f.mu.Lock()
	f.polls++
	block := f.block
	var err error
	if len(f.script) > 0 {
		err, f.script = f.script[0], f.script[1:]
	}
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return model.Reading{}, ctx.Err()
	}
	if err != nil {
		return model.Reading{}, err
	}
	return model.NewReading(time.Now(), f.mode), nil
}

func (f *scripted) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *scripted) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type choice struct {
	src  source.Source
	mode model.SourceMode
}

// stubSelector hands out sources in order, repeating the last one.
type stubSelector struct {
	mu      sync.Mutex
	choices []choice
	calls   int
}

func (s *stubSelector) Select(context.Context, config.Connection, bool) (source.Source, model.SourceMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.choices[min(s.calls, len(s.choices)-1)]
	s.calls++
	return c.src, c.mode
}

func timeoutErr() error {
	return &meter.TransactionError{Kind: meter.Timeout, Op: "read block 1+18", Err: errors.New("serial: timeout")}
}

func testConn() config.Connection {
	cfg := config.DefaultConnection()
	cfg.Port = "/dev/ttyTEST"
	cfg.PollInterval = 200 * time.Millisecond
	return cfg
}

func startWith(t *testing.T, choices ...choice) *Scheduler {
	t.Helper()
	s := New(Options{Selector: &stubSelector{choices: choices}})
	require.NoError(t, s.Start(context.Background(), testConn(), false))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestThreeConsecutiveTimeoutsDisconnect(t *testing.T) {
	t.Parallel()
	sl := slave.New(1)
	meter.PAC3200().Encode(model.NewReading(time.Now(), model.SourceHardware), sl.SetHolding)
	tr := slave.NewTransporter(sl)
	tr.Timeout = 5 * time.Millisecond

	cfg := testConn()
	client, err := meter.NewWithHandler(cfg, meter.NewHandler(meter.RTUPackager(1), tr), nil)
	require.NoError(t, err)

	s := startWith(t, choice{client, model.SourceHardware})
	require.Equal(t, Polling, s.Status().State)
	require.Equal(t, model.SourceHardware, s.Status().Mode)
	first, ok := s.LatestReading()
	require.True(t, ok)

	tr.Always(slave.FaultSilence)
	ctx := context.Background()

	s.Tick(ctx)
	assert.Equal(t, Degraded, s.Status().State)
	assert.Equal(t, 1, s.Status().ConsecutiveFailures)
	assert.Contains(t, s.Status().Detail, "timeout")

	s.Tick(ctx)
	assert.Equal(t, Degraded, s.Status().State)

	s.Tick(ctx)
	st := s.Status()
	assert.Equal(t, Disconnected, st.State)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Contains(t, st.Detail, "3 consecutive failures")

	latest, ok := s.LatestReading()
	require.True(t, ok)
	assert.Equal(t, first.ID, latest.ID)
	assert.Len(t, s.History(), 1)

	sends := tr.Sends()
	s.Tick(ctx)
	assert.Equal(t, sends, tr.Sends(), "ticks while disconnected must not poll")
}

func TestTransientFailureThenSuccessReturnsToPolling(t *testing.T) {
	t.Parallel()
	src := &scripted{mode: model.SourceHardware, script: []error{nil, timeoutErr(), nil}}
	s := startWith(t, choice{src, model.SourceHardware})
	first, _ := s.LatestReading()

	s.Tick(context.Background())
	assert.Equal(t, Degraded, s.Status().State)
	latest, ok := s.LatestReading()
	require.True(t, ok)
	assert.Equal(t, first.ID, latest.ID, "degraded keeps the last good reading")
	assert.Len(t, s.History(), 1)

	s.Tick(context.Background())
	st := s.Status()
	assert.Equal(t, Polling, st.State)
	assert.Empty(t, st.Detail)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Len(t, s.History(), 2)
}

func TestFatalErrorsDisconnectImmediately(t *testing.T) {
	t.Parallel()
	cases := map[string]error{
		"slave exception": &meter.TransactionError{Kind: meter.SlaveException, Code: 0x02},
		"connection":      &meter.ConnectionError{Port: "/dev/ttyTEST", Err: errors.New("device unplugged")},
	}
	for name, failure := range cases {
		failure := failure
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			src := &scripted{mode: model.SourceHardware, script: []error{nil, failure}}
			s := startWith(t, choice{src, model.SourceHardware})

			s.Tick(context.Background())
			st := s.Status()
			assert.Equal(t, Disconnected, st.State)
			assert.Equal(t, failure.Error(), st.Detail)
			assert.Equal(t, 1, src.closeCount())
		})
	}
}

func TestUnreachablePortFallsBackToSimulator(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConnection()
	cfg.Port = filepath.Join(t.TempDir(), "ttyUSB0")
	cfg.PollInterval = 50 * time.Millisecond

	s := New(Options{})
	require.NoError(t, s.Start(context.Background(), cfg, false))
	defer s.Close()

	st := s.Status()
	assert.Equal(t, Polling, st.State)
	assert.Equal(t, model.SourceSimulated, st.Mode)
	r, ok := s.LatestReading()
	require.True(t, ok)
	assert.Equal(t, model.SourceSimulated, r.Source)

	s.Tick(context.Background())
	assert.Len(t, s.History(), 2)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConn()
	cfg.PollInterval = 0
	s := New(Options{Selector: &stubSelector{choices: []choice{{&scripted{}, model.SourceSimulated}}}})

	err := s.Start(context.Background(), cfg, false)
	var cerr *config.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, Idle, s.Status().State)

	assert.ErrorIs(t, s.Reconnect(context.Background()), ErrNotStarted)
	assert.ErrorIs(t, s.Run(context.Background()), ErrNotStarted)
}

func TestStartRejectsUnknownRegisterName(t *testing.T) {
	t.Parallel()
	cfg := testConn()
	cfg.Registers = []config.Point{
		{Address: 1, Name: "voltage_l1n"},
		{Address: 3, Name: "voltage_l1_n"},
	}
	sel := &stubSelector{choices: []choice{{&scripted{}, model.SourceSimulated}}}
	s := New(Options{Selector: sel})

	err := s.Start(context.Background(), cfg, false)
	var cerr *config.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "meter.registers[1].name", cerr.Field)
	assert.Equal(t, Idle, s.Status().State)
	assert.Zero(t, sel.calls)
}

func TestMeterBindFailureDisconnectsInsteadOfSimulating(t *testing.T) {
	t.Parallel()
	sel := source.NewSelector(source.Options{
		Probe: func(context.Context, config.Connection) error { return nil },
		NewMeter: func(config.Connection, *zap.SugaredLogger) (source.Source, error) {
			return nil, errors.New("register map rejected")
		},
	})
	s := New(Options{Selector: sel})
	require.NoError(t, s.Start(context.Background(), testConn(), false))
	defer s.Close()

	st := s.Status()
	assert.Equal(t, Disconnected, st.State)
	assert.Equal(t, model.SourceHardware, st.Mode)
	assert.Contains(t, st.Detail, "bind meter")
	_, ok := s.LatestReading()
	assert.False(t, ok)
}

func TestStartTwice(t *testing.T) {
	t.Parallel()
	s := startWith(t, choice{&scripted{}, model.SourceSimulated})
	assert.ErrorIs(t, s.Start(context.Background(), testConn(), false), ErrStarted)
}

func TestFirstReadOrOpenFailureDisconnects(t *testing.T) {
	t.Parallel()
	s := startWith(t, choice{&scripted{script: []error{timeoutErr()}}, model.SourceHardware})
	assert.Equal(t, Disconnected, s.Status().State)
	assert.Contains(t, s.Status().Detail, "first read")
	_, ok := s.LatestReading()
	assert.False(t, ok)

	s = startWith(t, choice{&scripted{openErr: errors.New("port busy")}, model.SourceHardware})
	assert.Equal(t, Disconnected, s.Status().State)
	assert.Contains(t, s.Status().Detail, "port busy")
}

func TestReconnectRecoversAndClearsHistoryOnModeChange(t *testing.T) {
	t.Parallel()
	hw := &scripted{mode: model.SourceHardware, script: []error{nil, nil, &meter.ConnectionError{Port: "x", Err: errors.New("gone")}}}
	hw2 := &scripted{mode: model.SourceHardware}
	sim := &scripted{mode: model.SourceSimulated}
	sel := &stubSelector{choices: []choice{{hw, model.SourceHardware}, {hw2, model.SourceHardware}, {sim, model.SourceSimulated}}}
	s := New(Options{Selector: sel})
	require.NoError(t, s.Start(context.Background(), testConn(), false))
	defer s.Close()

	s.Tick(context.Background())
	s.Tick(context.Background())
	require.Equal(t, Disconnected, s.Status().State)
	require.Len(t, s.History(), 2)

	// same mode: history is kept
	require.NoError(t, s.Reconnect(context.Background()))
	assert.Equal(t, Polling, s.Status().State)
	assert.Len(t, s.History(), 3)

	// mode change: history restarts with the new source
	require.NoError(t, s.Reconnect(context.Background()))
	assert.Equal(t, 1, hw2.closeCount())
	st := s.Status()
	assert.Equal(t, Polling, st.State)
	assert.Equal(t, model.SourceSimulated, st.Mode)
	h := s.History()
	require.Len(t, h, 1)
	assert.Equal(t, model.SourceSimulated, h[0].Source)
}

func TestPollBoundedByInterval(t *testing.T) {
	t.Parallel()
	src := &scripted{mode: model.SourceHardware}
	cfg := testConn()
	cfg.PollInterval = 20 * time.Millisecond
	s := New(Options{Selector: &stubSelector{choices: []choice{{src, model.SourceHardware}}}})
	require.NoError(t, s.Start(context.Background(), cfg, false))
	defer s.Close()

	src.mu.Lock()
	src.block = true
	src.mu.Unlock()

	start := time.Now()
	s.Tick(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Degraded, s.Status().State)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	t.Parallel()
	cfg := testConn()
	cfg.PollInterval = 10 * time.Millisecond
	s := New(Options{Selector: &stubSelector{choices: []choice{{&scripted{mode: model.SourceSimulated}, model.SourceSimulated}}}})
	require.NoError(t, s.Start(context.Background(), cfg, true))
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.History()) >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NotEmpty(t, s.Summary().Quantities)
}

func TestCloseReturnsToIdle(t *testing.T) {
	t.Parallel()
	src := &scripted{}
	s := New(Options{Selector: &stubSelector{choices: []choice{{src, model.SourceSimulated}}}})
	require.NoError(t, s.Start(context.Background(), testConn(), true))
	require.NoError(t, s.Close())
	assert.Equal(t, Idle, s.Status().State)
	assert.Equal(t, 1, src.closeCount())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, src.closeCount())
}
