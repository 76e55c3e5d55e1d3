// Package acquisition drives the polling cadence: it asks the source selector
// for a source, polls it on every tick, keeps the history buffer and tracks
// the engine state. Poll failures never reach the caller; they become state
// transitions with an error detail.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meterlink/internal/config"
	"meterlink/internal/history"
	"meterlink/internal/meter"
	"meterlink/internal/metrics"
	"meterlink/internal/model"
	"meterlink/internal/source"
)

var (
	ErrStarted    = errors.New("scheduler already started")
	ErrNotStarted = errors.New("scheduler not started")
)

// Selector picks the source for a session.
type Selector interface {
	Select(ctx context.Context, cfg config.Connection, demo bool) (source.Source, model.SourceMode)
}

type Options struct {
	// Selector defaults to a source.Selector with the default probe.
	Selector         Selector
	FailureThreshold int
	HistorySize      int
	Logger           *zap.SugaredLogger
	Now              func() time.Time
}

// Scheduler is the acquisition engine. Tick and Reconnect are serialized so
// only one transaction ever targets the source; accessors never block on I/O.
type Scheduler struct {
	sel       Selector
	threshold int
	log       *zap.SugaredLogger
	now       func() time.Time
	history   *history.Buffer

	pollMu sync.Mutex

	mu       sync.RWMutex
	cfg      config.Connection
	demo     bool
	started  bool
	sessions int
	src      source.Source
	status   Status
	latest   model.Reading
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		sel:       opts.Selector,
		threshold: opts.FailureThreshold,
		log:       opts.Logger,
		now:       opts.Now,
		history:   history.New(opts.HistorySize),
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.sel == nil {
		s.sel = source.NewSelector(source.Options{Logger: s.log})
	}
	if s.threshold <= 0 {
		s.threshold = config.DefaultFailureThreshold
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.status = Status{State: Idle, Since: s.now()}
	return s
}

// Start validates cfg, selects a source, opens it and performs the first
// read. Only configuration problems are returned; everything else is
// reported through Status.
func (s *Scheduler) Start(ctx context.Context, cfg config.Connection, demo bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.cfg = cfg
	s.demo = demo
	s.started = true
	s.mu.Unlock()

	s.connect(ctx)
	return nil
}

// Reconnect closes the current source, selects again and performs a first
// read. A change of source mode clears the history.
func (s *Scheduler) Reconnect(ctx context.Context) error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	s.closeSource()
	s.connect(ctx)

	result := metrics.ResultSuccess
	if s.Status().State != Polling {
		result = metrics.ResultError
	}
	metrics.IncReconnect(result)
	return nil
}

// connect runs with pollMu held.
func (s *Scheduler) connect(ctx context.Context) {
	s.mu.RLock()
	cfg, demo := s.cfg, s.demo
	s.mu.RUnlock()

	s.transition(Connecting, "")
	src, mode := s.sel.Select(ctx, cfg, demo)

	s.mu.Lock()
	if s.sessions > 0 && mode != s.status.Mode {
		s.history.Reset()
		s.latest = model.Reading{}
		s.log.Infow("source mode changed, history cleared", "from", s.status.Mode, "to", mode)
	}
	s.sessions++
	s.status.Mode = mode
	s.status.ConsecutiveFailures = 0
	s.mu.Unlock()
	metrics.SetHistoryLength(s.history.Len())

	if err := src.Open(ctx); err != nil {
		_ = src.Close()
		s.transition(Disconnected, fmt.Sprintf("open: %v", err))
		return
	}
	s.mu.Lock()
	s.src = src
	s.mu.Unlock()

	r, err := s.poll(ctx, src)
	if err != nil {
		s.closeSource()
		s.transition(Disconnected, fmt.Sprintf("first read: %v", err))
		return
	}
	s.record(r)
}

// Tick performs one poll bounded by the poll interval. It does nothing unless
// the engine is Polling or Degraded.
func (s *Scheduler) Tick(ctx context.Context) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	s.mu.RLock()
	state, src := s.status.State, s.src
	s.mu.RUnlock()
	if src == nil || (state != Polling && state != Degraded) {
		return
	}

	r, err := s.poll(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down; not a meter fault
			return
		}
		s.fail(err)
		return
	}
	s.record(r)
}

func (s *Scheduler) poll(ctx context.Context, src source.Source) (model.Reading, error) {
	s.mu.RLock()
	interval, mode := s.cfg.PollInterval, s.status.Mode
	s.mu.RUnlock()

	pctx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()
	start := time.Now()
	r, err := src.Poll(pctx)
	metrics.ObservePoll(mode.String(), resultLabel(err), time.Since(start))
	return r, err
}

func (s *Scheduler) record(r model.Reading) {
	s.history.Push(r)
	metrics.SetHistoryLength(s.history.Len())

	s.mu.Lock()
	s.latest = r
	s.status.ConsecutiveFailures = 0
	s.status.LastSuccess = s.now()
	s.mu.Unlock()
	s.transition(Polling, "")
}

func (s *Scheduler) fail(err error) {
	if !transient(err) {
		s.closeSource()
		s.transition(Disconnected, err.Error())
		return
	}

	s.mu.Lock()
	s.status.ConsecutiveFailures++
	n := s.status.ConsecutiveFailures
	s.mu.Unlock()

	if n >= s.threshold {
		s.closeSource()
		s.transition(Disconnected, fmt.Sprintf("%d consecutive failures, last: %v", n, err))
		return
	}
	s.transition(Degraded, err.Error())
}

func transient(err error) bool {
	return meter.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func resultLabel(err error) string {
	if err == nil {
		return metrics.ResultSuccess
	}
	var te *meter.TransactionError
	if errors.As(err, &te) {
		return te.Kind.String()
	}
	var ce *meter.ConnectionError
	if errors.As(err, &ce) {
		return "connection"
	}
	return metrics.ResultError
}

func (s *Scheduler) transition(state State, detail string) {
	s.mu.Lock()
	prev := s.status.State
	s.status.State = state
	s.status.Detail = detail
	if prev != state {
		s.status.Since = s.now()
	}
	mode := s.status.Mode
	failures := s.status.ConsecutiveFailures
	s.mu.Unlock()

	metrics.SetState(state.String())
	if prev == state {
		return
	}
	switch state {
	case Degraded, Disconnected:
		s.log.Warnw("acquisition state changed", "from", prev, "to", state, "mode", mode, "failures", failures, "detail", detail)
	default:
		s.log.Infow("acquisition state changed", "from", prev, "to", state, "mode", mode)
	}
}

// closeSource releases the active source, if any.
func (s *Scheduler) closeSource() {
	s.mu.Lock()
	src := s.src
	s.src = nil
	s.mu.Unlock()
	if src == nil {
		return
	}
	if err := src.Close(); err != nil {
		s.log.Warnw("close source", "error", err)
	}
}

// Run ticks every poll interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.RLock()
	started, interval := s.started, s.cfg.PollInterval
	s.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// LatestReading returns the most recent successful reading of the session.
func (s *Scheduler) LatestReading() (model.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, !s.latest.IsZero()
}

// History returns up to the buffer capacity of readings, oldest first.
func (s *Scheduler) History() []model.Reading { return s.history.Snapshot() }

// Summary aggregates the current history.
func (s *Scheduler) Summary() history.Summary { return history.Summarize(s.history.Snapshot()) }

func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Close releases the source and returns the engine to Idle.
func (s *Scheduler) Close() error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	s.closeSource()
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.transition(Idle, "")
	return nil
}
