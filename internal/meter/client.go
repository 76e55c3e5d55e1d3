// Package meter polls an energy meter over Modbus RTU or TCP and turns its
// registers into model.Reading values.
package meter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"
	"go.uber.org/zap"

	"meterlink/internal/config"
	"meterlink/internal/model"
)

var errNotOpen = errors.New("client not open")

// Client owns the connection to one meter.
type Client struct {
	cfg     config.Connection
	regs    RegisterMap
	handler Handler
	client  mb.Client
	addr    string
	log     *zap.SugaredLogger
	now     func() time.Time

	mu       sync.Mutex
	open     bool
	inflight bool
	// pending tracks the transaction goroutine; Close waits on it so an
	// abandoned poll cannot reopen the channel behind a closed client.
	pending sync.WaitGroup
}

// New binds a client to cfg without opening the port.
func New(cfg config.Connection, logger *zap.SugaredLogger) (*Client, error) {
	h, addr, err := newHandler(cfg)
	if err != nil {
		return nil, err
	}
	c, err := NewWithHandler(cfg, h, logger)
	if err != nil {
		return nil, err
	}
	c.addr = addr
	return c, nil
}

// NewWithHandler binds a client to an existing handler.
func NewWithHandler(cfg config.Connection, h Handler, logger *zap.SugaredLogger) (*Client, error) {
	regs, err := ForConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("register map: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := checkedPackager{Packager: h, rtu: cfg.Transport != config.TransportTCP}
	return &Client{
		cfg:     cfg,
		regs:    regs,
		handler: h,
		client:  mb.NewClient2(p, h),
		addr:    cfg.Port,
		log:     logger,
		now:     time.Now,
	}, nil
}

// Open opens cfg's port and returns a ready client.
func Open(ctx context.Context, cfg config.Connection, logger *zap.SugaredLogger) (*Client, error) {
	c, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Open claims the channel. It fails with ConnectionError.
func (c *Client) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Port: c.addr, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil
	}
	if err := c.handler.Connect(); err != nil {
		return &ConnectionError{Port: c.addr, Err: err}
	}
	c.open = true
	c.log.Infow("meter connected", "port", c.addr, "transport", c.cfg.Transport, "slave", c.cfg.SlaveID)
	return nil
}

// Addr is the port or host:port the client talks to.
func (c *Client) Addr() string { return c.addr }

// RegisterMap is the map the client decodes with.
func (c *Client) RegisterMap() RegisterMap { return c.regs }

// Poll reads every register block and assembles one Reading. The
// transaction is abandoned when ctx ends; until it completes on the wire any
// further poll fails with Timeout rather than interleaving frames.
func (c *Client) Poll(ctx context.Context) (model.Reading, error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return model.Reading{}, &ConnectionError{Port: c.addr, Err: errNotOpen}
	}
	if c.inflight {
		c.mu.Unlock()
		return model.Reading{}, &TransactionError{Kind: Timeout, Op: "poll", Err: errors.New("previous transaction still in flight")}
	}
	c.inflight = true
	c.pending.Add(1)
	c.mu.Unlock()

	type result struct {
		r   model.Reading
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer c.pending.Done()
		r, err := c.readAll()
		c.mu.Lock()
		c.inflight = false
		c.mu.Unlock()
		done <- result{r, err}
	}()

	select {
	case res := <-done:
		return res.r, res.err
	case <-ctx.Done():
		return model.Reading{}, &TransactionError{Kind: Timeout, Op: "poll", Err: ctx.Err()}
	}
}

func (c *Client) readAll() (model.Reading, error) {
	r := model.NewReading(c.now(), model.SourceHardware)
	for _, b := range c.regs.Blocks() {
		op := fmt.Sprintf("read block %s", b)
		if !c.isOpen() {
			return model.Reading{}, &ConnectionError{Port: c.addr, Err: fmt.Errorf("%s: %w", op, ErrClosed)}
		}
		data, err := c.client.ReadHoldingRegisters(b.Start, b.Count)
		if err != nil {
			err = classify(op, c.addr, err)
			c.log.Debugw("poll failed", "port", c.addr, "block", b.String(), "error", err)
			return model.Reading{}, err
		}
		if err := decodeBlock(&r, b, data, c.cfg.Phases); err != nil {
			return model.Reading{}, &TransactionError{Kind: MalformedResponse, Op: op, Err: err}
		}
	}
	return r, nil
}

func (c *Client) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Close releases the channel. A transaction still on the wire is allowed to
// finish its current block first. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.mu.Unlock()

	c.pending.Wait()
	if err := c.handler.Close(); err != nil {
		return fmt.Errorf("close %s: %w", c.addr, err)
	}
	c.log.Infow("meter disconnected", "port", c.addr)
	return nil
}
