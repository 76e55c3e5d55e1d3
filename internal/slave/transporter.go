package slave

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

// Fault is a one-shot wire failure applied to the next transaction.
type Fault int

const (
	FaultNone Fault = iota
	// FaultBadCRC flips the last CRC byte of the response.
	FaultBadCRC
	// FaultTruncate drops the last three bytes of the response.
	FaultTruncate
	// FaultSilence answers nothing; the read times out.
	FaultSilence
	// FaultWrongSlave answers with another unit id.
	FaultWrongSlave
	// FaultUnplugged fails the write as a closed device would.
	FaultUnplugged
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultBadCRC:
		return "bad-crc"
	case FaultTruncate:
		return "truncate"
	case FaultSilence:
		return "silence"
	case FaultWrongSlave:
		return "wrong-slave"
	case FaultUnplugged:
		return "unplugged"
	}
	return fmt.Sprintf("Fault(%d)", int(f))
}

// Transporter carries RTU frames to a Slave in-process. It satisfies the
// goburrow modbus Transporter interface, so a client can be pointed at it
// instead of a serial port.
type Transporter struct {
	Slave *Slave
	// Delay is added before every response.
	Delay time.Duration
	// Timeout is how long a silent transaction blocks before failing.
	Timeout time.Duration

	mu     sync.Mutex
	faults []Fault
	sticky Fault
	sends  int
	closed bool
}

func NewTransporter(s *Slave) *Transporter {
	return &Transporter{Slave: s, Timeout: 20 * time.Millisecond}
}

// Inject queues faults, one per following transaction.
func (t *Transporter) Inject(faults ...Fault) {
	t.mu.Lock()
	t.faults = append(t.faults, faults...)
	t.mu.Unlock()
}

// Always applies f to every transaction until reset with FaultNone.
func (t *Transporter) Always(f Fault) {
	t.mu.Lock()
	t.sticky = f
	t.mu.Unlock()
}

// SetDelay changes the response delay.
func (t *Transporter) SetDelay(d time.Duration) {
	t.mu.Lock()
	t.Delay = d
	t.mu.Unlock()
}

// Sends returns the number of transactions attempted.
func (t *Transporter) Sends() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sends
}

func (t *Transporter) next() (Fault, time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends++
	f := t.sticky
	if len(t.faults) > 0 {
		f = t.faults[0]
		t.faults = t.faults[1:]
	}
	return f, t.Delay, t.closed
}

// Send implements modbus.Transporter.
func (t *Transporter) Send(adu []byte) ([]byte, error) {
	fault, delay, closed := t.next()
	if closed || fault == FaultUnplugged {
		return nil, fmt.Errorf("write %s: %w", "inproc", os.ErrClosed)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if fault == FaultSilence {
		time.Sleep(t.Timeout)
		return nil, serial.ErrTimeout
	}

	resp, ok := t.Slave.HandleRTU(adu)
	if !ok {
		// a real line stays quiet on frames it drops
		time.Sleep(t.Timeout)
		return nil, serial.ErrTimeout
	}
	switch fault {
	case FaultBadCRC:
		resp[len(resp)-1] ^= 0xFF
	case FaultTruncate:
		resp = resp[:len(resp)-3]
	case FaultWrongSlave:
		resp[0]++
	}
	return resp, nil
}

func (t *Transporter) Connect() error {
	t.mu.Lock()
	t.closed = false
	t.mu.Unlock()
	return nil
}

func (t *Transporter) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
