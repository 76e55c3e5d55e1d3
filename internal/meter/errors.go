package meter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	mb "github.com/goburrow/modbus"
	"github.com/goburrow/serial"
)

// Kind classifies a failed transaction.
type Kind int

const (
	Timeout Kind = iota + 1
	ChecksumMismatch
	MalformedResponse
	SlaveException
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ChecksumMismatch:
		return "checksum mismatch"
	case MalformedResponse:
		return "malformed response"
	case SlaveException:
		return "slave exception"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// TransactionError is a protocol-level failure of one poll.
type TransactionError struct {
	Kind Kind
	// Code is the Modbus exception code for SlaveException.
	Code byte
	Op   string
	Err  error
}

func (e *TransactionError) Error() string {
	msg := e.Kind.String()
	if e.Kind == SlaveException {
		msg = fmt.Sprintf("%s 0x%02X", msg, e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransactionError) Unwrap() error { return e.Err }

// Transient reports whether the next poll may succeed without reconnecting.
func (e *TransactionError) Transient() bool { return e.Kind != SlaveException }

// ConnectionError means the channel cannot be opened or is gone.
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrClosed is returned by Poll after Close.
var ErrClosed = errors.New("client closed")

// IsTransient reports whether err is a TransactionError worth retrying.
func IsTransient(err error) bool {
	var te *TransactionError
	return errors.As(err, &te) && te.Transient()
}

// classify maps an error from the goburrow client onto the error taxonomy.
func classify(op, port string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransactionError
	if errors.As(err, &te) {
		if te.Op == "" {
			te.Op = op
		}
		return te
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	var me *mb.ModbusError
	if errors.As(err, &me) {
		return &TransactionError{Kind: SlaveException, Code: me.ExceptionCode, Op: op, Err: err}
	}
	if isTimeout(err) {
		return &TransactionError{Kind: Timeout, Op: op, Err: err}
	}
	if isConnectionLoss(err) {
		return &ConnectionError{Port: port, Err: fmt.Errorf("%s: %w", op, err)}
	}
	// goburrow reports framing problems as plain errors
	return &TransactionError{Kind: MalformedResponse, Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnectionLoss(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return true
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
