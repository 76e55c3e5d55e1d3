// Package slave emulates a Modbus meter: a holding-register store answering
// read requests over RTU frames, Modbus TCP, or in-process.
package slave

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
)

const (
	functionReadHoldingRegs = 0x03

	ExceptionIllegalFunction = 0x01
	ExceptionIllegalDataAddr = 0x02
	ExceptionIllegalDataVal  = 0x03
	ExceptionDeviceFailure   = 0x04
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
)

// Slave is a register store with a unit id.
type Slave struct {
	ID byte

	mu        sync.RWMutex
	holding   []uint16
	exception byte
	requests  int
}

// New constructs a slave with a full 64k holding-register space.
func New(id byte) *Slave {
	if id == 0 {
		id = 1
	}
	return &Slave{ID: id, holding: make([]uint16, 65536)}
}

// SetHolding updates a holding register value.
func (s *Slave) SetHolding(address uint16, value uint16) {
	s.mu.Lock()
	s.holding[address] = value
	s.mu.Unlock()
}

// Holding returns the current holding register value at address.
func (s *Slave) Holding(address uint16) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holding[address]
}

// SetFloat32 writes v as two big-endian words at address (ABCD order).
func (s *Slave) SetFloat32(address uint16, v float32) {
	u := math.Float32bits(v)
	s.mu.Lock()
	s.holding[address] = uint16(u >> 16)
	s.holding[address+1] = uint16(u)
	s.mu.Unlock()
}

// SetException makes every following request fail with code. Zero clears it.
func (s *Slave) SetException(code byte) {
	s.mu.Lock()
	s.exception = code
	s.mu.Unlock()
}

// Requests returns how many PDUs the slave has answered.
func (s *Slave) Requests() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests
}

// HandlePDU returns the response PDU for a request PDU (no address, no CRC).
func (s *Slave) HandlePDU(pdu []byte) []byte {
	s.mu.Lock()
	s.requests++
	forced := s.exception
	s.mu.Unlock()

	if len(pdu) == 0 {
		return exceptionResponse(0, ExceptionIllegalFunction)
	}
	function := pdu[0]
	if forced != 0 {
		return exceptionResponse(function, forced)
	}
	switch function {
	case functionReadHoldingRegs:
		data, err := s.readRegisters(pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte{function, byte(len(data))}, data...)
	default:
		return exceptionResponse(function, ExceptionIllegalFunction)
	}
}

func (s *Slave) readRegisters(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > 125 {
		return nil, errInvalidQty
	}
	end := int(start) + int(quantity)
	if end > len(s.holding) {
		return nil, errOutOfRange
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]byte, quantity*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:(i+1)*2], s.holding[int(start)+i])
	}
	return result, nil
}

func exceptionResponse(function byte, code byte) []byte {
	if function == 0 {
		function = 0x80
	} else {
		function = function | 0x80
	}
	return []byte{function, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return ExceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty):
		return ExceptionIllegalDataVal
	case errors.Is(err, errInvalidPDULen):
		return ExceptionIllegalDataVal
	default:
		return ExceptionIllegalFunction
	}
}
