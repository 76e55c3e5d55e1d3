// Package rtu holds Modbus RTU framing helpers shared by the meter client and
// the slave emulator.
package rtu

import "encoding/binary"

const (
	// MinFrameSize is slave id + function + CRC.
	MinFrameSize = 4
	// MaxFrameSize is the largest RTU ADU.
	MaxFrameSize = 256
	// ExceptionFrameSize is slave id + function + code + CRC.
	ExceptionFrameSize = 5
)

// CRC16 computes the Modbus RTU CRC16 over data.
func CRC16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if (crc & 0x0001) != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc = crc >> 1
			}
		}
	}
	return crc
}

// AppendCRC appends the CRC of frame, low byte first.
func AppendCRC(frame []byte) []byte {
	var tail [2]byte
	binary.LittleEndian.PutUint16(tail[:], CRC16(frame))
	return append(frame, tail[:]...)
}

// ValidCRC reports whether the trailing two bytes of adu match its CRC.
func ValidCRC(adu []byte) bool {
	if len(adu) < 3 {
		return false
	}
	n := len(adu) - 2
	return binary.LittleEndian.Uint16(adu[n:]) == CRC16(adu[:n])
}

// ExpectedResponseSize returns the full ADU length implied by a response header,
// or 0 if the header is too short to tell. req is the request ADU.
func ExpectedResponseSize(req, resp []byte) int {
	if len(req) < 2 || len(resp) < 3 {
		return 0
	}
	fn := req[1]
	switch resp[1] {
	case fn | 0x80:
		return ExceptionFrameSize
	case fn:
	default:
		return 0
	}
	switch fn {
	case 0x01, 0x02, 0x03, 0x04:
		return 3 + int(resp[2]) + 2
	case 0x05, 0x06, 0x0F, 0x10:
		return 8
	}
	return 0
}
