package acquisition

import (
	"fmt"
	"time"

	"meterlink/internal/model"
)

// State is the acquisition state machine:
// Idle -> Connecting -> Polling <-> Degraded -> Disconnected, and
// Disconnected -> Connecting on Reconnect.
type State int

const (
	Idle State = iota
	Connecting
	Polling
	Degraded
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Polling:
		return "polling"
	case Degraded:
		return "degraded"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a copy of the engine state for callers.
type Status struct {
	State               State            `json:"state"`
	Mode                model.SourceMode `json:"mode"`
	Detail              string           `json:"detail,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastSuccess         time.Time        `json:"last_success"`
	Since               time.Time        `json:"since"`
}
