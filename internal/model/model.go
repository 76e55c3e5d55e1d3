package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Quantity is a physical measurement that may be absent.
// The zero value is "not measured", which is distinct from a measured 0.
type Quantity struct {
	v  float64
	ok bool
}

// Measured wraps v. Non-finite values (NaN, ±Inf) are treated as not measured,
// which is how meters report unsupported registers.
func Measured(v float64) Quantity {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Quantity{}
	}
	return Quantity{v: v, ok: true}
}

// NotMeasured is the explicit absent marker.
func NotMeasured() Quantity { return Quantity{} }

func (q Quantity) Value() (float64, bool) { return q.v, q.ok }
func (q Quantity) IsMeasured() bool       { return q.ok }

// Or returns the value, or def when not measured.
func (q Quantity) Or(def float64) float64 {
	if !q.ok {
		return def
	}
	return q.v
}

func (q Quantity) String() string {
	if !q.ok {
		return "n/a"
	}
	return fmt.Sprintf("%g", q.v)
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	if !q.ok {
		return []byte("null"), nil
	}
	return json.Marshal(q.v)
}

func (q *Quantity) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*q = Quantity{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*q = Measured(v)
	return nil
}

// SourceMode tells where a reading came from.
type SourceMode int

const (
	SourceHardware SourceMode = iota
	SourceSimulated
)

func (m SourceMode) String() string {
	switch m {
	case SourceHardware:
		return "hardware"
	case SourceSimulated:
		return "simulated"
	default:
		return fmt.Sprintf("SourceMode(%d)", int(m))
	}
}

func (m SourceMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *SourceMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "hardware":
		*m = SourceHardware
	case "simulated":
		*m = SourceSimulated
	default:
		return fmt.Errorf("unknown source mode %q", string(b))
	}
	return nil
}

// Phase indexes the three-element per-phase arrays.
const (
	L1 = 0
	L2 = 1
	L3 = 2
)

// Reading is one normalized sample of the meter. It holds no references,
// so a copy can never be changed through another copy.
type Reading struct {
	ID        uuid.UUID  `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Source    SourceMode `json:"source"`

	VoltageLN [3]Quantity `json:"voltage_ln"` // V, L1-N L2-N L3-N
	VoltageLL [3]Quantity `json:"voltage_ll"` // V, L1-L2 L2-L3 L3-L1
	Current   [3]Quantity `json:"current"`    // A

	ActivePower   Quantity `json:"active_power"`   // W
	ReactivePower Quantity `json:"reactive_power"` // var
	ApparentPower Quantity `json:"apparent_power"` // VA
	Frequency     Quantity `json:"frequency"`      // Hz
	PowerFactor   Quantity `json:"power_factor"`

	PhaseActivePower   [3]Quantity `json:"phase_active_power"`
	PhaseReactivePower [3]Quantity `json:"phase_reactive_power"`
	PhaseApparentPower [3]Quantity `json:"phase_apparent_power"`
	PhasePowerFactor   [3]Quantity `json:"phase_power_factor"`

	// Total harmonic distortion per phase, %.
	THDVoltage [3]Quantity `json:"thd_voltage"`
	THDCurrent [3]Quantity `json:"thd_current"`

	AverageVoltageLN Quantity `json:"average_voltage_ln"`
	AverageVoltageLL Quantity `json:"average_voltage_ll"`
	AverageCurrent   Quantity `json:"average_current"`
	// Amplitude unbalance, %.
	VoltageUnbalance Quantity `json:"voltage_unbalance"`
	CurrentUnbalance Quantity `json:"current_unbalance"`

	ActiveEnergy   Quantity `json:"active_energy"`   // Wh
	ReactiveEnergy Quantity `json:"reactive_energy"` // varh
}

// NewReading returns an empty reading with a fresh ID. All quantities start
// out not measured.
func NewReading(ts time.Time, src SourceMode) Reading {
	return Reading{ID: uuid.New(), Timestamp: ts, Source: src}
}

// IsZero reports whether r is the zero Reading (no sample).
func (r Reading) IsZero() bool { return r.ID == uuid.Nil && r.Timestamp.IsZero() }
