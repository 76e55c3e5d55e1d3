// Package simulator produces synthetic meter readings that wander like a real
// supply: every quantity takes a small bounded random step from its previous
// value, pulled weakly back towards nominal and clamped to its band.
package simulator

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"meterlink/internal/model"
)

// Walk bounds one simulated quantity.
type Walk struct {
	Nominal float64
	Min     float64
	Max     float64
	// MaxStep bounds the change between two successive readings.
	MaxStep float64
}

var (
	Voltage     = Walk{Nominal: 230, Min: 225, Max: 235, MaxStep: 0.5}
	Current     = Walk{Nominal: 10, Min: 8, Max: 12, MaxStep: 0.2}
	Frequency   = Walk{Nominal: 50, Min: 49.9, Max: 50.1, MaxStep: 0.005}
	PowerFactor = Walk{Nominal: 0.85, Min: 0.80, Max: 0.90, MaxStep: 0.005}
	THDVoltage  = Walk{Nominal: 2, Min: 1, Max: 4, MaxStep: 0.1}
	THDCurrent  = Walk{Nominal: 5, Min: 3, Max: 8, MaxStep: 0.2}
)

// reversion is the share of the distance to nominal recovered per step.
const reversion = 0.05

// InitialEnergy is where the active energy counter starts, in Wh.
const InitialEnergy = 1_000_000

// step moves prev by a random delta. The delta is bounded by MaxStep before
// the result is clamped into [Min, Max].
func (w Walk) step(rng *rand.Rand, prev float64) float64 {
	delta := (rng.Float64()*2-1)*w.MaxStep + (w.Nominal-prev)*reversion
	if delta > w.MaxStep {
		delta = w.MaxStep
	} else if delta < -w.MaxStep {
		delta = -w.MaxStep
	}
	return clamp(prev+delta, w.Min, w.Max)
}

// start picks a first value near nominal.
func (w Walk) start(rng *rand.Rand) float64 {
	return clamp(w.Nominal+(rng.Float64()*2-1)*w.MaxStep, w.Min, w.Max)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// DerivePower returns active, reactive and apparent power for one phase.
func DerivePower(v, i, pf float64) (p, q, s float64) {
	s = v * i
	p = s * pf
	q = math.Sqrt(math.Max(0, s*s-p*p))
	return p, q, s
}

type Options struct {
	Seed   int64
	Phases int
	// Now is the clock stamped on readings. Defaults to time.Now.
	Now func() time.Time
}

// Simulator generates readings. It is safe for concurrent use.
type Simulator struct {
	phases int
	now    func() time.Time

	mu   sync.Mutex
	rng  *rand.Rand
	prev *model.Reading
}

func New(opts Options) *Simulator {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	phases := opts.Phases
	if phases != 1 {
		phases = 3
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Simulator{phases: phases, now: now, rng: rand.New(rand.NewSource(seed))}
}

// Next generates a reading that follows prev, or a fresh one near nominal
// when prev is nil. It never fails.
func (s *Simulator) Next(prev *model.Reading) model.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next(prev)
}

func (s *Simulator) next(prev *model.Reading) model.Reading {
	ts := s.now()
	r := model.NewReading(ts, model.SourceSimulated)

	walk := func(w Walk, q model.Quantity) model.Quantity {
		if prev == nil || !q.IsMeasured() {
			return model.Measured(w.start(s.rng))
		}
		v, _ := q.Value()
		return model.Measured(w.step(s.rng, v))
	}
	var from model.Reading
	if prev != nil {
		from = *prev
	}

	var pSum, qSum, sSum float64
	for ph := 0; ph < s.phases; ph++ {
		r.VoltageLN[ph] = walk(Voltage, from.VoltageLN[ph])
		r.Current[ph] = walk(Current, from.Current[ph])
		r.THDVoltage[ph] = walk(THDVoltage, from.THDVoltage[ph])
		r.THDCurrent[ph] = walk(THDCurrent, from.THDCurrent[ph])
	}
	r.Frequency = walk(Frequency, from.Frequency)
	r.PowerFactor = walk(PowerFactor, from.PowerFactor)

	pf := r.PowerFactor.Or(PowerFactor.Nominal)
	for ph := 0; ph < s.phases; ph++ {
		p, q, sv := DerivePower(r.VoltageLN[ph].Or(0), r.Current[ph].Or(0), pf)
		r.PhaseActivePower[ph] = model.Measured(p)
		r.PhaseReactivePower[ph] = model.Measured(q)
		r.PhaseApparentPower[ph] = model.Measured(sv)
		r.PhasePowerFactor[ph] = model.Measured(pf)
		pSum += p
		qSum += q
		sSum += sv
	}
	r.ActivePower = model.Measured(pSum)
	r.ReactivePower = model.Measured(qSum)
	r.ApparentPower = model.Measured(sSum)

	if s.phases == 3 {
		// line voltage between two phasors 120° apart
		for k := 0; k < 3; k++ {
			a, b := r.VoltageLN[k].Or(0), r.VoltageLN[(k+1)%3].Or(0)
			r.VoltageLL[k] = model.Measured(math.Sqrt(a*a + b*b + a*b))
		}
		r.AverageVoltageLL = average(r.VoltageLL[:])
		r.VoltageUnbalance = unbalance(r.VoltageLN[:])
		r.CurrentUnbalance = unbalance(r.Current[:])
	}
	r.AverageVoltageLN = average(r.VoltageLN[:s.phases])
	r.AverageCurrent = average(r.Current[:s.phases])

	ea, er := float64(InitialEnergy), 0.0
	if prev != nil && from.ActiveEnergy.IsMeasured() {
		ea = from.ActiveEnergy.Or(0)
		er = from.ReactiveEnergy.Or(0)
		if dt := ts.Sub(from.Timestamp).Hours(); dt > 0 {
			ea += pSum * dt
			er += qSum * dt
		}
	}
	r.ActiveEnergy = model.Measured(ea)
	r.ReactiveEnergy = model.Measured(er)
	return r
}

func average(qs []model.Quantity) model.Quantity {
	var sum float64
	for _, q := range qs {
		sum += q.Or(0)
	}
	return model.Measured(sum / float64(len(qs)))
}

// unbalance is the largest deviation from the phase average, in percent.
func unbalance(qs []model.Quantity) model.Quantity {
	avg := average(qs).Or(0)
	if avg == 0 {
		return model.NotMeasured()
	}
	var dev float64
	for _, q := range qs {
		dev = math.Max(dev, math.Abs(q.Or(0)-avg))
	}
	return model.Measured(dev / avg * 100)
}

// Open does nothing; the simulator owns no external resource.
func (s *Simulator) Open(context.Context) error { return nil }

// Poll returns the reading following the previous Poll. It never fails.
func (s *Simulator) Poll(context.Context) (model.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.next(s.prev)
	s.prev = &r
	return r, nil
}

func (s *Simulator) Close() error { return nil }
