package simulator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterlink/internal/model"
)

func fixedClock(start time.Time, step time.Duration) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func TestDerivePower(t *testing.T) {
	t.Parallel()
	p, q, s := DerivePower(230, 10, 0.85)
	assert.InDelta(t, 1955, p, 1e-9)
	assert.InDelta(t, 2300, s, 1e-9)
	assert.InDelta(t, 1211.6, q, 0.1)

	p, q, s = DerivePower(230, 10, 1)
	assert.InDelta(t, 2300, p, 1e-9)
	assert.Equal(t, 0.0, q)
	assert.InDelta(t, 2300, s, 1e-9)
}

func TestNextStaysInBandsAndStepsAreBounded(t *testing.T) {
	t.Parallel()
	sim := New(Options{Seed: 42, Phases: 3, Now: fixedClock(time.Unix(0, 0), 2*time.Second)})

	within := func(w Walk, q model.Quantity) {
		v, ok := q.Value()
		require.True(t, ok)
		require.GreaterOrEqual(t, v, w.Min)
		require.LessOrEqual(t, v, w.Max)
	}
	stepped := func(w Walk, a, b model.Quantity) {
		require.LessOrEqual(t, math.Abs(a.Or(0)-b.Or(0)), w.MaxStep+1e-12)
	}

	var prev *model.Reading
	for i := 0; i < 10000; i++ {
		r := sim.Next(prev)
		for ph := 0; ph < 3; ph++ {
			within(Voltage, r.VoltageLN[ph])
			within(Current, r.Current[ph])
		}
		within(Frequency, r.Frequency)
		within(PowerFactor, r.PowerFactor)
		if prev != nil {
			for ph := 0; ph < 3; ph++ {
				stepped(Voltage, prev.VoltageLN[ph], r.VoltageLN[ph])
				stepped(Current, prev.Current[ph], r.Current[ph])
			}
			stepped(Frequency, prev.Frequency, r.Frequency)
			stepped(PowerFactor, prev.PowerFactor, r.PowerFactor)
			require.GreaterOrEqual(t, r.ActiveEnergy.Or(0), prev.ActiveEnergy.Or(0))
		}
		prev = &r
	}
}

func TestNextDerivesTotalsFromPhases(t *testing.T) {
	t.Parallel()
	sim := New(Options{Seed: 7})
	r := sim.Next(nil)

	var p, q, s float64
	for ph := 0; ph < 3; ph++ {
		pp, qq, ss := DerivePower(r.VoltageLN[ph].Or(0), r.Current[ph].Or(0), r.PowerFactor.Or(0))
		p, q, s = p+pp, q+qq, s+ss
	}
	assert.InDelta(t, p, r.ActivePower.Or(0), 1e-9)
	assert.InDelta(t, q, r.ReactivePower.Or(0), 1e-9)
	assert.InDelta(t, s, r.ApparentPower.Or(0), 1e-9)
	assert.InDelta(t, math.Sqrt(3)*230, r.VoltageLL[0].Or(0), 15)
	assert.Equal(t, float64(InitialEnergy), r.ActiveEnergy.Or(0))
	assert.Equal(t, model.SourceSimulated, r.Source)
}

func TestEnergyAccumulatesOverTime(t *testing.T) {
	t.Parallel()
	sim := New(Options{Seed: 1, Now: fixedClock(time.Unix(0, 0), time.Hour)})
	first := sim.Next(nil)
	second := sim.Next(&first)
	gained := second.ActiveEnergy.Or(0) - first.ActiveEnergy.Or(0)
	assert.InDelta(t, second.ActivePower.Or(0), gained, 1e-6)
}

func TestSinglePhase(t *testing.T) {
	t.Parallel()
	sim := New(Options{Seed: 3, Phases: 1})
	r, err := sim.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, r.VoltageLN[model.L1].IsMeasured())
	assert.False(t, r.VoltageLN[model.L2].IsMeasured())
	assert.False(t, r.Current[model.L3].IsMeasured())
	assert.False(t, r.VoltageLL[0].IsMeasured())
	p, _, _ := DerivePower(r.VoltageLN[model.L1].Or(0), r.Current[model.L1].Or(0), r.PowerFactor.Or(0))
	assert.InDelta(t, p, r.ActivePower.Or(0), 1e-9)
}

func TestSeedIsReproducible(t *testing.T) {
	t.Parallel()
	clock := func() time.Time { return time.Unix(100, 0) }
	a := New(Options{Seed: 99, Now: clock})
	b := New(Options{Seed: 99, Now: clock})
	for i := 0; i < 5; i++ {
		ra, _ := a.Poll(context.Background())
		rb, _ := b.Poll(context.Background())
		assert.Equal(t, ra.VoltageLN, rb.VoltageLN)
		assert.Equal(t, ra.PowerFactor, rb.PowerFactor)
	}
}

func TestPollFollowsPreviousPoll(t *testing.T) {
	t.Parallel()
	sim := New(Options{Seed: 5})
	require.NoError(t, sim.Open(context.Background()))
	a, _ := sim.Poll(context.Background())
	b, _ := sim.Poll(context.Background())
	assert.LessOrEqual(t, math.Abs(a.VoltageLN[0].Or(0)-b.VoltageLN[0].Or(0)), Voltage.MaxStep+1e-12)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NoError(t, sim.Close())
}

func TestNextDerivesPhaseQuantities(t *testing.T) {
	t.Parallel()
	sim := New(Options{Seed: 11})
	var prev *model.Reading
	for i := 0; i < 200; i++ {
		r := sim.Next(prev)
		var sumV, sumI, sumS float64
		for ph := 0; ph < 3; ph++ {
			p, q, s := DerivePower(r.VoltageLN[ph].Or(0), r.Current[ph].Or(0), r.PowerFactor.Or(0))
			require.InDelta(t, p, r.PhaseActivePower[ph].Or(-1), 1e-9)
			require.InDelta(t, q, r.PhaseReactivePower[ph].Or(-1), 1e-9)
			require.InDelta(t, s, r.PhaseApparentPower[ph].Or(-1), 1e-9)
			require.Equal(t, r.PowerFactor, r.PhasePowerFactor[ph])
			require.GreaterOrEqual(t, r.THDVoltage[ph].Or(-1), THDVoltage.Min)
			require.LessOrEqual(t, r.THDCurrent[ph].Or(100), THDCurrent.Max)
			sumV += r.VoltageLN[ph].Or(0)
			sumI += r.Current[ph].Or(0)
			sumS += s
		}
		require.InDelta(t, sumV/3, r.AverageVoltageLN.Or(0), 1e-9)
		require.InDelta(t, sumI/3, r.AverageCurrent.Or(0), 1e-9)
		require.InDelta(t, sumS, r.ApparentPower.Or(0), 1e-9)
		require.True(t, r.AverageVoltageLL.IsMeasured())
		// 225..235 V around a mean in the same band stays under ~4.4 %
		require.Less(t, r.VoltageUnbalance.Or(100), 5.0)
		prev = &r
	}
}

func TestSinglePhaseLeavesPolyphaseQuantitiesNotMeasured(t *testing.T) {
	t.Parallel()
	r := New(Options{Seed: 5, Phases: 1}).Next(nil)
	assert.Equal(t, r.VoltageLN[model.L1], r.AverageVoltageLN)
	assert.Equal(t, r.Current[model.L1], r.AverageCurrent)
	assert.True(t, r.THDVoltage[model.L1].IsMeasured())
	assert.False(t, r.THDVoltage[model.L2].IsMeasured())
	assert.False(t, r.PhaseActivePower[model.L3].IsMeasured())
	assert.False(t, r.AverageVoltageLL.IsMeasured())
	assert.False(t, r.VoltageUnbalance.IsMeasured())
	assert.False(t, r.CurrentUnbalance.IsMeasured())
}
