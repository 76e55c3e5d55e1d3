package history

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"meterlink/internal/model"
)

// Stats aggregates one quantity over a window. Count is the number of
// measured samples; the other fields are zero when Count is 0.
type Stats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Summary is per-quantity statistics over a window of readings.
type Summary struct {
	Readings   int              `json:"readings"`
	Quantities map[string]Stats `json:"quantities"`
}

// Summarize computes statistics for every reading field, skipping not
// measured values.
func Summarize(readings []model.Reading) Summary {
	fields := model.Fields()
	sum := Summary{Readings: len(readings), Quantities: make(map[string]Stats, len(fields))}
	xs := make([]float64, 0, len(readings))
	for _, f := range fields {
		xs = xs[:0]
		for _, r := range readings {
			if v, ok := f.Get(r).Value(); ok {
				xs = append(xs, v)
			}
		}
		sum.Quantities[f.Name] = describe(xs)
	}
	return sum
}

func describe(xs []float64) Stats {
	if len(xs) == 0 {
		return Stats{}
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) == 1 || math.IsNaN(std) {
		std = 0
	}
	return Stats{
		Count:  len(xs),
		Min:    floats.Min(xs),
		Max:    floats.Max(xs),
		Mean:   mean,
		StdDev: std,
	}
}
