package telemetry

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary is the descriptive statistics of one series in a window.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stdev"`
}

// Summarize computes mean, median, min, max and the sample standard deviation
// (n-1 denominator, 0 for a single value). ok is false for an empty series.
func Summarize(values []float64) (Summary, bool) {
	if len(values) == 0 {
		return Summary{}, false
	}

	s := Summary{
		Count:  len(values),
		Mean:   stat.Mean(values, nil),
		Median: median(values),
		Min:    floats.Min(values),
		Max:    floats.Max(values),
	}
	if len(values) > 1 {
		s.StdDev = stat.StdDev(values, nil)
	}
	return s, true
}

// median averages the two middle values for even-length input.
func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// fpsFromDurations estimates frames per second as 1 / mean(durations).
// It returns 0 for an empty series, a zero mean, or any non-positive sample.
func fpsFromDurations(durations []float64) float64 {
	if len(durations) == 0 {
		return 0
	}
	for _, d := range durations {
		if d <= 0 {
			return 0
		}
	}
	mean := stat.Mean(durations, nil)
	if mean <= 0 {
		return 0
	}
	return 1 / mean
}

// positive keeps the strictly positive values of a series.
func positive(values []float64) []float64 {
	out := values[:0:0]
	for _, v := range values {
		if v > 0 {
			out = append(out, v)
		}
	}
	return out
}
