package flutter

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultMinSamples gates the bulk statistics.
const DefaultMinSamples = 50

// WindowedStats are the wow & flutter figures for one window, in percent.
type WindowedStats struct {
	UnweightedRMS      float64 `json:"unweighted_rms"`
	UnweightedTwoSigma float64 `json:"unweighted_two_sigma"`
	WeightedRMS        float64 `json:"weighted_rms"`
	WeightedTwoSigma   float64 `json:"weighted_two_sigma"`
}

// Aggregate computes the unweighted and weighted figures over values. The
// weighted pass runs the centred samples through a clone of chain, so the
// result depends only on values and the chain's coefficients. It reports
// false when fewer than minSamples values are given.
func Aggregate(values []float64, chain *Chain, minSamples int) (WindowedStats, bool) {
	n := len(values)
	if n == 0 || n < minSamples {
		return WindowedStats{}, false
	}

	centred := centre(values)

	var filter Chain
	if chain != nil {
		filter = chain.Clone()
	}
	weighted := make([]float64, n)
	for i, v := range centred {
		weighted[i] = filter.Process(v)
	}

	urms, usd := rmsAndStdDev(centred)
	wrms, wsd := rmsAndStdDev(weighted)
	return WindowedStats{
		UnweightedRMS:      urms,
		UnweightedTwoSigma: 2 * usd,
		WeightedRMS:        wrms,
		WeightedTwoSigma:   2 * wsd,
	}, true
}

// centre subtracts the mean from values. The mean is taken relative to the
// first value and then corrected by the residual of a second pass, so a
// constant window centres to exact zeros.
func centre(values []float64) []float64 {
	n := float64(len(values))
	ref := values[0]
	centred := make([]float64, len(values))
	for i, v := range values {
		centred[i] = v - ref
	}
	floats.AddConst(-floats.Sum(centred)/n, centred)
	floats.AddConst(-floats.Sum(centred)/n, centred)
	return centred
}

// rmsAndStdDev returns sqrt(E[x^2]) and sqrt(E[x^2]-E[x]^2).
func rmsAndStdDev(xs []float64) (rms, stddev float64) {
	n := float64(len(xs))
	meanSq := floats.Dot(xs, xs) / n
	mean := floats.Sum(xs) / n
	rms = math.Sqrt(meanSq)
	// Rounding can push the variance a hair below zero.
	stddev = math.Sqrt(math.Max(0, meanSq-mean*mean))
	return rms, stddev
}
