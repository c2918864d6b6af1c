package flutter

import "time"

// RateEstimator tracks an exponentially smoothed frame arrival rate.
type RateEstimator struct {
	weight float64

	last    time.Time
	hasLast bool
	rate    float64
	hasRate bool
}

// NewRateEstimator returns an estimator that gives weight to each new
// instantaneous rate. Weights outside (0, 1] fall back to 0.1.
func NewRateEstimator(weight float64) *RateEstimator {
	if weight <= 0 || weight > 1 {
		weight = 0.1
	}
	return &RateEstimator{weight: weight}
}

// Observe folds an arrival timestamp into the estimate and reports whether
// the estimate was updated. The first timestamp only seeds the estimator;
// non-positive intervals are ignored.
func (r *RateEstimator) Observe(at time.Time) bool {
	if !r.hasLast {
		r.last = at
		r.hasLast = true
		return false
	}
	dt := at.Sub(r.last).Seconds()
	if dt <= 0 {
		return false
	}
	r.last = at

	inst := 1 / dt
	if !r.hasRate {
		r.rate = inst
		r.hasRate = true
		return true
	}
	r.rate = r.rate*(1-r.weight) + inst*r.weight
	return true
}

// Rate returns the current estimate in Hz, false until one interval has
// been observed.
func (r *RateEstimator) Rate() (float64, bool) {
	return r.rate, r.hasRate
}

// Reset forgets all history.
func (r *RateEstimator) Reset() {
	*r = RateEstimator{weight: r.weight}
}
