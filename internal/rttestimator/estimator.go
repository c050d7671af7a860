// Package rttestimator maintains the smoothed RTT and mean deviation used
// to compute the retransmission timeout (C4).
package rttestimator

import (
	"time"

	"github.com/nullbyte-dev/rudpxfer/internal/config"
)

// Estimator tracks est_rtt and dev_rtt and derives RTO on demand. Time
// arithmetic is done entirely in time.Duration (a single int64 of
// nanoseconds), never on seconds and microseconds separately.
type Estimator struct {
	estRTT time.Duration
	devRTT time.Duration
}

// New seeds the estimator with the spec's initial values.
func New() *Estimator {
	return &Estimator{
		estRTT: config.InitialEstRTT,
		devRTT: config.InitialDevRTT,
	}
}

// Sample folds in a fresh RTT measurement. Callers MUST only pass samples
// taken from packets that were never retransmitted (Karn's rule); the
// estimator itself has no way to tell, so the sender loop
// (internal/sender) is responsible for discarding samples from resent
// packets before calling Sample.
func (e *Estimator) Sample(s time.Duration) {
	diff := s - e.estRTT
	if diff < 0 {
		diff = -diff
	}
	e.devRTT = time.Duration((1-config.Beta)*float64(e.devRTT) + config.Beta*float64(diff))
	e.estRTT = time.Duration((1-config.Alpha)*float64(e.estRTT) + config.Alpha*float64(s))
}

// RTO computes the current retransmission timeout, clamped to
// [RTOMin, RTOMax].
func (e *Estimator) RTO() time.Duration {
	rto := e.estRTT + 4*e.devRTT
	if rto < config.RTOMin {
		return config.RTOMin
	}
	if rto > config.RTOMax {
		return config.RTOMax
	}
	return rto
}

// EstRTT returns the current smoothed RTT, for diagnostics and metrics.
func (e *Estimator) EstRTT() time.Duration { return e.estRTT }

// DevRTT returns the current mean deviation, for diagnostics and metrics.
func (e *Estimator) DevRTT() time.Duration { return e.devRTT }
