package failover

import (
	"math"

	"stealthflow/internal/model"
)

// Params are the tunables for probing, scoring and selection. The numeric
// defaults live in the config package; nothing here is hard-coded policy.
type Params struct {
	Decay         float64 // per-consecutive-failure score multiplier
	CeilingMs     float64 // average latency at which score reaches 0
	ZeroThreshold int     // consecutive failures that force score to 0

	LowWater  float64 // active profile below this is abandoned
	HighWater float64 // challengers must clear this to preempt
	Margin    float64 // and beat the active score by more than this
}

// Score derives the 0..100 health score from a profile's rolling stats.
// Each consecutive failure multiplies the score by Decay; at ZeroThreshold
// failures the score is exactly 0 regardless of latency. Rising average
// latency erodes the score linearly up to CeilingMs.
func Score(st model.Stats, p Params) float64 {
	if st.ConsecutiveFailures >= p.ZeroThreshold {
		return 0
	}

	s := 100 * math.Pow(p.Decay, float64(st.ConsecutiveFailures))

	if p.CeilingMs > 0 {
		penalty := st.AvgLatencyMs() / p.CeilingMs
		if penalty > 1 {
			penalty = 1
		}
		s *= 1 - penalty
	}

	if s < 0 {
		return 0
	}
	return s
}
