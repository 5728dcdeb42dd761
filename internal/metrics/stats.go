package metrics

import (
	"math"
	"sort"
	"time"
)

// Summary aggregates probe samples for one profile or all of them.
// Latency figures cover successful probes only.
type Summary struct {
	Count       int
	Successes   int
	SuccessRate float64
	From        time.Time
	To          time.Time

	AvgLatencyMs float64
	P95LatencyMs float64
	MinLatencyMs float64
	MaxLatencyMs float64
}

// Summarize filters samples by profile (empty matches all) and time,
// then computes the summary.
func Summarize(samples []Sample, profile string, since time.Time) Summary {
	var filtered []Sample
	for _, s := range samples {
		if profile != "" && s.Profile != profile {
			continue
		}
		if s.Timestamp.Before(since) {
			continue
		}
		filtered = append(filtered, s)
	}
	if len(filtered) == 0 {
		return Summary{}
	}

	sum := Summary{
		Count:        len(filtered),
		From:         filtered[0].Timestamp,
		To:           filtered[0].Timestamp,
		MinLatencyMs: math.MaxFloat64,
	}
	var latencies []float64
	var total float64
	for _, s := range filtered {
		if s.Timestamp.Before(sum.From) {
			sum.From = s.Timestamp
		}
		if s.Timestamp.After(sum.To) {
			sum.To = s.Timestamp
		}
		if !s.Success {
			continue
		}
		sum.Successes++
		latencies = append(latencies, s.LatencyMs)
		total += s.LatencyMs
		if s.LatencyMs < sum.MinLatencyMs {
			sum.MinLatencyMs = s.LatencyMs
		}
		if s.LatencyMs > sum.MaxLatencyMs {
			sum.MaxLatencyMs = s.LatencyMs
		}
	}
	sum.SuccessRate = float64(sum.Successes) / float64(sum.Count)

	if sum.Successes == 0 {
		sum.MinLatencyMs = 0
		return sum
	}
	sort.Float64s(latencies)
	sum.AvgLatencyMs = total / float64(sum.Successes)
	sum.P95LatencyMs = percentile(latencies, 0.95)
	return sum
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
