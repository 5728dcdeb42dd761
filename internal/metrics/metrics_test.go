package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"stealthflow/internal/model"
)

func sampleAt(t time.Time, profile string, latencyMs float64) Sample {
	s := Sample{Timestamp: t, Profile: profile, Success: latencyMs >= 0, LatencyMs: latencyMs}
	if !s.Success {
		s.LatencyMs = 0
		s.Class = string(model.FailureTimeout)
	}
	return s
}

func TestAppender_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "probes.csv")
	app := NewAppender(path)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	in := []Sample{
		sampleAt(base, "tokyo-1", 42.5),
		sampleAt(base.Add(30*time.Second), "tokyo-1", -1),
		{Timestamp: base.Add(time.Minute), Profile: "osaka-2", Success: true, LatencyMs: 80, Detail: "https://example.test/ok"},
	}
	for _, s := range in {
		if err := app.Append(s); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	out, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len=%d want %d", len(out), len(in))
	}
	if out[0].Profile != "tokyo-1" || !out[0].Success || out[0].LatencyMs != 42.5 {
		t.Fatalf("first=%+v", out[0])
	}
	if out[1].Success || out[1].Class != string(model.FailureTimeout) {
		t.Fatalf("second=%+v", out[1])
	}
	if out[2].Detail != "https://example.test/ok" {
		t.Fatalf("third=%+v", out[2])
	}
	if !out[0].Timestamp.Equal(base) {
		t.Fatalf("timestamp=%v", out[0].Timestamp)
	}
}

func TestAppender_HeaderWrittenOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "probes.csv")
	app := NewAppender(path)
	now := time.Now().UTC()
	if err := app.Append(sampleAt(now, "a", 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// New appender on the same file must not repeat the header.
	if err := NewAppender(path).Append(sampleAt(now, "b", 20)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	out, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len=%d", len(out))
	}
}

func TestFromProbe(t *testing.T) {
	t.Parallel()

	res := model.ProbeResult{
		Profile:   "tokyo-1",
		Success:   true,
		Latency:   42500 * time.Microsecond,
		Timestamp: time.Now().UTC(),
	}
	s := FromProbe(res)
	if s.LatencyMs != 42.5 || s.Profile != "tokyo-1" || !s.Success {
		t.Fatalf("sample=%+v", s)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var samples []Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, sampleAt(base.Add(time.Duration(i)*time.Minute), "tokyo-1", float64(10*(i+1))))
	}
	samples = append(samples,
		sampleAt(base, "tokyo-1", -1),
		sampleAt(base, "osaka-2", 500),
	)

	sum := Summarize(samples, "tokyo-1", base)
	if sum.Count != 21 || sum.Successes != 20 {
		t.Fatalf("count=%d successes=%d", sum.Count, sum.Successes)
	}
	if sum.MinLatencyMs != 10 || sum.MaxLatencyMs != 200 {
		t.Fatalf("min=%v max=%v", sum.MinLatencyMs, sum.MaxLatencyMs)
	}
	if sum.AvgLatencyMs != 105 {
		t.Fatalf("avg=%v", sum.AvgLatencyMs)
	}
	if sum.P95LatencyMs != 190 {
		t.Fatalf("p95=%v", sum.P95LatencyMs)
	}
	if sum.SuccessRate <= 0.9 || sum.SuccessRate >= 1 {
		t.Fatalf("rate=%v", sum.SuccessRate)
	}

	// A since cutoff drops older samples.
	late := Summarize(samples, "tokyo-1", base.Add(15*time.Minute))
	if late.Count != 5 {
		t.Fatalf("late count=%d", late.Count)
	}

	if got := Summarize(samples, "nowhere", base); got.Count != 0 {
		t.Fatalf("missing profile count=%d", got.Count)
	}

	// Failures only: no latency stats.
	fails := Summarize([]Sample{sampleAt(base, "x", -1)}, "x", base)
	if fails.Successes != 0 || fails.MinLatencyMs != 0 || fails.AvgLatencyMs != 0 {
		t.Fatalf("fails=%+v", fails)
	}
}
