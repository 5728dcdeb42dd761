package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"stealthflow/internal/model"
)

// Sample is one probe outcome as persisted to the metrics file.
type Sample struct {
	Timestamp time.Time
	Profile   string
	Success   bool
	LatencyMs float64
	Class     string
	Detail    string
}

// FromProbe converts a probe result into its persisted form.
func FromProbe(res model.ProbeResult) Sample {
	return Sample{
		Timestamp: res.Timestamp,
		Profile:   res.Profile,
		Success:   res.Success,
		LatencyMs: float64(res.Latency.Microseconds()) / 1000.0,
		Class:     string(res.Class),
		Detail:    res.Detail,
	}
}

var header = []string{"timestamp", "profile", "success", "latency_ms", "class", "detail"}

// Appender appends samples to a CSV file, creating it (with header) on
// first use. The file is opened per append so a crash never loses more
// than the in-flight row; probe cadence makes the cost irrelevant.
type Appender struct {
	mu   sync.Mutex
	path string
}

func NewAppender(path string) *Appender {
	return &Appender{path: path}
}

// Append writes one sample.
func (a *Appender) Append(s Sample) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	info, err := os.Stat(a.path)
	fresh := err != nil || info.Size() == 0

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	record := []string{
		s.Timestamp.UTC().Format(time.RFC3339Nano),
		s.Profile,
		strconv.FormatBool(s.Success),
		strconv.FormatFloat(s.LatencyMs, 'f', 3, 64),
		s.Class,
		s.Detail,
	}
	if err := w.Write(record); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// ReadCSV loads all samples from a metrics file.
func ReadCSV(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readCSV(f)
}

func readCSV(r io.Reader) ([]Sample, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if records[0][0] == "timestamp" {
		start = 1
	}

	samples := make([]Sample, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < 6 {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		success, _ := strconv.ParseBool(rec[2])
		latency, _ := strconv.ParseFloat(rec[3], 64)
		samples = append(samples, Sample{
			Timestamp: ts,
			Profile:   rec[1],
			Success:   success,
			LatencyMs: latency,
			Class:     rec[4],
			Detail:    rec[5],
		})
	}
	return samples, nil
}
