package model

import "time"

// LatencyRingSize is the number of recent latency samples kept per profile.
const LatencyRingSize = 10

// Kind identifies the proxy protocol a profile speaks.
type Kind string

const (
	KindVLESS       Kind = "vless"
	KindTrojan      Kind = "trojan"
	KindShadowsocks Kind = "shadowsocks"
	KindSocks5      Kind = "socks5"
)

// KnownKinds lists every protocol kind the store accepts.
var KnownKinds = []Kind{KindVLESS, KindTrojan, KindShadowsocks, KindSocks5}

// Profile is one configured transport endpoint. Credential fields are
// opaque pass-through for the external proxy engine; this core only
// reads Name, Kind, Priority, Enabled, EntryAddr and Stats.
type Profile struct {
	Name     string `yaml:"name"`
	Kind     Kind   `yaml:"kind"`
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Priority int    `yaml:"priority"`
	Enabled  bool   `yaml:"enabled"`

	// EntryAddr is the locally exposed proxy entry point (host:port of the
	// engine's SOCKS inbound) that probes and traffic go through.
	EntryAddr string `yaml:"entry_addr"`

	UUID     string `yaml:"uuid,omitempty"`
	Password string `yaml:"password,omitempty"`
	Security string `yaml:"security,omitempty"`
	Network  string `yaml:"network,omitempty"`
	SNI      string `yaml:"sni,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Path     string `yaml:"path,omitempty"`

	Stats Stats `yaml:"stats,omitempty"`
}

// Stats is the rolling health block for one profile. Mutated only by the
// failover controller; everyone else sees copies.
type Stats struct {
	// LatenciesMs is a fixed-size ring of recent successful probe
	// latencies. Next marks the slot the next sample lands in.
	LatenciesMs [LatencyRingSize]float64 `yaml:"latencies_ms,flow"`
	Next        int                      `yaml:"next"`
	Count       int                      `yaml:"count"`

	ConsecutiveFailures int       `yaml:"consecutive_failures"`
	LastSuccess         time.Time `yaml:"last_success,omitempty"`
	Score               float64   `yaml:"score"`
}

// PushLatency records one successful probe latency, evicting the oldest
// sample once the ring is full.
func (s *Stats) PushLatency(ms float64) {
	s.LatenciesMs[s.Next] = ms
	s.Next = (s.Next + 1) % LatencyRingSize
	if s.Count < LatencyRingSize {
		s.Count++
	}
}

// AvgLatencyMs returns the mean of the retained samples, or 0 when none.
func (s Stats) AvgLatencyMs() float64 {
	if s.Count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < s.Count; i++ {
		sum += s.LatenciesMs[i]
	}
	return sum / float64(s.Count)
}

// FailureClass classifies why a probe failed.
type FailureClass string

const (
	FailureNone    FailureClass = ""
	FailureTimeout FailureClass = "timeout"
	FailureRefused FailureClass = "refused"
	FailureAuth    FailureClass = "auth_rejected"
	FailureUnknown FailureClass = "unknown"
)

// ProbeResult is the outcome of one health probe. Immutable; consumed
// once by the failover controller.
type ProbeResult struct {
	Profile   string
	Success   bool
	Latency   time.Duration
	Class     FailureClass
	Detail    string
	Timestamp time.Time
}
