package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultProbeIntervalSec     = 30
	DefaultProbeTimeoutSec      = 5
	DefaultLatencyCeilingMs     = 5000
	DefaultDecayFactor          = 0.5
	DefaultFailureZeroThreshold = 3
	DefaultLowWater             = 30
	DefaultHighWater            = 70
	DefaultHysteresisMargin     = 10

	DefaultAuthTimeoutSec       = 10
	DefaultHeartbeatIntervalSec = 30
	DefaultHeartbeatTimeoutSec  = 10
	DefaultMaxFrameBytes        = 8192
	DefaultConnRateMax          = 10
	DefaultMsgRateMax           = 50
	DefaultRateWindowSec        = 60
	DefaultBanFloor             = 10
	DefaultViolationLimit       = 3
)

// DefaultProbeTargets are low-cost reachability endpoints; the first one
// that answers 200/204 counts as success.
var DefaultProbeTargets = []string{
	"https://www.google.com/generate_204",
	"https://detectportal.firefox.com/success.txt",
	"https://www.msftconnecttest.com/connecttest.txt",
}

// Config holds both client and signaling-server settings.
type Config struct {
	Client *ClientConfig `yaml:"client,omitempty"`
	Signal *SignalConfig `yaml:"signal,omitempty"`
}

// ClientConfig drives the failover controller and the rendezvous client.
type ClientConfig struct {
	DataDir     string `yaml:"data_dir"`
	MetricsPath string `yaml:"metrics_path"`

	ProbeIntervalSec int      `yaml:"probe_interval_sec"`
	ProbeTimeoutSec  int      `yaml:"probe_timeout_sec"`
	ProbeTargets     []string `yaml:"probe_targets"`

	LatencyCeilingMs     float64 `yaml:"latency_ceiling_ms"`
	DecayFactor          float64 `yaml:"decay_factor"`
	FailureZeroThreshold int     `yaml:"failure_zero_threshold"`
	LowWater             float64 `yaml:"low_water"`
	HighWater            float64 `yaml:"high_water"`
	HysteresisMargin     float64 `yaml:"hysteresis_margin"`

	// SignalURL is the rendezvous server (ws:// or wss://) used when no
	// direct profile is viable. ClientID is the stable identity presented
	// during authentication; reputation follows it across reconnects.
	SignalURL    string   `yaml:"signal_url"`
	SignalSecret string   `yaml:"signal_secret"`
	ClientID     string   `yaml:"client_id"`
	Capability   string   `yaml:"capability"`
	STUNServers  []string `yaml:"stun_servers"`
}

// SignalConfig drives the signaling server.
type SignalConfig struct {
	Listen     string `yaml:"listen"`
	AuthSecret string `yaml:"auth_secret"`

	AuthTimeoutSec       int `yaml:"auth_timeout_sec"`
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	HeartbeatTimeoutSec  int `yaml:"heartbeat_timeout_sec"`
	MaxFrameBytes        int `yaml:"max_frame_bytes"`

	ConnRateMax    int `yaml:"conn_rate_max"`
	MsgRateMax     int `yaml:"msg_rate_max"`
	RateWindowSec  int `yaml:"rate_window_sec"`
	BanFloor       int `yaml:"ban_floor"`
	ViolationLimit int `yaml:"violation_limit"`

	// RedisAddr enables the Redis-backed reputation store; empty keeps
	// scores in memory.
	RedisAddr string `yaml:"redis_addr"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Client == nil && cfg.Signal == nil {
		return fmt.Errorf("config must contain client or signal section")
	}
	if cfg.Client != nil && cfg.Client.DataDir == "" {
		return fmt.Errorf("client.data_dir is required")
	}
	if cfg.Signal != nil {
		if cfg.Signal.Listen == "" {
			return fmt.Errorf("signal.listen is required")
		}
		if cfg.Signal.AuthSecret == "" {
			return fmt.Errorf("signal.auth_secret is required")
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Client != nil {
		c := cfg.Client
		if c.ProbeIntervalSec == 0 {
			c.ProbeIntervalSec = DefaultProbeIntervalSec
		}
		if c.ProbeTimeoutSec == 0 {
			c.ProbeTimeoutSec = DefaultProbeTimeoutSec
		}
		if len(c.ProbeTargets) == 0 {
			c.ProbeTargets = append([]string(nil), DefaultProbeTargets...)
		}
		if c.LatencyCeilingMs == 0 {
			c.LatencyCeilingMs = DefaultLatencyCeilingMs
		}
		if c.DecayFactor == 0 {
			c.DecayFactor = DefaultDecayFactor
		}
		if c.FailureZeroThreshold == 0 {
			c.FailureZeroThreshold = DefaultFailureZeroThreshold
		}
		if c.LowWater == 0 {
			c.LowWater = DefaultLowWater
		}
		if c.HighWater == 0 {
			c.HighWater = DefaultHighWater
		}
		if c.HysteresisMargin == 0 {
			c.HysteresisMargin = DefaultHysteresisMargin
		}
		if c.Capability == "" {
			c.Capability = "relay"
		}
	}

	if cfg.Signal != nil {
		s := cfg.Signal
		if s.AuthTimeoutSec == 0 {
			s.AuthTimeoutSec = DefaultAuthTimeoutSec
		}
		if s.HeartbeatIntervalSec == 0 {
			s.HeartbeatIntervalSec = DefaultHeartbeatIntervalSec
		}
		if s.HeartbeatTimeoutSec == 0 {
			s.HeartbeatTimeoutSec = DefaultHeartbeatTimeoutSec
		}
		if s.MaxFrameBytes == 0 {
			s.MaxFrameBytes = DefaultMaxFrameBytes
		}
		if s.ConnRateMax == 0 {
			s.ConnRateMax = DefaultConnRateMax
		}
		if s.MsgRateMax == 0 {
			s.MsgRateMax = DefaultMsgRateMax
		}
		if s.RateWindowSec == 0 {
			s.RateWindowSec = DefaultRateWindowSec
		}
		if s.BanFloor == 0 {
			s.BanFloor = DefaultBanFloor
		}
		if s.ViolationLimit == 0 {
			s.ViolationLimit = DefaultViolationLimit
		}
	}
}
