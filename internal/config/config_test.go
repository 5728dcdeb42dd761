package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyDefaults_Client(t *testing.T) {
	t.Parallel()

	cfg := Config{Client: &ClientConfig{DataDir: "/tmp/sf"}}
	ApplyDefaults(&cfg)

	if cfg.Client.ProbeIntervalSec != DefaultProbeIntervalSec {
		t.Fatalf("probe_interval_sec=%d", cfg.Client.ProbeIntervalSec)
	}
	if cfg.Client.ProbeTimeoutSec != DefaultProbeTimeoutSec {
		t.Fatalf("probe_timeout_sec=%d", cfg.Client.ProbeTimeoutSec)
	}
	if len(cfg.Client.ProbeTargets) == 0 {
		t.Fatal("probe_targets default not set")
	}
	if cfg.Client.DecayFactor != DefaultDecayFactor {
		t.Fatalf("decay_factor=%v", cfg.Client.DecayFactor)
	}
	if cfg.Client.HighWater <= cfg.Client.LowWater {
		t.Fatalf("water marks inverted: low=%v high=%v", cfg.Client.LowWater, cfg.Client.HighWater)
	}
}

func TestApplyDefaults_Signal(t *testing.T) {
	t.Parallel()

	cfg := Config{Signal: &SignalConfig{Listen: ":8765", AuthSecret: "s"}}
	ApplyDefaults(&cfg)

	if cfg.Signal.MaxFrameBytes != DefaultMaxFrameBytes {
		t.Fatalf("max_frame_bytes=%d", cfg.Signal.MaxFrameBytes)
	}
	if cfg.Signal.ConnRateMax != DefaultConnRateMax || cfg.Signal.MsgRateMax != DefaultMsgRateMax {
		t.Fatalf("rate defaults: conn=%d msg=%d", cfg.Signal.ConnRateMax, cfg.Signal.MsgRateMax)
	}
	if cfg.Signal.BanFloor != DefaultBanFloor {
		t.Fatalf("ban_floor=%d", cfg.Signal.BanFloor)
	}
}

func TestValidate_RequiresSection(t *testing.T) {
	t.Parallel()

	if err := Validate(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}

	cfg := Config{Signal: &SignalConfig{Listen: ":8765"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing auth_secret")
	}
	cfg.Signal.AuthSecret = "s"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestSave_RoundTripAnd0600(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "stealthflow.yaml")
	cfg := Config{Client: &ClientConfig{DataDir: tmp, SignalURL: "ws://127.0.0.1:8765"}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Client == nil || loaded.Client.SignalURL != "ws://127.0.0.1:8765" {
		t.Fatalf("client=%+v", loaded.Client)
	}
	if loaded.Client.ProbeIntervalSec != DefaultProbeIntervalSec {
		t.Fatalf("defaults not applied on load")
	}
}
