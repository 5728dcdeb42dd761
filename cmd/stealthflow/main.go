package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"stealthflow/internal/config"
	"stealthflow/internal/engine"
	"stealthflow/internal/failover"
	"stealthflow/internal/metrics"
	"stealthflow/internal/model"
	"stealthflow/internal/probe"
	"stealthflow/internal/profile"
	"stealthflow/internal/reputation"
	"stealthflow/internal/signaling"
	"stealthflow/internal/stunutil"
)

const usage = `stealthflow - adaptive transport selection + peer rendezvous

Usage:
  stealthflow client run --config <path>
  stealthflow signal serve --config <path> [--listen <addr>] [--redis <addr>]
  stealthflow profile list --config <path>
  stealthflow profile add --config <path> --name <name> --url <share-link> --entry <host:port> [--priority N]
  stealthflow profile enable --config <path> --name <name>
  stealthflow profile disable --config <path> --name <name>
  stealthflow probe --config <path> [--profile <name>]
  stealthflow engine render --config <path> --profile <name> [--out <file>]
  stealthflow discover --config <path>
  stealthflow stats --config <path> [--window 5m] [--profile <name>]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "client":
		handleClient(os.Args[2:])
	case "signal":
		handleSignal(os.Args[2:])
	case "profile":
		handleProfile(os.Args[2:])
	case "probe":
		handleProbe(os.Args[2:])
	case "engine":
		handleEngine(os.Args[2:])
	case "discover":
		handleDiscover(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleClient(args []string) {
	if len(args) == 0 || args[0] != "run" {
		fmt.Fprint(os.Stderr, "client subcommand required (run)\n")
		os.Exit(2)
	}
	clientRun(args[1:])
}

func clientRun(args []string) {
	fs := flag.NewFlagSet("client run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	_, cc, err := loadClientConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	store, err := profile.Load(profilesPath(cc))
	if err != nil {
		fatal(err)
	}

	ctrl := failover.New(store, paramsFrom(cc),
		time.Duration(cc.ProbeIntervalSec)*time.Second,
		time.Duration(cc.ProbeTimeoutSec)*time.Second,
		cc.ProbeTargets)

	if path := metricsPath(cc); path != "" {
		app := metrics.NewAppender(path)
		ctrl.Sampler = func(res model.ProbeResult) {
			if err := app.Append(metrics.FromProbe(res)); err != nil {
				fmt.Fprintf(os.Stderr, "warning: metrics append: %v\n", err)
			}
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		var fallbackActive atomic.Bool
		for {
			select {
			case <-ctx.Done():
				return
			case sel := <-ctrl.Updates():
				if err := store.Save(); err != nil {
					fmt.Fprintf(os.Stderr, "warning: persist profiles: %v\n", err)
				}
				if sel.Name != "" || cc.SignalURL == "" {
					continue
				}
				// No viable profile left: fall back to peer rendezvous.
				if fallbackActive.CompareAndSwap(false, true) {
					go func() {
						defer fallbackActive.Store(false)
						if err := rendezvousFallback(ctx, cc); err != nil && ctx.Err() == nil {
							fmt.Fprintf(os.Stderr, "rendezvous fallback: %v\n", err)
						}
					}()
				}
			}
		}
	}()

	err = ctrl.Run(ctx)
	if saveErr := store.Save(); saveErr != nil {
		fmt.Fprintf(os.Stderr, "warning: persist profiles: %v\n", saveErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// rendezvousFallback dials the signaling server, reports NAT details and
// waits for a counterpart to relay through.
func rendezvousFallback(ctx context.Context, cc *config.ClientConfig) error {
	req := signaling.MatchRequest{Capability: cc.Capability}
	if len(cc.STUNServers) > 0 {
		res, err := stunutil.Discover(ctx, cc.STUNServers, 5*time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: STUN discovery: %v\n", err)
		} else {
			req.NATType = res.NATType
			req.PublicAddr = res.PublicAddr
			fmt.Fprintf(os.Stdout, "stun public_addr=%s nat=%s\n", res.PublicAddr, res.NATType)
		}
	}

	client, err := signaling.Dial(ctx, cc.SignalURL, cc.SignalSecret, cc.ClientID)
	if err != nil {
		return err
	}
	defer client.Close()

	match, err := client.RequestMatch(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "matched session=%s peer=%s nat=%s initiator=%v\n",
		match.SessionID, match.PeerID, match.PeerNATType, match.Initiator)

	// Hold the session open until the counterpart leaves or we shut down.
	select {
	case <-client.Teardowns():
		fmt.Fprintln(os.Stdout, "session ended by peer")
	case <-client.Done():
	case <-ctx.Done():
		_ = client.Teardown("shutdown")
	}
	return nil
}

func handleSignal(args []string) {
	if len(args) == 0 || args[0] != "serve" {
		fmt.Fprint(os.Stderr, "signal subcommand required (serve)\n")
		os.Exit(2)
	}
	signalServe(args[1:])
}

func signalServe(args []string) {
	fs := flag.NewFlagSet("signal serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "listen address")
	redisAddr := fs.String("redis", "", "redis address for reputation persistence")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Signal == nil {
		cfg.Signal = &config.SignalConfig{}
	}
	if *listen != "" {
		cfg.Signal.Listen = *listen
	}
	if *redisAddr != "" {
		cfg.Signal.RedisAddr = *redisAddr
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	var rep reputation.Store
	if cfg.Signal.RedisAddr != "" {
		redisStore, err := reputation.NewRedis(ctx, cfg.Signal.RedisAddr)
		if err != nil {
			fatal(err)
		}
		defer redisStore.Close()
		rep = redisStore
	} else {
		rep = reputation.NewMemory()
	}

	srv := signaling.NewServer(*cfg.Signal, rep)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleProfile(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "profile subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "list":
		profileList(args[1:])
	case "add":
		profileAdd(args[1:])
	case "enable":
		profileSetEnabled(args[1:], true)
	case "disable":
		profileSetEnabled(args[1:], false)
	default:
		fmt.Fprintf(os.Stderr, "unknown profile subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func profileList(args []string) {
	fs := flag.NewFlagSet("profile list", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	_, cc, err := loadClientConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	store, err := profile.Load(profilesPath(cc))
	if err != nil {
		fatal(err)
	}

	profiles := store.Snapshot()
	if len(profiles) == 0 {
		fmt.Fprintln(os.Stdout, "no profiles")
		return
	}

	fmt.Fprintf(os.Stdout, "%-16s  %-12s  %-24s  %-8s  %-7s  %-7s  %-10s  %-5s\n",
		"NAME", "KIND", "SERVER", "PRIORITY", "ENABLED", "SCORE", "AVG_MS", "FAILS")
	for _, p := range profiles {
		fmt.Fprintf(os.Stdout, "%-16s  %-12s  %-24s  %-8d  %-7v  %-7.1f  %-10.1f  %-5d\n",
			p.Name, p.Kind, fmt.Sprintf("%s:%d", p.Server, p.Port), p.Priority, p.Enabled,
			p.Stats.Score, p.Stats.AvgLatencyMs(), p.Stats.ConsecutiveFailures)
	}
}

func profileAdd(args []string) {
	fs := flag.NewFlagSet("profile add", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "profile name")
	shareURL := fs.String("url", "", "share link (vless://, trojan://, ss://)")
	entry := fs.String("entry", "", "local SOCKS entry address host:port")
	priority := fs.Int("priority", 100, "selection priority (lower wins)")
	_ = fs.Parse(args)

	if *name == "" || *shareURL == "" || *entry == "" {
		fatal(errors.New("--name, --url and --entry are required"))
	}

	_, cc, err := loadClientConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	store, err := profile.Load(profilesPath(cc))
	if err != nil {
		fatal(err)
	}

	p, err := profile.ParseURL(*shareURL)
	if err != nil {
		fatal(err)
	}
	p.Name = *name
	p.EntryAddr = *entry
	p.Priority = *priority

	if err := store.Add(p); err != nil {
		fatal(err)
	}
	if err := store.Save(); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "added profile=%s kind=%s server=%s:%d\n", p.Name, p.Kind, p.Server, p.Port)
}

func profileSetEnabled(args []string, enabled bool) {
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	fs := flag.NewFlagSet("profile "+verb, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "profile name")
	_ = fs.Parse(args)

	if *name == "" {
		fatal(errors.New("--name is required"))
	}
	_, cc, err := loadClientConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	store, err := profile.Load(profilesPath(cc))
	if err != nil {
		fatal(err)
	}
	if err := store.SetEnabled(*name, enabled); err != nil {
		fatal(err)
	}
	if err := store.Save(); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "%sd profile=%s\n", verb, *name)
}

func handleProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("profile", "", "probe only this profile")
	_ = fs.Parse(args)

	_, cc, err := loadClientConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	store, err := profile.Load(profilesPath(cc))
	if err != nil {
		fatal(err)
	}

	var targets []model.Profile
	if *name != "" {
		p, ok := store.Get(*name)
		if !ok {
			fatal(fmt.Errorf("unknown profile %q", *name))
		}
		targets = []model.Profile{p}
	} else {
		targets = store.Enabled()
	}
	if len(targets) == 0 {
		fmt.Fprintln(os.Stdout, "nothing to probe")
		return
	}

	ctx := context.Background()
	timeout := time.Duration(cc.ProbeTimeoutSec) * time.Second
	for _, p := range targets {
		res := probe.Run(ctx, p, cc.ProbeTargets, timeout)
		if res.Success {
			fmt.Fprintf(os.Stdout, "%-16s ok latency=%.1fms target=%s\n",
				p.Name, float64(res.Latency.Microseconds())/1000.0, res.Detail)
		} else {
			fmt.Fprintf(os.Stdout, "%-16s fail class=%s detail=%s\n", p.Name, res.Class, res.Detail)
		}
	}
}

func handleEngine(args []string) {
	if len(args) == 0 || args[0] != "render" {
		fmt.Fprint(os.Stderr, "engine subcommand required (render)\n")
		os.Exit(2)
	}
	engineRender(args[1:])
}

func engineRender(args []string) {
	fs := flag.NewFlagSet("engine render", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("profile", "", "profile to render")
	out := fs.String("out", "", "output file (default stdout)")
	_ = fs.Parse(args)

	if *name == "" {
		fatal(errors.New("--profile is required"))
	}
	_, cc, err := loadClientConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	store, err := profile.Load(profilesPath(cc))
	if err != nil {
		fatal(err)
	}
	p, ok := store.Get(*name)
	if !ok {
		fatal(fmt.Errorf("unknown profile %q", *name))
	}

	raw, err := engine.RenderJSON(p)
	if err != nil {
		fatal(err)
	}
	if *out == "" {
		fmt.Fprintln(os.Stdout, string(raw))
		return
	}
	if err := os.WriteFile(*out, append(raw, '\n'), 0o644); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote engine config profile=%s path=%s\n", *name, *out)
}

func handleDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	_ = fs.Parse(args)

	_, cc, err := loadClientConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	servers := cc.STUNServers
	if *stunList != "" {
		servers = splitList(*stunList)
	}

	res, err := stunutil.Discover(context.Background(), servers, 5*time.Second)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "public_addr=%s nat=%s\n", res.PublicAddr, res.NATType)
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.Duration("window", 5*time.Minute, "time window")
	name := fs.String("profile", "", "limit to one profile")
	_ = fs.Parse(args)

	_, cc, err := loadClientConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	path := metricsPath(cc)
	if path == "" {
		fatal(errors.New("no metrics path configured"))
	}

	samples, err := metrics.ReadCSV(path)
	if err != nil {
		fatal(err)
	}
	sum := metrics.Summarize(samples, *name, time.Now().Add(-*window))
	if sum.Count == 0 {
		fmt.Fprintln(os.Stdout, "no samples in window")
		return
	}

	fmt.Fprintf(os.Stdout, "samples=%d success_rate=%.1f%% window=%s\n", sum.Count, sum.SuccessRate*100, *window)
	if sum.Successes > 0 {
		fmt.Fprintf(os.Stdout, "latency avg=%.1fms p95=%.1fms min=%.1fms max=%.1fms\n",
			sum.AvgLatencyMs, sum.P95LatencyMs, sum.MinLatencyMs, sum.MaxLatencyMs)
	}
	fmt.Fprintf(os.Stdout, "from=%s to=%s\n",
		sum.From.UTC().Format(time.RFC3339), sum.To.UTC().Format(time.RFC3339))
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func loadClientConfig(path string) (config.Config, *config.ClientConfig, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	if cfg.Client == nil {
		cfg.Client = &config.ClientConfig{}
	}
	config.ApplyDefaults(&cfg)
	if cfg.Client.DataDir == "" {
		return config.Config{}, nil, errors.New("client.data_dir is required")
	}
	return cfg, cfg.Client, nil
}

func profilesPath(cc *config.ClientConfig) string {
	return filepath.Join(cc.DataDir, "profiles.yaml")
}

func metricsPath(cc *config.ClientConfig) string {
	if cc.MetricsPath != "" {
		return cc.MetricsPath
	}
	if cc.DataDir == "" {
		return ""
	}
	return filepath.Join(cc.DataDir, "probes.csv")
}

func paramsFrom(cc *config.ClientConfig) failover.Params {
	return failover.Params{
		Decay:         cc.DecayFactor,
		CeilingMs:     cc.LatencyCeilingMs,
		ZeroThreshold: cc.FailureZeroThreshold,
		LowWater:      cc.LowWater,
		HighWater:     cc.HighWater,
		Margin:        cc.HysteresisMargin,
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
