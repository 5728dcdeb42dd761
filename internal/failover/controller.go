package failover

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"stealthflow/internal/model"
	"stealthflow/internal/probe"
	"stealthflow/internal/profile"
)

// Prober runs one health probe. Swapped in tests; the default is
// probe.Run through the profile's SOCKS entry point.
type Prober func(ctx context.Context, p model.Profile, targets []string, timeout time.Duration) model.ProbeResult

// Selection is the controller's current choice. An empty Name means no
// profile is viable and the caller should fall back to peer relay.
type Selection struct {
	Name  string
	Score float64
	At    time.Time
}

// ProfileStatus is one row of the observability snapshot.
type ProfileStatus struct {
	Name                string
	Priority            int
	Enabled             bool
	Active              bool
	Score               float64
	AvgLatencyMs        float64
	ConsecutiveFailures int
	LastSuccess         time.Time
}

// Controller owns the probing schedule and the selection policy. It is
// the single writer for profile stats.
type Controller struct {
	store    *profile.Store
	params   Params
	interval time.Duration
	timeout  time.Duration
	targets  []string
	prober   Prober

	// Sampler, when set, receives every probe result (metrics hook).
	Sampler func(model.ProbeResult)

	mu      sync.Mutex
	active  string
	updates chan Selection
}

// New creates a controller over the given store.
func New(store *profile.Store, params Params, interval, timeout time.Duration, targets []string) *Controller {
	return &Controller{
		store:    store,
		params:   params,
		interval: interval,
		timeout:  timeout,
		targets:  targets,
		prober:   probe.Run,
		updates:  make(chan Selection, 8),
	}
}

// Updates delivers selection changes. The channel is buffered; slow
// consumers miss intermediate selections, never the latest state (use
// Active for that).
func (c *Controller) Updates() <-chan Selection {
	return c.updates
}

// Active returns the currently selected profile, if any.
func (c *Controller) Active() (model.Profile, bool) {
	c.mu.Lock()
	name := c.active
	c.mu.Unlock()
	if name == "" {
		return model.Profile{}, false
	}
	return c.store.Get(name)
}

// Run probes on the configured interval until ctx is cancelled. Ticks
// never overlap: a tick that runs long simply delays the next one.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick probes every enabled profile concurrently, applies results in
// completion order, then reselects.
func (c *Controller) Tick(ctx context.Context) {
	enabled := c.store.Enabled()
	if len(enabled) == 0 {
		c.reselect()
		return
	}

	results := make(chan model.ProbeResult, len(enabled))
	var wg sync.WaitGroup
	for _, p := range enabled {
		wg.Add(1)
		go func(p model.Profile) {
			defer wg.Done()
			results <- c.prober(ctx, p, c.targets, c.timeout)
		}(p)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		c.apply(res)
	}
	c.reselect()
}

// apply folds one probe result into the profile's stats. A profile
// disabled while its probe was in flight keeps the result discarded.
func (c *Controller) apply(res model.ProbeResult) {
	current, ok := c.store.Get(res.Profile)
	if !ok || !current.Enabled {
		return
	}

	c.store.MutateStats(res.Profile, func(st *model.Stats) {
		if res.Success {
			st.PushLatency(float64(res.Latency.Microseconds()) / 1000.0)
			st.ConsecutiveFailures = 0
			st.LastSuccess = res.Timestamp
		} else {
			st.ConsecutiveFailures++
		}
		st.Score = Score(*st, c.params)
	})

	if c.Sampler != nil {
		c.Sampler(res)
	}
}

// reselect applies the sticky selection policy with hysteresis.
func (c *Controller) reselect() {
	viable := c.viable()

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.active
	next := prev

	switch {
	case len(viable) == 0:
		next = ""
	case prev == "":
		next = viable[0].Name
	default:
		active, ok := activeIn(viable, prev)
		if !ok || active.Stats.Score < c.params.LowWater {
			// Active profile gone, disabled or unhealthy: take the best.
			next = viable[0].Name
		} else {
			best := viable[0]
			if best.Name != prev &&
				best.Priority < active.Priority &&
				best.Stats.Score > c.params.HighWater &&
				best.Stats.Score > active.Stats.Score+c.params.Margin {
				next = best.Name
			}
		}
	}

	if next == prev {
		return
	}
	c.active = next

	sel := Selection{Name: next, At: time.Now().UTC()}
	if next == "" {
		log.Printf("failover selection empty: no viable profile")
	} else {
		for _, p := range viable {
			if p.Name == next {
				sel.Score = p.Stats.Score
				break
			}
		}
		log.Printf("failover selected profile=%s score=%.1f previous=%s", next, sel.Score, prev)
	}

	select {
	case c.updates <- sel:
	default:
	}
}

// viable returns enabled profiles with a positive score, ranked by
// priority, then recent average latency, then name.
func (c *Controller) viable() []model.Profile {
	enabled := c.store.Enabled()
	out := enabled[:0]
	for _, p := range enabled {
		if p.Stats.Score > 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		ai, aj := out[i].Stats.AvgLatencyMs(), out[j].Stats.AvgLatencyMs()
		if ai != aj {
			return ai < aj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func activeIn(viable []model.Profile, name string) (model.Profile, bool) {
	for _, p := range viable {
		if p.Name == name {
			return p, true
		}
	}
	return model.Profile{}, false
}

// Status reports the observability snapshot for every profile.
func (c *Controller) Status() []ProfileStatus {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	all := c.store.Snapshot()
	out := make([]ProfileStatus, 0, len(all))
	for _, p := range all {
		out = append(out, ProfileStatus{
			Name:                p.Name,
			Priority:            p.Priority,
			Enabled:             p.Enabled,
			Active:              p.Name == active,
			Score:               p.Stats.Score,
			AvgLatencyMs:        p.Stats.AvgLatencyMs(),
			ConsecutiveFailures: p.Stats.ConsecutiveFailures,
			LastSuccess:         p.Stats.LastSuccess,
		})
	}
	return out
}
