package reputation

import (
	"context"
	"sync"
)

const (
	// DefaultScore is assigned to identities seen for the first time.
	DefaultScore = 50
	// DefaultBanFloor is the score at or below which admission is refused.
	DefaultBanFloor = 10

	MinScore = 0
	MaxScore = 100
)

// Store tracks a bounded [0,100] trust score per peer identity. Penalize
// floors at 0, Reward caps at 100; both return the resulting score.
type Store interface {
	Get(ctx context.Context, id string) (int, error)
	Penalize(ctx context.Context, id string, amount int) (int, error)
	Reward(ctx context.Context, id string, amount int) (int, error)
}

func clamp(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

// Memory is the in-process Store. Scores live for the lifetime of the
// server; use Redis for cross-restart persistence.
type Memory struct {
	mu     sync.Mutex
	scores map[string]int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{scores: make(map[string]int)}
}

func (m *Memory) Get(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.scores[id]
	if !ok {
		return DefaultScore, nil
	}
	return score, nil
}

func (m *Memory) Penalize(_ context.Context, id string, amount int) (int, error) {
	return m.adjust(id, -amount), nil
}

func (m *Memory) Reward(_ context.Context, id string, amount int) (int, error) {
	return m.adjust(id, amount), nil
}

func (m *Memory) adjust(id string, delta int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.scores[id]
	if !ok {
		score = DefaultScore
	}
	score = clamp(score + delta)
	m.scores[id] = score
	return score
}
