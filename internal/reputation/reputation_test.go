package reputation

import (
	"context"
	"testing"
)

func TestMemory_UnseenGetsDefault(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	score, err := m.Get(context.Background(), "peer-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if score != DefaultScore {
		t.Fatalf("score=%d want %d", score, DefaultScore)
	}
}

func TestMemory_PenalizeFloorsAtZero(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	if _, err := m.Penalize(ctx, "p", 40); err != nil {
		t.Fatalf("Penalize: %v", err)
	}
	score, err := m.Penalize(ctx, "p", 1000)
	if err != nil {
		t.Fatalf("Penalize: %v", err)
	}
	if score != 0 {
		t.Fatalf("score=%d want 0", score)
	}
}

func TestMemory_RewardCapsAtHundred(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	score, err := m.Reward(context.Background(), "p", 1000)
	if err != nil {
		t.Fatalf("Reward: %v", err)
	}
	if score != 100 {
		t.Fatalf("score=%d want 100", score)
	}
}

func TestMemory_AdjustSequence(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	m.Penalize(ctx, "p", 10) // 40
	m.Reward(ctx, "p", 5)    // 45
	m.Penalize(ctx, "p", 20) // 25
	score, _ := m.Get(ctx, "p")
	if score != 25 {
		t.Fatalf("score=%d want 25", score)
	}
}
