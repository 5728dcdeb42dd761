package reputation

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedis(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedis_UnseenGetsDefault(t *testing.T) {
	t.Parallel()

	store := newTestRedis(t)
	score, err := store.Get(context.Background(), "peer-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if score != DefaultScore {
		t.Fatalf("score=%d want %d", score, DefaultScore)
	}
}

func TestRedis_ClampedAdjust(t *testing.T) {
	t.Parallel()

	store := newTestRedis(t)
	ctx := context.Background()

	score, err := store.Penalize(ctx, "p", 1000)
	if err != nil {
		t.Fatalf("Penalize: %v", err)
	}
	if score != 0 {
		t.Fatalf("score=%d want 0", score)
	}

	score, err = store.Reward(ctx, "p", 1000)
	if err != nil {
		t.Fatalf("Reward: %v", err)
	}
	if score != 100 {
		t.Fatalf("score=%d want 100", score)
	}
}

func TestRedis_ScoreSurvivesReconnect(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	ctx := context.Background()

	first, err := NewRedis(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	if _, err := first.Penalize(ctx, "p", 30); err != nil {
		t.Fatalf("Penalize: %v", err)
	}
	first.Close()

	second, err := NewRedis(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer second.Close()
	score, err := second.Get(ctx, "p")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if score != 20 {
		t.Fatalf("score=%d want 20", score)
	}
}
