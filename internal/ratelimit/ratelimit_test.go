package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestAllow_EleventhCallRejected(t *testing.T) {
	t.Parallel()

	l := New(10, 60*time.Second)
	for i := 0; i < 10; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("call %d rejected", i+1)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("11th call allowed")
	}
	// Other keys are unaffected.
	if !l.Allow("5.6.7.8") {
		t.Fatal("unrelated key rejected")
	}
}

func TestAllow_WindowElapses(t *testing.T) {
	t.Parallel()

	l := New(2, 60*time.Second)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	if !l.Allow("k") || !l.Allow("k") {
		t.Fatal("first two calls rejected")
	}
	if l.Allow("k") {
		t.Fatal("third call within window allowed")
	}

	now = now.Add(61 * time.Second)
	if !l.Allow("k") {
		t.Fatal("call after window elapsed rejected")
	}
}

func TestAllow_RejectedCallNotRecorded(t *testing.T) {
	t.Parallel()

	l := New(1, time.Minute)
	now := time.Unix(2000, 0)
	l.now = func() time.Time { return now }

	if !l.Allow("k") {
		t.Fatal("first call rejected")
	}
	// Rejected attempts must not extend the window.
	for i := 0; i < 5; i++ {
		now = now.Add(10 * time.Second)
		if l.Allow("k") {
			t.Fatalf("call at +%ds allowed", (i+1)*10)
		}
	}
	now = now.Add(15 * time.Second) // 65s after the only recorded event
	if !l.Allow("k") {
		t.Fatal("call after original event expired rejected")
	}
}

func TestPrune_DropsIdleKeys(t *testing.T) {
	t.Parallel()

	l := New(5, time.Second)
	now := time.Unix(3000, 0)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	now = now.Add(2 * time.Second)
	l.Prune()

	l.mu.Lock()
	n := len(l.keys)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("keys=%d after prune", n)
	}
}

func TestAllow_ConcurrentCallers(t *testing.T) {
	t.Parallel()

	l := New(100, time.Minute)
	var wg sync.WaitGroup
	allowed := make([]int, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if l.Allow("shared") {
					allowed[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, n := range allowed {
		total += n
	}
	if total != 100 {
		t.Fatalf("allowed=%d want 100", total)
	}
}
