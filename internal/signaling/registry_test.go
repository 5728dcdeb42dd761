package signaling

import (
	"errors"
	"testing"
)

func addAuthenticated(t *testing.T, r *Registry, identity string) *Peer {
	t.Helper()
	p := r.Add("203.0.113.7:4242", make(chan Envelope, 4))
	if err := r.Challenge(p.ID); err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	if err := r.Authenticate(p.ID, identity); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return p
}

func TestRegistry_MatchPairsFIFO(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := addAuthenticated(t, r, "first")
	second := addAuthenticated(t, r, "second")
	third := addAuthenticated(t, r, "third")

	for _, p := range []*Peer{first, second} {
		m, err := r.RequestMatch(p.ID, MatchRequest{Capability: "relay"})
		if err != nil || m != nil {
			t.Fatalf("queueing %s: match=%v err=%v", p.Identity, m, err)
		}
	}

	// Third requester pairs with the longest-waiting peer.
	m, err := r.RequestMatch(third.ID, MatchRequest{Capability: "relay"})
	if err != nil {
		t.Fatalf("RequestMatch: %v", err)
	}
	if m == nil || m.Counterpart.ID != first.ID {
		t.Fatalf("match=%+v, want counterpart %s", m, first.ID)
	}
	if first.State != StateMatched || third.State != StateMatched {
		t.Fatalf("states first=%s third=%s", first.State, third.State)
	}
	if second.State != StateAuthenticated {
		t.Fatalf("second state=%s", second.State)
	}
	if m.Requester.SessionID == "" || m.Requester.SessionID != m.Counterpart.SessionID {
		t.Fatalf("session ids %q vs %q", m.Requester.SessionID, m.Counterpart.SessionID)
	}
}

func TestRegistry_CapabilityClassesIsolated(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	relay := addAuthenticated(t, r, "relay-peer")
	exit := addAuthenticated(t, r, "exit-peer")

	if m, err := r.RequestMatch(relay.ID, MatchRequest{Capability: "relay"}); err != nil || m != nil {
		t.Fatalf("relay queue: match=%v err=%v", m, err)
	}
	m, err := r.RequestMatch(exit.ID, MatchRequest{Capability: "exit"})
	if err != nil {
		t.Fatalf("RequestMatch: %v", err)
	}
	if m != nil {
		t.Fatalf("cross-capability match: %+v", m)
	}
}

func TestRegistry_RequestMatchGuards(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	unauth := r.Add("203.0.113.7:4242", make(chan Envelope, 1))
	if _, err := r.RequestMatch(unauth.ID, MatchRequest{Capability: "relay"}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err=%v", err)
	}

	a := addAuthenticated(t, r, "a")
	b := addAuthenticated(t, r, "b")
	if _, err := r.RequestMatch(a.ID, MatchRequest{Capability: "relay"}); err != nil {
		t.Fatalf("queue a: %v", err)
	}
	// A second request while waiting is idempotent, not a second queue slot.
	if _, err := r.RequestMatch(a.ID, MatchRequest{Capability: "relay"}); err != nil {
		t.Fatalf("requeue a: %v", err)
	}
	if got := r.Counts().Waiting; got != 1 {
		t.Fatalf("waiting=%d", got)
	}

	if m, err := r.RequestMatch(b.ID, MatchRequest{Capability: "relay"}); err != nil || m == nil {
		t.Fatalf("pair: match=%v err=%v", m, err)
	}
	if _, err := r.RequestMatch(a.ID, MatchRequest{Capability: "relay"}); !errors.Is(err, ErrAlreadyMatched) {
		t.Fatalf("err=%v", err)
	}
}

func TestRegistry_StaleWaiterSkipped(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	gone := addAuthenticated(t, r, "gone")
	stay := addAuthenticated(t, r, "stay")
	late := addAuthenticated(t, r, "late")

	for _, p := range []*Peer{gone, stay} {
		if _, err := r.RequestMatch(p.ID, MatchRequest{Capability: "relay"}); err != nil {
			t.Fatalf("queue %s: %v", p.Identity, err)
		}
	}
	r.Remove(gone.ID)

	m, err := r.RequestMatch(late.ID, MatchRequest{Capability: "relay"})
	if err != nil {
		t.Fatalf("RequestMatch: %v", err)
	}
	if m == nil || m.Counterpart.ID != stay.ID {
		t.Fatalf("match=%+v, want counterpart %s", m, stay.ID)
	}
}

func TestRegistry_EndSessionReleasesBothSides(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := addAuthenticated(t, r, "a")
	b := addAuthenticated(t, r, "b")
	if _, err := r.RequestMatch(a.ID, MatchRequest{Capability: "relay"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := r.RequestMatch(b.ID, MatchRequest{Capability: "relay"}); err != nil {
		t.Fatalf("pair: %v", err)
	}

	other, err := r.EndSession(a.ID)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if other == nil || other.ID != b.ID {
		t.Fatalf("counterpart=%+v", other)
	}
	if a.State != StateAuthenticated || b.State != StateAuthenticated {
		t.Fatalf("states a=%s b=%s", a.State, b.State)
	}
	if a.SessionID != "" || b.SessionID != "" {
		t.Fatalf("session ids survived teardown")
	}
	if _, err := r.EndSession(a.ID); !errors.Is(err, ErrNotMatched) {
		t.Fatalf("second teardown err=%v", err)
	}

	// Both sides can pair again.
	if _, err := r.RequestMatch(a.ID, MatchRequest{Capability: "relay"}); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if m, err := r.RequestMatch(b.ID, MatchRequest{Capability: "relay"}); err != nil || m == nil {
		t.Fatalf("re-pair: match=%v err=%v", m, err)
	}
}

func TestRegistry_RemoveReleasesCounterpart(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := addAuthenticated(t, r, "a")
	b := addAuthenticated(t, r, "b")
	if _, err := r.RequestMatch(a.ID, MatchRequest{Capability: "relay"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := r.RequestMatch(b.ID, MatchRequest{Capability: "relay"}); err != nil {
		t.Fatalf("pair: %v", err)
	}

	other, ok := r.Remove(a.ID)
	if !ok || other.ID != b.ID {
		t.Fatalf("other=%+v ok=%v", other, ok)
	}
	if b.State != StateAuthenticated || b.SessionID != "" {
		t.Fatalf("counterpart not released: %+v", b)
	}

	counts := r.Counts()
	if counts.Peers != 1 || counts.Sessions != 0 {
		t.Fatalf("counts=%+v", counts)
	}
}
