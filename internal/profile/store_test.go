package profile

import (
	"path/filepath"
	"sync"
	"testing"

	"stealthflow/internal/model"
)

func testProfile(name string, priority int) model.Profile {
	return model.Profile{
		Name:      name,
		Kind:      model.KindTrojan,
		Server:    "cdn.example.com",
		Port:      443,
		Priority:  priority,
		Enabled:   true,
		EntryAddr: "127.0.0.1:10808",
		Password:  "secret",
	}
}

func TestLoad_MissingFile_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "profiles.yaml")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatalf("profiles=%d", len(s.Snapshot()))
	}
}

func TestAdd_RejectsInvalid(t *testing.T) {
	t.Parallel()

	s := &Store{}
	cases := []model.Profile{
		{},
		{Name: "p", Kind: model.KindTrojan, Server: "x", Port: 0},
		{Name: "p", Kind: model.KindTrojan, Server: "x", Port: 70000},
		{Name: "p", Kind: "carrier-pigeon", Server: "x", Port: 443},
		{Name: "p", Kind: model.KindTrojan, Server: "", Port: 443},
	}
	for i, p := range cases {
		if err := s.Add(p); err == nil {
			t.Fatalf("case %d accepted: %+v", i, p)
		}
	}
}

func TestAdd_RejectsDuplicateName(t *testing.T) {
	t.Parallel()

	s := &Store{}
	if err := s.Add(testProfile("p1", 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(testProfile("p1", 2)); err == nil {
		t.Fatal("duplicate name accepted")
	}
}

func TestSnapshot_OrderedByPriorityThenName(t *testing.T) {
	t.Parallel()

	s := &Store{}
	s.Add(testProfile("bravo", 2))
	s.Add(testProfile("alpha", 2))
	s.Add(testProfile("zulu", 1))

	got := s.Snapshot()
	want := []string{"zulu", "alpha", "bravo"}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("snapshot[%d]=%s want %s", i, got[i].Name, name)
		}
	}
}

func TestUpdate_KeepsStats(t *testing.T) {
	t.Parallel()

	s := &Store{}
	s.Add(testProfile("p1", 1))
	s.MutateStats("p1", func(st *model.Stats) {
		st.Score = 77
		st.PushLatency(42)
	})

	updated := testProfile("p1", 5)
	updated.Server = "cdn2.example.com"
	if err := s.Update(updated); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, ok := s.Get("p1")
	if !ok {
		t.Fatal("profile missing after update")
	}
	if got.Server != "cdn2.example.com" || got.Priority != 5 {
		t.Fatalf("config not updated: %+v", got)
	}
	if got.Stats.Score != 77 || got.Stats.Count != 1 {
		t.Fatalf("stats lost on update: %+v", got.Stats)
	}
}

func TestSetEnabled_DisableExcludesFromEnabled(t *testing.T) {
	t.Parallel()

	s := &Store{}
	s.Add(testProfile("p1", 1))
	s.Add(testProfile("p2", 2))
	if err := s.SetEnabled("p1", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	enabled := s.Enabled()
	if len(enabled) != 1 || enabled[0].Name != "p2" {
		t.Fatalf("enabled=%+v", enabled)
	}
	// Still present in the full snapshot, never deleted.
	if len(s.Snapshot()) != 2 {
		t.Fatalf("snapshot=%d", len(s.Snapshot()))
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "profiles.yaml")
	s := &Store{path: path}
	p := testProfile("p1", 1)
	s.Add(p)
	s.MutateStats("p1", func(st *model.Stats) {
		st.PushLatency(50)
		st.PushLatency(70)
		st.Score = 88.5
	})
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := loaded.Get("p1")
	if !ok {
		t.Fatal("profile missing after reload")
	}
	if got.Password != "secret" || got.Kind != model.KindTrojan {
		t.Fatalf("profile=%+v", got)
	}
	if got.Stats.Score != 88.5 || got.Stats.Count != 2 {
		t.Fatalf("stats=%+v", got.Stats)
	}
	if got.Stats.AvgLatencyMs() != 60 {
		t.Fatalf("avg=%v", got.Stats.AvgLatencyMs())
	}
}

func TestMutateStats_ConcurrentWithReaders(t *testing.T) {
	t.Parallel()

	s := &Store{}
	s.Add(testProfile("p1", 1))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.MutateStats("p1", func(st *model.Stats) {
				st.PushLatency(float64(i))
				st.Score = float64(i % 100)
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			for _, p := range s.Snapshot() {
				_ = p.Stats.AvgLatencyMs()
			}
		}
	}()
	wg.Wait()
}

func TestRing_EvictsOldest(t *testing.T) {
	t.Parallel()

	var st model.Stats
	for i := 1; i <= model.LatencyRingSize+5; i++ {
		st.PushLatency(float64(i * 10))
	}
	if st.Count != model.LatencyRingSize {
		t.Fatalf("count=%d", st.Count)
	}
	// Samples 6..15 remain; average = 105.
	if avg := st.AvgLatencyMs(); avg != 105 {
		t.Fatalf("avg=%v", avg)
	}
}
