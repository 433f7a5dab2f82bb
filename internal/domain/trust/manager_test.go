package trust

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

// mockStateStore keeps the envelope in memory and counts saves.
type mockStateStore struct {
	store   *Store
	saves   int
	saveErr error
}

func (m *mockStateStore) Load() (*Store, error) {
	if m.store == nil {
		return NewStore(), nil
	}
	return m.store, nil
}

func (m *mockStateStore) Save(s *Store) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.store = s
	m.saves++
	return nil
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *mockStateStore) {
	t.Helper()
	st := &mockStateStore{}
	m := NewManager(st, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m, st
}

func TestTierOf(t *testing.T) {
	tests := []struct {
		score int
		want  Tier
	}{
		{0, TierUntrusted},
		{19, TierUntrusted},
		{20, TierRestricted},
		{39, TierRestricted},
		{40, TierStandard},
		{59, TierStandard},
		{60, TierTrusted},
		{79, TierTrusted},
		{80, TierPrivileged},
		{100, TierPrivileged},
	}
	for _, tt := range tests {
		if got := TierOf(tt.score); got != tt.want {
			t.Errorf("TierOf(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestNewAgentGetsDefaultScore(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{
		Defaults: map[string]int{"forge": 70, "*": 40},
	})

	if got := m.GetSnapshot("forge"); got.Score != 70 || got.Tier != TierTrusted {
		t.Errorf("forge snapshot = %+v, want score 70 trusted", got)
	}
	if got := m.GetSnapshot("someone"); got.Score != 40 || got.Tier != TierStandard {
		t.Errorf("fallback snapshot = %+v, want score 40 standard", got)
	}

	m2, _ := newTestManager(t, ManagerConfig{})
	if got := m2.GetSnapshot("x"); got.Score != 50 {
		t.Errorf("empty defaults snapshot = %+v, want score 50", got)
	}
}

func TestScoreStaysInRangeAndTierDerived(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})

	// Hammer the score in both directions.
	for i := 0; i < 50; i++ {
		m.RecordViolation("a")
	}
	for i := 0; i < 500; i++ {
		m.RecordSuccess("a")
	}
	m.RecordEscalation("a", true)
	m.RecordEscalation("a", false)
	m.SetScore("a", 250)
	m.SetScore("a", -40)

	a := m.GetAgentTrust("a")
	if a.Score < 0 || a.Score > 100 {
		t.Fatalf("score %d out of range", a.Score)
	}
	if a.Tier != TierOf(a.Score) {
		t.Errorf("tier %s does not match derived %s", a.Tier, TierOf(a.Score))
	}
}

func TestScoreFormula(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{Defaults: map[string]int{"*": 50}})

	for i := 0; i < 10; i++ {
		m.RecordSuccess("a")
	}
	// 50 baseline + 10*0.1 success + min(10*0.3, 20) streak = 54.
	if got := m.GetSnapshot("a"); got.Score != 54 {
		t.Errorf("score after 10 successes = %d, want 54", got.Score)
	}

	m.RecordViolation("a")
	// Streak zeroed: 50 + 1.1 - 2 = 49 rounded.
	if got := m.GetSnapshot("a"); got.Score != 49 {
		t.Errorf("score after violation = %d, want 49", got.Score)
	}

	m.RecordEscalation("a", false)
	// 49 - 3 = 46.
	if got := m.GetSnapshot("a"); got.Score != 46 {
		t.Errorf("score after denied escalation = %d, want 46", got.Score)
	}
}

func TestSetScoreClampsAndSticks(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})

	m.SetScore("a", 85)
	if got := m.GetSnapshot("a"); got.Score != 85 || got.Tier != TierPrivileged {
		t.Errorf("snapshot = %+v, want 85 privileged", got)
	}
	m.SetScore("a", 300)
	if got := m.GetSnapshot("a"); got.Score != 100 {
		t.Errorf("score = %d, want clamped 100", got.Score)
	}
	m.SetScore("a", -10)
	if got := m.GetSnapshot("a"); got.Score != 0 {
		t.Errorf("score = %d, want clamped 0", got.Score)
	}
}

func TestLockedTierOverridesDerivation(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})

	m.LockTier("a", TierUntrusted)
	m.SetScore("a", 95)
	if got := m.GetSnapshot("a"); got.Tier != TierUntrusted {
		t.Errorf("tier = %s, want locked untrusted", got.Tier)
	}

	m.UnlockTier("a")
	if got := m.GetSnapshot("a"); got.Tier != TierPrivileged {
		t.Errorf("tier = %s, want derived privileged after unlock", got.Tier)
	}
}

func TestFloorClampsFromBelow(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})

	m.SetFloor("a", 30)
	for i := 0; i < 100; i++ {
		m.RecordViolation("a")
	}
	if got := m.GetSnapshot("a"); got.Score != 30 {
		t.Errorf("score = %d, want floored at 30", got.Score)
	}
}

func TestHistoryBounded(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{MaxHistoryPerAgent: 5})

	for i := 0; i < 12; i++ {
		m.RecordSuccess("a")
	}
	a := m.GetAgentTrust("a")
	if len(a.History) != 5 {
		t.Errorf("history length = %d, want 5", len(a.History))
	}

	m.ResetHistory("a")
	a = m.GetAgentTrust("a")
	if len(a.History) != 0 {
		t.Errorf("history length after reset = %d, want 0", len(a.History))
	}
	if a.SuccessCount != 12 {
		t.Errorf("success count = %d, counters must survive a history reset", a.SuccessCount)
	}
}

func TestFlushPersistsOnceAndRetriesOnError(t *testing.T) {
	m, st := newTestManager(t, ManagerConfig{})

	if err := m.Flush(); err != nil {
		t.Fatalf("Flush on clean store: %v", err)
	}
	if st.saves != 0 {
		t.Errorf("clean store should not persist, saves = %d", st.saves)
	}

	m.RecordSuccess("a")
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if st.saves != 1 {
		t.Errorf("saves = %d, want 1", st.saves)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if st.saves != 1 {
		t.Errorf("unchanged store flushed again, saves = %d", st.saves)
	}

	m.RecordSuccess("a")
	st.saveErr = errors.New("disk full")
	if err := m.Flush(); err == nil {
		t.Fatal("expected flush error")
	}
	st.saveErr = nil
	if err := m.Flush(); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	if st.saves != 2 {
		t.Errorf("saves = %d, want 2 after retry", st.saves)
	}
}

func TestRoundTripThroughStore(t *testing.T) {
	st := &mockStateStore{}
	m := NewManager(st, ManagerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.RecordSuccess("a")
	m.RecordViolation("b")
	m.LockTier("b", TierRestricted)
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	m2 := NewManager(st, ManagerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m2.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	before := m.Snapshot()
	after := m2.Snapshot()
	if len(after) != len(before) {
		t.Fatalf("agents = %d, want %d", len(after), len(before))
	}
	for id, want := range before {
		got, ok := after[id]
		if !ok {
			t.Fatalf("agent %s missing after reload", id)
		}
		if got.Score != want.Score || got.Tier != want.Tier ||
			got.SuccessCount != want.SuccessCount || got.ViolationCount != want.ViolationCount {
			t.Errorf("agent %s: got %+v, want %+v", id, got, want)
		}
	}
	if b := after["b"]; b.LockedTier == nil || *b.LockedTier != TierRestricted {
		t.Error("tier lock lost in round trip")
	}
}

func TestDecayAppliedAtLoad(t *testing.T) {
	old := time.Now().UTC().Add(-15 * 24 * time.Hour)
	st := &mockStateStore{store: &Store{
		Version: 1,
		Agents: map[string]*AgentTrust{
			"idle": {
				AgentID: "idle", Score: 80, Tier: TierPrivileged, Baseline: 80,
				CreatedAt: old, LastEvaluated: old,
			},
			"active": {
				AgentID: "active", Score: 80, Tier: TierPrivileged, Baseline: 80,
				CreatedAt: old, LastEvaluated: time.Now().UTC(),
			},
		},
	}}
	m := NewManager(st, ManagerConfig{
		Decay: DecayConfig{Enabled: true, InactivityDays: 7, Rate: 0.9},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Both agents gain the age term at load: 80 + 15*0.5 = 87.5, rounded 88.
	// Two full 7-day periods idle then decay that: 88 * 0.9^2 = 71.28,
	// rounded 71.
	if got := m.GetSnapshot("idle"); got.Score != 71 {
		t.Errorf("idle score = %d, want 71", got.Score)
	}
	if got := m.GetSnapshot("active"); got.Score != 88 {
		t.Errorf("active score = %d, want undecayed 88", got.Score)
	}
}

func TestAgeSignalAccruesFromCreatedAt(t *testing.T) {
	created := time.Now().UTC().Add(-40 * 24 * time.Hour)
	st := &mockStateStore{store: &Store{
		Version: 1,
		Agents: map[string]*AgentTrust{
			"vet": {
				AgentID: "vet", Score: 50, Tier: TierStandard, Baseline: 50,
				CreatedAt: created, LastEvaluated: time.Now().UTC(),
			},
		},
	}}
	m := NewManager(st, ManagerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// 50 baseline + min(40*0.5, 20) capped age bonus = 70.
	if got := m.GetSnapshot("vet"); got.Score != 70 || got.Tier != TierTrusted {
		t.Errorf("snapshot after load = %+v, want score 70 trusted", got)
	}
	if a := m.GetAgentTrust("vet"); a.AgeDays != 40 {
		t.Errorf("age = %d days, want 40", a.AgeDays)
	}

	// The age term survives later recomputes: 50 + 20 - 2 = 68.
	m.RecordViolation("vet")
	if got := m.GetSnapshot("vet"); got.Score != 68 {
		t.Errorf("score after violation = %d, want 68", got.Score)
	}
}
