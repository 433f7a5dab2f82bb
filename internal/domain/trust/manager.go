package trust

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// StateStore persists the trust store envelope. Implemented by the
// file-backed adapter; writes must be atomic (write-then-rename).
type StateStore interface {
	// Load reads the persisted store. A missing or corrupt file yields an
	// empty store, never an error the manager must handle inline.
	Load() (*Store, error)
	// Save writes the full store atomically.
	Save(*Store) error
}

// ManagerConfig configures the trust manager.
type ManagerConfig struct {
	// Defaults maps agent id to initial score. The "*" key is the fallback
	// for agents without an exact entry. Empty map means baseline 50.
	Defaults map[string]int
	// Weights are the score formula coefficients.
	Weights Weights
	// Decay controls inactivity decay applied at load time.
	Decay DecayConfig
	// MaxHistoryPerAgent bounds each agent's event history (default 100).
	MaxHistoryPerAgent int
	// PersistInterval is the debounce cadence for background persistence.
	// Zero disables the timer; Flush still persists on demand.
	PersistInterval time.Duration
}

// Manager owns the trust store exclusively. All mutations recompute the
// score, re-derive the tier (unless locked), and mark the store dirty for
// the next persistence cycle.
type Manager struct {
	mu       sync.Mutex
	store    *Store
	dirty    bool
	state    StateStore
	cfg      ManagerConfig
	logger   *slog.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewManager creates a trust manager over the given state store.
func NewManager(state StateStore, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.MaxHistoryPerAgent <= 0 {
		cfg.MaxHistoryPerAgent = 100
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	return &Manager{
		store:    NewStore(),
		state:    state,
		cfg:      cfg,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Load reads the persisted store and applies inactivity decay.
func (m *Manager) Load() error {
	st, err := m.state.Load()
	if err != nil {
		return err
	}
	if st.Agents == nil {
		st.Agents = map[string]*AgentTrust{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = st
	m.refreshAgesLocked()
	if m.cfg.Decay.Enabled && m.cfg.Decay.InactivityDays > 0 {
		m.applyDecayLocked()
	}
	m.logger.Info("trust store loaded", "agents", len(st.Agents))
	return nil
}

// refreshAgesLocked re-derives each agent's age from CreatedAt and folds
// the updated age term into the score. LastEvaluated is left alone so
// inactivity decay still sees the true idle time.
func (m *Manager) refreshAgesLocked() {
	now := time.Now().UTC()
	for _, a := range m.store.Agents {
		if a.CreatedAt.IsZero() {
			continue
		}
		age := ageDays(a.CreatedAt, now)
		if age == a.AgeDays {
			continue
		}
		a.AgeDays = age
		a.Score = computeScore(a, m.cfg.Weights)
		if a.LockedTier != nil {
			a.Tier = *a.LockedTier
		} else {
			a.Tier = TierOf(a.Score)
		}
		m.dirty = true
	}
}

// ageDays returns whole days elapsed since created.
func ageDays(created, now time.Time) int {
	if d := now.Sub(created); d > 0 {
		return int(d.Hours() / 24)
	}
	return 0
}

// applyDecayLocked multiplies each inactive agent's score by the decay rate
// once per elapsed inactivity period, clamped to the floor.
func (m *Manager) applyDecayLocked() {
	now := time.Now().UTC()
	window := time.Duration(m.cfg.Decay.InactivityDays) * 24 * time.Hour
	for id, a := range m.store.Agents {
		idle := now.Sub(a.LastEvaluated)
		if a.LastEvaluated.IsZero() || idle < window {
			continue
		}
		periods := int(idle / window)
		decayed := float64(a.Score) * math.Pow(m.cfg.Decay.Rate, float64(periods))
		lo := 0
		if a.Floor != nil && *a.Floor > 0 {
			lo = *a.Floor
		}
		score := int(math.Round(decayed))
		if score < lo {
			score = lo
		}
		if score != a.Score {
			m.logger.Info("trust decay applied",
				"agent", id, "old_score", a.Score, "new_score", score, "periods", periods)
			// Fold the decay into the manual adjustment so the formula
			// reproduces the decayed score on the next recompute.
			a.ManualAdjustment += float64(score - a.Score)
			a.Score = score
			if a.LockedTier == nil {
				a.Tier = TierOf(score)
			}
			m.dirty = true
		}
	}
}

// Start begins the background persistence timer. No-op when the interval
// is zero.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.PersistInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C:
				if err := m.Flush(); err != nil {
					m.logger.Error("trust persist failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the persistence timer and flushes once. Safe to call twice.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	if err := m.Flush(); err != nil {
		m.logger.Error("trust flush on stop failed", "error", err)
	}
}

// Flush persists the store when dirty. The snapshot is taken under the
// mutex; serialisation and the write-rename happen outside it.
func (m *Manager) Flush() error {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	snap := m.snapshotLocked()
	m.dirty = false
	m.mu.Unlock()

	if err := m.state.Save(snap); err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		return err
	}
	return nil
}

// snapshotLocked deep-copies the store for persistence.
func (m *Manager) snapshotLocked() *Store {
	out := &Store{Version: 1, Updated: time.Now().UTC(), Agents: make(map[string]*AgentTrust, len(m.store.Agents))}
	for id, a := range m.store.Agents {
		cp := *a
		cp.History = append([]Event(nil), a.History...)
		if a.LockedTier != nil {
			t := *a.LockedTier
			cp.LockedTier = &t
		}
		if a.Floor != nil {
			f := *a.Floor
			cp.Floor = &f
		}
		out.Agents[id] = &cp
	}
	return out
}

// defaultScoreFor resolves the initial score for an agent: exact id entry
// first, then the "*" fallback, then 50.
func (m *Manager) defaultScoreFor(id string) int {
	if s, ok := m.cfg.Defaults[id]; ok {
		return s
	}
	if s, ok := m.cfg.Defaults["*"]; ok {
		return s
	}
	return 50
}

// getOrInitLocked returns the stored record or initialises a new one from
// the configured defaults.
func (m *Manager) getOrInitLocked(id string) *AgentTrust {
	if a, ok := m.store.Agents[id]; ok {
		return a
	}
	now := time.Now().UTC()
	score := m.defaultScoreFor(id)
	a := &AgentTrust{
		AgentID:       id,
		Score:         score,
		Tier:          TierOf(score),
		Baseline:      float64(score),
		CreatedAt:     now,
		LastEvaluated: now,
	}
	m.store.Agents[id] = a
	m.dirty = true
	return a
}

// GetAgentTrust returns a copy of the agent's record, initialising it from
// defaults on first sight.
func (m *Manager) GetAgentTrust(id string) AgentTrust {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.getOrInitLocked(id)
	cp := *a
	cp.History = append([]Event(nil), a.History...)
	return cp
}

// GetSnapshot returns the small read-only view for the evaluation context.
func (m *Manager) GetSnapshot(id string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrInitLocked(id).Snapshot()
}

// Snapshot returns copies of all records, keyed by agent id.
func (m *Manager) Snapshot() map[string]AgentTrust {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]AgentTrust, len(m.store.Agents))
	for id, a := range m.store.Agents {
		cp := *a
		cp.History = append([]Event(nil), a.History...)
		out[id] = cp
	}
	return out
}

// recomputeLocked re-runs the score formula and tier derivation for a.
// The age signal is re-derived first so long-lived processes keep
// accruing it between restarts.
func (m *Manager) recomputeLocked(a *AgentTrust) {
	now := time.Now().UTC()
	if !a.CreatedAt.IsZero() {
		a.AgeDays = ageDays(a.CreatedAt, now)
	}
	a.Score = computeScore(a, m.cfg.Weights)
	if a.LockedTier != nil {
		a.Tier = *a.LockedTier
	} else {
		a.Tier = TierOf(a.Score)
	}
	a.LastEvaluated = now
	m.dirty = true
}

// appendEventLocked appends to the agent's history, trimming to the
// configured bound from the front.
func (m *Manager) appendEventLocked(a *AgentTrust, kind string, delta float64, note string) {
	a.History = append(a.History, Event{Timestamp: time.Now().UTC(), Kind: kind, Delta: delta, Note: note})
	if over := len(a.History) - m.cfg.MaxHistoryPerAgent; over > 0 {
		a.History = append([]Event(nil), a.History[over:]...)
	}
}

// RecordSuccess registers a successful action for the agent.
func (m *Manager) RecordSuccess(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.getOrInitLocked(id)
	a.SuccessCount++
	a.CleanStreakDays++
	m.appendEventLocked(a, "success", m.cfg.Weights.SuccessPerAction, "")
	m.recomputeLocked(a)
}

// RecordViolation registers a policy violation, zeroing the clean streak.
func (m *Manager) RecordViolation(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.getOrInitLocked(id)
	a.ViolationCount++
	a.CleanStreakDays = 0
	m.appendEventLocked(a, "violation", m.cfg.Weights.ViolationPenalty, "")
	m.recomputeLocked(a)
}

// RecordEscalation registers an escalation outcome for the agent.
func (m *Manager) RecordEscalation(id string, approved bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.getOrInitLocked(id)
	if approved {
		a.ApprovedEscalations++
		m.appendEventLocked(a, "escalation_approved", m.cfg.Weights.ApprovedEscalationBonus, "")
	} else {
		a.DeniedEscalations++
		m.appendEventLocked(a, "escalation_denied", m.cfg.Weights.DeniedEscalationPenalty, "")
	}
	m.recomputeLocked(a)
}

// SetScore applies a clamped manual override. The difference between the
// requested score and the current one is folded into ManualAdjustment so
// the formula reproduces the override.
func (m *Manager) SetScore(id string, score int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.getOrInitLocked(id)
	lo := 0
	if a.Floor != nil && *a.Floor > 0 {
		lo = *a.Floor
	}
	if score < lo {
		score = lo
	}
	if score > 100 {
		score = 100
	}
	delta := float64(score - a.Score)
	a.ManualAdjustment += delta
	m.appendEventLocked(a, "manual_adjustment", delta, "")
	m.recomputeLocked(a)
}

// LockTier pins the agent's tier regardless of the derived band.
func (m *Manager) LockTier(id string, t Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.getOrInitLocked(id)
	a.LockedTier = &t
	a.Tier = t
	m.dirty = true
}

// UnlockTier removes a tier lock; the tier reverts to the derived band.
func (m *Manager) UnlockTier(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.getOrInitLocked(id)
	a.LockedTier = nil
	a.Tier = TierOf(a.Score)
	m.dirty = true
}

// SetFloor sets the score lower bound and re-clamps immediately.
func (m *Manager) SetFloor(id string, floor int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.getOrInitLocked(id)
	a.Floor = &floor
	m.recomputeLocked(a)
}

// ResetHistory empties the agent's event history, preserving counters.
func (m *Manager) ResetHistory(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.getOrInitLocked(id)
	a.History = nil
	m.dirty = true
}
