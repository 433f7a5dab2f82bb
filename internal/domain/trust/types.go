// Package trust contains domain types and the manager for per-agent trust.
package trust

import (
	"math"
	"time"
)

// Tier classifies a trust score into one of five bands.
type Tier string

const (
	// TierUntrusted is the lowest band (score < 20).
	TierUntrusted Tier = "untrusted"
	// TierRestricted covers scores in [20, 40).
	TierRestricted Tier = "restricted"
	// TierStandard covers scores in [40, 60).
	TierStandard Tier = "standard"
	// TierTrusted covers scores in [60, 80).
	TierTrusted Tier = "trusted"
	// TierPrivileged is the highest band (score >= 80).
	TierPrivileged Tier = "privileged"
)

// tierRanks orders the five bands for gate comparisons.
var tierRanks = map[Tier]int{
	TierUntrusted:  0,
	TierRestricted: 1,
	TierStandard:   2,
	TierTrusted:    3,
	TierPrivileged: 4,
}

// Rank returns the position of t in the five-band total order,
// untrusted < restricted < standard < trusted < privileged.
// Unknown tiers rank below untrusted so malformed gates never widen access.
func (t Tier) Rank() int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return -1
}

// Valid reports whether t is one of the five known bands.
func (t Tier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// TierOf derives the tier band for a score. Pure function of the score.
func TierOf(score int) Tier {
	switch {
	case score >= 80:
		return TierPrivileged
	case score >= 60:
		return TierTrusted
	case score >= 40:
		return TierStandard
	case score >= 20:
		return TierRestricted
	default:
		return TierUntrusted
	}
}

// Event is one entry in an agent's bounded trust history.
type Event struct {
	// Timestamp is when the event was recorded (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Kind identifies the signal: success, violation, escalation_approved,
	// escalation_denied, manual_adjustment, history_reset.
	Kind string `json:"kind"`
	// Delta is the signed score contribution of this event's signal.
	Delta float64 `json:"delta"`
	// Note carries optional human-readable context.
	Note string `json:"note,omitempty"`
}

// AgentTrust is the per-agent trust record.
type AgentTrust struct {
	// AgentID is the agent this record belongs to.
	AgentID string `json:"agent_id"`
	// Score is the current trust score in [0, 100].
	Score int `json:"score"`
	// Tier is the derived band, or the locked tier when LockedTier is set.
	Tier Tier `json:"tier"`

	// Signal counters.
	SuccessCount        int `json:"success_count"`
	ViolationCount      int `json:"violation_count"`
	ApprovedEscalations int `json:"approved_escalations"`
	DeniedEscalations   int `json:"denied_escalations"`
	AgeDays             int `json:"age_days"`
	CleanStreakDays     int `json:"clean_streak_days"`
	// ManualAdjustment is the cumulative operator-applied score delta.
	ManualAdjustment float64 `json:"manual_adjustment"`
	// Baseline is the starting score assigned at initialisation from the
	// configured defaults map. Signals accrue on top of it.
	Baseline float64 `json:"baseline"`

	// History holds the most recent trust events, ring-limited by the manager.
	History []Event `json:"history,omitempty"`

	// CreatedAt is when the record was first initialised (UTC).
	CreatedAt time.Time `json:"created_at"`
	// LastEvaluated is when the score was last recomputed (UTC).
	LastEvaluated time.Time `json:"last_evaluated"`

	// LockedTier, when set, overrides the derived tier.
	LockedTier *Tier `json:"locked_tier,omitempty"`
	// Floor, when set, clamps the score from below.
	Floor *int `json:"floor,omitempty"`
}

// Snapshot is the small read-only view of an agent's trust carried in
// evaluation contexts and verdicts.
type Snapshot struct {
	AgentID string `json:"agent_id"`
	Score   int    `json:"score"`
	Tier    Tier   `json:"tier"`
}

// Snapshot returns the read-only view of the record.
func (a *AgentTrust) Snapshot() Snapshot {
	return Snapshot{AgentID: a.AgentID, Score: a.Score, Tier: a.Tier}
}

// Store is the versioned persistence envelope for all agent trust records.
type Store struct {
	// Version is the envelope schema version. Always 1.
	Version int `json:"version"`
	// Updated is when the envelope was last persisted (UTC, ISO form on disk).
	Updated time.Time `json:"updated"`
	// Agents maps agent id to its trust record.
	Agents map[string]*AgentTrust `json:"agents"`
}

// NewStore returns an empty version-1 store.
func NewStore() *Store {
	return &Store{Version: 1, Updated: time.Now().UTC(), Agents: map[string]*AgentTrust{}}
}

// Weights are the score formula coefficients. All fields have working
// defaults from DefaultWeights; config may override any subset.
type Weights struct {
	AgePerDay                float64 `json:"age_per_day" yaml:"agePerDay" mapstructure:"agePerDay"`
	AgeMax                   float64 `json:"age_max" yaml:"ageMax" mapstructure:"ageMax"`
	SuccessPerAction         float64 `json:"success_per_action" yaml:"successPerAction" mapstructure:"successPerAction"`
	SuccessMax               float64 `json:"success_max" yaml:"successMax" mapstructure:"successMax"`
	ViolationPenalty         float64 `json:"violation_penalty" yaml:"violationPenalty" mapstructure:"violationPenalty"`
	ApprovedEscalationBonus  float64 `json:"approved_escalation_bonus" yaml:"approvedEscalationBonus" mapstructure:"approvedEscalationBonus"`
	DeniedEscalationPenalty  float64 `json:"denied_escalation_penalty" yaml:"deniedEscalationPenalty" mapstructure:"deniedEscalationPenalty"`
	CleanStreakPerDay        float64 `json:"clean_streak_per_day" yaml:"cleanStreakPerDay" mapstructure:"cleanStreakPerDay"`
	CleanStreakMax           float64 `json:"clean_streak_max" yaml:"cleanStreakMax" mapstructure:"cleanStreakMax"`
}

// DefaultWeights returns the built-in score formula coefficients.
func DefaultWeights() Weights {
	return Weights{
		AgePerDay:               0.5,
		AgeMax:                  20,
		SuccessPerAction:        0.1,
		SuccessMax:              30,
		ViolationPenalty:        -2,
		ApprovedEscalationBonus: 0.5,
		DeniedEscalationPenalty: -3,
		CleanStreakPerDay:       0.3,
		CleanStreakMax:          20,
	}
}

// DecayConfig controls score decay for inactive agents, applied at load time.
type DecayConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	InactivityDays int     `yaml:"inactivityDays" mapstructure:"inactivityDays"`
	Rate           float64 `yaml:"rate" mapstructure:"rate"`
}

// computeScore applies the weighted signal formula and clamps the result to
// [max(floor, 0), 100]. The raw sum is rounded before clamping.
func computeScore(a *AgentTrust, w Weights) int {
	raw := a.Baseline +
		math.Min(float64(a.AgeDays)*w.AgePerDay, w.AgeMax) +
		math.Min(float64(a.SuccessCount)*w.SuccessPerAction, w.SuccessMax) +
		float64(a.ViolationCount)*w.ViolationPenalty +
		float64(a.ApprovedEscalations)*w.ApprovedEscalationBonus +
		float64(a.DeniedEscalations)*w.DeniedEscalationPenalty +
		math.Min(float64(a.CleanStreakDays)*w.CleanStreakPerDay, w.CleanStreakMax) +
		a.ManualAdjustment

	lo := 0
	if a.Floor != nil && *a.Floor > 0 {
		lo = *a.Floor
	}
	score := int(math.Round(raw))
	if score < lo {
		score = lo
	}
	if score > 100 {
		score = 100
	}
	return score
}
