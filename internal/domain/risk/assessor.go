// Package risk scores each mediated action from five weighted factors and
// bands the total into a discrete level.
package risk

import "math"

// Level is the discrete risk band.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// levelRanks orders the bands low < medium < high < critical.
var levelRanks = map[Level]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// Rank returns the position of l in the band order, or -1 for unknown levels.
func (l Level) Rank() int {
	if r, ok := levelRanks[l]; ok {
		return r
	}
	return -1
}

// LevelOf bands a total score: <=25 low, <=50 medium, <=75 high, else critical.
func LevelOf(score int) Level {
	switch {
	case score <= 25:
		return LevelLow
	case score <= 50:
		return LevelMedium
	case score <= 75:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Assessment is the outcome of one risk computation.
type Assessment struct {
	// Score is the rounded, clamped total in [0, 100].
	Score int `json:"score"`
	// Level is the band for Score.
	Level Level `json:"level"`
	// Factors holds the per-factor contributions by name.
	Factors map[string]float64 `json:"factors"`
}

// Input carries everything the assessor needs for one action. The engine
// assembles it from the evaluation context and the frequency counter so the
// assessor itself stays a pure function.
type Input struct {
	// ToolName is empty for non-tool hooks.
	ToolName string
	// ToolParams are the raw tool parameters (nil for non-tool hooks).
	ToolParams map[string]any
	// Hour is the current hour-of-day in the configured timezone.
	Hour int
	// TrustScore is the agent's current trust score.
	TrustScore int
	// RecentCount is the number of actions recorded for this agent and
	// session in the last 60 seconds.
	RecentCount int
	// MessageTo is the outbound message addressee, if any.
	MessageTo string
}

// Factor weights. Together they bound the total at 100.
const (
	weightToolSensitivity = 30
	weightTimeOfDay       = 15
	weightTrustDeficit    = 20
	weightFrequency       = 15
	weightTargetScope     = 20
)

// unknownToolScore is the sensitivity assumed for tools absent from the table.
const unknownToolScore = 30

// builtinToolScores maps tool names to sensitivity on a 0-100 scale.
var builtinToolScores = map[string]int{
	"gateway":        95,
	"elevated":       95,
	"cron":           90,
	"exec":           70,
	"write":          65,
	"edit":           60,
	"sessions_send":  50,
	"sessions_spawn": 45,
	"browser":        40,
	"message":        40,
	"web_fetch":      20,
	"web_search":     15,
	"canvas":         15,
	"read":           10,
	"image":          10,
	"memory_get":     5,
	"memory_set":     5,
	"memory_list":    5,
	"memory_delete":  5,
}

// Assessor computes assessments. Overrides from configuration supersede the
// built-in tool table.
type Assessor struct {
	overrides map[string]int
}

// NewAssessor creates an assessor with optional per-tool overrides.
func NewAssessor(toolOverrides map[string]int) *Assessor {
	return &Assessor{overrides: toolOverrides}
}

// toolScore resolves the sensitivity for a tool name. Tools prefixed with
// "memory_" share the memory score unless overridden.
func (a *Assessor) toolScore(name string) int {
	if s, ok := a.overrides[name]; ok {
		return s
	}
	if s, ok := builtinToolScores[name]; ok {
		return s
	}
	if len(name) > 7 && name[:7] == "memory_" {
		return 5
	}
	return unknownToolScore
}

// Assess combines the five weighted factors into a bounded score and level.
func (a *Assessor) Assess(in Input) Assessment {
	factors := make(map[string]float64, 5)

	factors["tool_sensitivity"] = 0
	if in.ToolName != "" {
		factors["tool_sensitivity"] = float64(a.toolScore(in.ToolName)) / 100 * weightToolSensitivity
	}

	factors["time_of_day"] = 0
	if in.Hour < 8 || in.Hour >= 23 {
		factors["time_of_day"] = weightTimeOfDay
	}

	factors["trust_deficit"] = float64(100-in.TrustScore) / 100 * weightTrustDeficit

	freq := float64(in.RecentCount) / 20
	if freq > 1 {
		freq = 1
	}
	factors["frequency"] = freq * weightFrequency

	factors["target_scope"] = 0
	if externalTarget(in) {
		factors["target_scope"] = weightTargetScope
	}

	total := 0.0
	for _, v := range factors {
		total += v
	}
	score := int(math.Round(total))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Assessment{Score: score, Level: LevelOf(score), Factors: factors}
}

// externalTarget reports whether the action reaches outside the sandbox:
// a non-empty message addressee, a "host" parameter other than "sandbox",
// or an "elevated" parameter set to true.
func externalTarget(in Input) bool {
	if in.MessageTo != "" {
		return true
	}
	if h, ok := in.ToolParams["host"]; ok {
		if s, isStr := h.(string); isStr && s != "sandbox" {
			return true
		}
	}
	if e, ok := in.ToolParams["elevated"]; ok {
		if b, isBool := e.(bool); isBool && b {
			return true
		}
	}
	return false
}
