package policy

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/Aegis-Gate/Aegisgate/internal/domain/frequency"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/risk"
)

// Deps carries the shared collaborators the condition kernel needs. One
// Deps value is assembled per evaluation; the cache and counter are shared
// across evaluations, the risk assessment is per-call.
type Deps struct {
	// Regex is the index's shared pattern cache.
	Regex *RegexCache
	// Windows are the configured named time windows.
	Windows map[string]TimeWindow
	// Counter is the engine's frequency ring.
	Counter *frequency.Counter
	// Risk is the assessment computed for this action.
	Risk risk.Assessment
	// Logger reports malformed conditions (once per policy load is handled
	// upstream; the kernel itself stays quiet on missing context fields).
	Logger *slog.Logger
}

// EvalConditions evaluates a rule's condition list under AND semantics,
// short-circuiting on the first false. An empty list holds.
func EvalConditions(conds []Condition, ctx *EvaluationContext, deps *Deps) bool {
	for i := range conds {
		if !EvalCondition(&conds[i], ctx, deps) {
			return false
		}
	}
	return true
}

// EvalCondition dispatches on the condition kind. A condition referencing
// a context field the call did not populate yields false, never an error.
func EvalCondition(c *Condition, ctx *EvaluationContext, deps *Deps) bool {
	switch c.Kind {
	case CondTool:
		return c.Tool != nil && evalTool(c.Tool, ctx, deps)
	case CondTime:
		return c.Time != nil && evalTime(c.Time, ctx, deps)
	case CondAgent:
		return c.Agent != nil && evalAgent(c.Agent, ctx, deps)
	case CondContext:
		return c.Context != nil && evalContext(c.Context, ctx, deps)
	case CondRisk:
		return c.Risk != nil && evalRisk(c.Risk, deps)
	case CondFrequency:
		return c.Frequency != nil && evalFrequency(c.Frequency, ctx, deps)
	case CondAny:
		for i := range c.Any {
			if EvalCondition(&c.Any[i], ctx, deps) {
				return true
			}
		}
		return false
	case CondNot:
		return c.Not != nil && !EvalCondition(c.Not, ctx, deps)
	default:
		return false
	}
}

// evalTool matches the tool name and all declared parameter matchers.
func evalTool(tc *ToolCondition, ctx *EvaluationContext, deps *Deps) bool {
	if ctx.ToolName == "" {
		return false
	}
	if len(tc.Name) > 0 && !MatchPatterns(deps.Regex, tc.Name, ctx.ToolName) {
		return false
	}
	for key, m := range tc.Params {
		val, ok := ctx.ToolParams[key]
		if !ok {
			return false
		}
		if !matchParam(m, val, deps) {
			return false
		}
	}
	return true
}

// matchParam applies the single declared operator. Equals is strict and In
// is element-wise; the remaining operators compare the string-coerced
// value.
func matchParam(m ParamMatch, val any, deps *Deps) bool {
	switch {
	case m.Equals != nil:
		return reflect.DeepEqual(val, m.Equals)
	case len(m.In) > 0:
		for _, cand := range m.In {
			if reflect.DeepEqual(val, cand) {
				return true
			}
		}
		return false
	case m.Contains != "":
		return strings.Contains(coerceString(val), m.Contains)
	case m.StartsWith != "":
		return strings.HasPrefix(coerceString(val), m.StartsWith)
	case m.Matches != "":
		re, ok := deps.Regex.Get(m.Matches)
		if !ok {
			return false
		}
		return re.MatchString(coerceString(val))
	default:
		return false
	}
}

// coerceString renders a parameter value for substring-style matchers.
func coerceString(val any) string {
	if s, ok := val.(string); ok {
		return s
	}
	return fmt.Sprint(val)
}

// evalTime resolves the window (named reference first, inline otherwise)
// and checks the current minutes-of-day, computed once per call.
func evalTime(tc *TimeCondition, ctx *EvaluationContext, deps *Deps) bool {
	w := TimeWindow{After: tc.After, Before: tc.Before, Days: tc.Days}
	if tc.Window != "" {
		named, ok := deps.Windows[tc.Window]
		if !ok {
			return false
		}
		w = named
	}

	after := ParseClockMinutes(w.After)
	before := ParseClockMinutes(w.Before)
	if after < 0 || before < 0 {
		return false
	}

	if len(w.Days) > 0 && !dayMatches(w.Days, ctx.Time.Weekday.String()) {
		return false
	}
	return InMinuteRange(ctx.Time.MinutesOfDay(), after, before)
}

// dayMatches accepts full day names or three-letter abbreviations,
// case-insensitively.
func dayMatches(days []string, weekday string) bool {
	full := strings.ToLower(weekday)
	for _, d := range days {
		d = strings.ToLower(d)
		if d == full || (len(d) >= 3 && strings.HasPrefix(full, d[:3])) {
			return true
		}
	}
	return false
}

// evalAgent checks id patterns, tier membership, and the score range.
func evalAgent(ac *AgentCondition, ctx *EvaluationContext, deps *Deps) bool {
	if len(ac.ID) > 0 && !MatchPatterns(deps.Regex, ac.ID, ctx.AgentID) {
		return false
	}
	if len(ac.Tiers) > 0 {
		found := false
		for _, t := range ac.Tiers {
			if t == ctx.Trust.Tier {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if ac.MinScore != nil && ctx.Trust.Score < *ac.MinScore {
		return false
	}
	if ac.MaxScore != nil && ctx.Trust.Score > *ac.MaxScore {
		return false
	}
	return true
}

// evalContext checks history, content, metadata, channel, and session key.
func evalContext(cc *ContextCondition, ctx *EvaluationContext, deps *Deps) bool {
	if cc.HistoryContains != "" || cc.HistoryMatches != "" {
		if len(ctx.History) == 0 {
			return false
		}
		joined := strings.Join(ctx.History, "\n")
		if cc.HistoryContains != "" && !strings.Contains(joined, cc.HistoryContains) {
			return false
		}
		if cc.HistoryMatches != "" {
			re, ok := deps.Regex.Get(cc.HistoryMatches)
			if !ok || !re.MatchString(joined) {
				return false
			}
		}
	}
	if cc.ContentContains != "" {
		if ctx.MessageContent == "" || !strings.Contains(ctx.MessageContent, cc.ContentContains) {
			return false
		}
	}
	if cc.ContentMatches != "" {
		if ctx.MessageContent == "" {
			return false
		}
		re, ok := deps.Regex.Get(cc.ContentMatches)
		if !ok || !re.MatchString(ctx.MessageContent) {
			return false
		}
	}
	if cc.MetadataKey != "" {
		if _, ok := ctx.Metadata[cc.MetadataKey]; !ok {
			return false
		}
	}
	if len(cc.Channels) > 0 {
		found := false
		for _, ch := range cc.Channels {
			if ch == ctx.Channel {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if cc.SessionKeyGlob != "" {
		re, ok := deps.Regex.GetGlob(cc.SessionKeyGlob)
		if !ok || !re.MatchString(ctx.SessionKey) {
			return false
		}
	}
	return true
}

// evalRisk checks the inclusive band range against the current assessment.
func evalRisk(rc *RiskCondition, deps *Deps) bool {
	rank := deps.Risk.Level.Rank()
	if rank < 0 {
		return false
	}
	if rc.Min != "" && rank < rc.Min.Rank() {
		return false
	}
	if rc.Max != "" {
		maxRank := rc.Max.Rank()
		if maxRank < 0 || rank > maxRank {
			return false
		}
	}
	return true
}

// evalFrequency holds when the windowed count meets or exceeds the
// threshold. The scope defaults to agent.
func evalFrequency(fc *FrequencyCondition, ctx *EvaluationContext, deps *Deps) bool {
	if deps.Counter == nil || fc.MaxCount <= 0 || fc.WindowSeconds <= 0 {
		return false
	}
	scope := fc.Scope
	if scope == "" {
		scope = frequency.ScopeAgent
	}
	n := deps.Counter.Count(fc.WindowSeconds, scope, ctx.AgentID, ctx.SessionKey)
	return n >= fc.MaxCount
}
