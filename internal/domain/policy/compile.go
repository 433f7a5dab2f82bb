package policy

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Specificity weights for evaluation-order tie breaking.
const (
	specAgents   = 10
	specChannels = 5
	specHooks    = 3
)

// CompiledPolicy pairs a policy with its precomputed ordering data.
type CompiledPolicy struct {
	Policy *Policy
	// Order is the declaration index, the final tie breaker.
	Order int
	// Specificity scores how narrowly the scope is drawn.
	Specificity int
}

// Index is the immutable compiled form of a policy set. Reloads build a
// fresh Index and swap it in atomically; an Index is never mutated after
// Compile returns.
type Index struct {
	// ByHook maps each hook kind to its applicable policies in declaration
	// order. Policies with no hook scope appear in every list.
	ByHook map[HookKind][]*CompiledPolicy
	// ByAgent maps agent ids to their scoped policies; the "*" bucket holds
	// policies with no agent scope.
	ByAgent map[string][]*CompiledPolicy
	// Policies is every compiled policy in declaration order.
	Policies []*CompiledPolicy
	// Windows are the named time windows resolved at compile time.
	Windows map[string]TimeWindow
	// Regex is the shared pattern cache, pre-warmed with every regex and
	// glob source the policy set references.
	Regex *RegexCache
	// Fingerprint identifies this compilation for logs and status output.
	Fingerprint uint64
}

// Compile builds an Index from declared policies plus the enabled built-in
// templates. Declared policies win id collisions with built-ins. A policy
// that fails validation is skipped with one warning; the rest of the set
// still compiles.
func Compile(declared []Policy, builtins BuiltinConfig, windows map[string]TimeWindow, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	if windows == nil {
		windows = map[string]TimeWindow{}
	}

	merged := mergeBuiltins(declared, builtins)

	idx := &Index{
		ByHook:  make(map[HookKind][]*CompiledPolicy, len(AllHooks)),
		ByAgent: make(map[string][]*CompiledPolicy),
		Windows: windows,
		Regex:   NewRegexCache(logger),
	}

	digest := xxhash.New()
	seen := make(map[string]bool, len(merged))
	for i := range merged {
		p := &merged[i]
		if err := validatePolicy(p); err != nil {
			logger.Warn("skipping invalid policy", "policy_id", p.ID, "error", err)
			continue
		}
		if seen[p.ID] {
			logger.Warn("skipping duplicate policy id", "policy_id", p.ID)
			continue
		}
		seen[p.ID] = true

		warmPolicyPatterns(idx.Regex, p)

		cp := &CompiledPolicy{
			Policy:      p,
			Order:       len(idx.Policies),
			Specificity: scopeSpecificity(&p.Scope),
		}
		idx.Policies = append(idx.Policies, cp)

		hooks := p.Scope.Hooks
		if len(hooks) == 0 {
			hooks = AllHooks
		}
		for _, h := range hooks {
			idx.ByHook[h] = append(idx.ByHook[h], cp)
		}

		if len(p.Scope.Agents) == 0 {
			idx.ByAgent["*"] = append(idx.ByAgent["*"], cp)
		} else {
			for _, a := range p.Scope.Agents {
				idx.ByAgent[a] = append(idx.ByAgent[a], cp)
			}
		}

		fmt.Fprintf(digest, "%s|%s|%d|%d|%t\n", p.ID, p.Version, p.Priority, len(p.Rules), p.IsEnabled())
	}
	idx.Fingerprint = digest.Sum64()
	return idx
}

// mergeBuiltins appends enabled built-in templates after the declared set,
// dropping any template whose id a declared policy already uses.
func mergeBuiltins(declared []Policy, builtins BuiltinConfig) []Policy {
	declaredIDs := make(map[string]bool, len(declared))
	for i := range declared {
		declaredIDs[declared[i].ID] = true
	}
	merged := append([]Policy{}, declared...)
	for _, b := range BuiltinPolicies(builtins) {
		if declaredIDs[b.ID] {
			continue
		}
		merged = append(merged, b)
	}
	return merged
}

// validatePolicy checks the structural minimum a policy needs to evaluate.
func validatePolicy(p *Policy) error {
	if p.ID == "" {
		return fmt.Errorf("missing id")
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("no rules")
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.ID == "" {
			return fmt.Errorf("rule %d: missing id", i)
		}
		switch r.Effect.Type {
		case EffectAllow, EffectDeny, EffectEscalate, EffectAudit:
		default:
			return fmt.Errorf("rule %q: unknown effect %q", r.ID, r.Effect.Type)
		}
		if r.MinTrust != "" && !r.MinTrust.Valid() {
			return fmt.Errorf("rule %q: unknown minTrust tier %q", r.ID, r.MinTrust)
		}
		if r.MaxTrust != "" && !r.MaxTrust.Valid() {
			return fmt.Errorf("rule %q: unknown maxTrust tier %q", r.ID, r.MaxTrust)
		}
		if err := validateConditions(r.Conditions); err != nil {
			return fmt.Errorf("rule %q: %w", r.ID, err)
		}
	}
	return nil
}

// validateConditions rejects structurally malformed conditions. Pattern
// safety is not checked here; rejected patterns become non-matching at
// evaluation time instead of invalidating the policy.
func validateConditions(conds []Condition) error {
	for i := range conds {
		c := &conds[i]
		switch c.Kind {
		case CondTool, CondTime, CondAgent, CondContext, CondRisk, CondFrequency:
			if payloadFor(c) == nil {
				return fmt.Errorf("condition %d: kind %q has no payload", i, c.Kind)
			}
		case CondAny:
			if len(c.Any) == 0 {
				return fmt.Errorf("condition %d: empty any", i)
			}
			if err := validateConditions(c.Any); err != nil {
				return err
			}
		case CondNot:
			if c.Not == nil {
				return fmt.Errorf("condition %d: empty not", i)
			}
			if err := validateConditions([]Condition{*c.Not}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("condition %d: unknown kind %q", i, c.Kind)
		}
	}
	return nil
}

func payloadFor(c *Condition) any {
	switch c.Kind {
	case CondTool:
		if c.Tool != nil {
			return c.Tool
		}
	case CondTime:
		if c.Time != nil {
			return c.Time
		}
	case CondAgent:
		if c.Agent != nil {
			return c.Agent
		}
	case CondContext:
		if c.Context != nil {
			return c.Context
		}
	case CondRisk:
		if c.Risk != nil {
			return c.Risk
		}
	case CondFrequency:
		if c.Frequency != nil {
			return c.Frequency
		}
	}
	return nil
}

// scopeSpecificity scores how narrowly a scope is drawn.
func scopeSpecificity(s *Scope) int {
	score := 0
	if len(s.Agents) > 0 {
		score += specAgents
	}
	if len(s.Channels) > 0 {
		score += specChannels
	}
	if len(s.Hooks) > 0 {
		score += specHooks
	}
	return score
}

// warmPolicyPatterns pre-registers every regex and glob source the policy
// references, so rejections are logged at load time rather than first
// evaluation.
func warmPolicyPatterns(cache *RegexCache, p *Policy) {
	for i := range p.Rules {
		warmConditionPatterns(cache, p.Rules[i].Conditions)
	}
}

func warmConditionPatterns(cache *RegexCache, conds []Condition) {
	for i := range conds {
		c := &conds[i]
		switch c.Kind {
		case CondTool:
			warmPatternList(cache, c.Tool.Name)
			for _, m := range c.Tool.Params {
				if m.Matches != "" {
					cache.Get(m.Matches)
				}
			}
		case CondAgent:
			warmPatternList(cache, c.Agent.ID)
		case CondContext:
			if c.Context.HistoryMatches != "" {
				cache.Get(c.Context.HistoryMatches)
			}
			if c.Context.ContentMatches != "" {
				cache.Get(c.Context.ContentMatches)
			}
			if c.Context.SessionKeyGlob != "" {
				cache.GetGlob(c.Context.SessionKeyGlob)
			}
		case CondAny:
			warmConditionPatterns(cache, c.Any)
		case CondNot:
			warmConditionPatterns(cache, []Condition{*c.Not})
		}
	}
}

func warmPatternList(cache *RegexCache, ps Patterns) {
	for _, p := range ps {
		if strings.ContainsRune(p, '*') {
			cache.GetGlob(p)
		}
	}
}
