package policy

import "sort"

// Default verdict reasons.
const (
	ReasonAllowed     = "Allowed by governance policy"
	ReasonNoMatch     = "No matching policies"
	ReasonDefaultDeny = "Denied by governance policy"
)

// contribution is one policy's matched rule during aggregation.
type contribution struct {
	policy *CompiledPolicy
	rule   *Rule
}

// Evaluate runs the context against the index and returns the aggregated
// verdict. Risk and trust are already present on ctx / deps; the caller
// fills EvaluationUs afterwards.
func Evaluate(idx *Index, ctx *EvaluationContext, deps *Deps) Verdict {
	effective := effectivePolicies(idx, ctx)

	var contribs []contribution
	var matched []MatchedRule
	for _, cp := range effective {
		rule := firstMatchingRule(cp.Policy, ctx, deps)
		if rule == nil {
			continue
		}
		contribs = append(contribs, contribution{policy: cp, rule: rule})
		matched = append(matched, MatchedRule{
			PolicyID: cp.Policy.ID,
			RuleID:   rule.ID,
			Effect:   rule.Effect.Type,
		})
	}

	v := aggregate(contribs)
	v.Matched = matched
	v.Risk = deps.Risk
	v.Trust = ctx.Trust
	return v
}

// effectivePolicies computes the ordered policy set for a context: the
// union of the hook list, the agent's list, and the wildcard bucket,
// de-duplicated and scope-filtered, then ordered by priority descending
// with specificity and declaration order breaking ties.
func effectivePolicies(idx *Index, ctx *EvaluationContext) []*CompiledPolicy {
	seen := make(map[string]bool)
	var out []*CompiledPolicy

	add := func(list []*CompiledPolicy) {
		for _, cp := range list {
			if seen[cp.Policy.ID] {
				continue
			}
			seen[cp.Policy.ID] = true
			if scopeApplies(&cp.Policy.Scope, ctx) && cp.Policy.IsEnabled() {
				out = append(out, cp)
			}
		}
	}
	add(idx.ByHook[ctx.Hook])
	add(idx.ByAgent[ctx.AgentID])
	add(idx.ByAgent["*"])

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Policy.Priority != b.Policy.Priority {
			return a.Policy.Priority > b.Policy.Priority
		}
		if a.Specificity != b.Specificity {
			return a.Specificity > b.Specificity
		}
		return a.Order < b.Order
	})
	return out
}

// scopeApplies re-checks the scope against the concrete context. Hook and
// agent membership are largely guaranteed by the index buckets; the
// exclude list and channel whitelist are only checkable here.
func scopeApplies(s *Scope, ctx *EvaluationContext) bool {
	if len(s.Hooks) > 0 && !containsHook(s.Hooks, ctx.Hook) {
		return false
	}
	if len(s.Agents) > 0 && !containsString(s.Agents, ctx.AgentID) {
		return false
	}
	for _, ex := range s.ExcludeAgents {
		if ex == ctx.AgentID {
			return false
		}
	}
	if len(s.Channels) > 0 && !containsString(s.Channels, ctx.Channel) {
		return false
	}
	return true
}

func containsHook(hooks []HookKind, h HookKind) bool {
	for _, x := range hooks {
		if x == h {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

// firstMatchingRule walks the policy's rules in declared order and returns
// the first whose trust gates permit and whose conditions all hold. A
// policy contributes at most one effect.
func firstMatchingRule(p *Policy, ctx *EvaluationContext, deps *Deps) *Rule {
	tierRank := ctx.Trust.Tier.Rank()
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.MinTrust != "" && tierRank < r.MinTrust.Rank() {
			continue
		}
		if r.MaxTrust != "" {
			maxRank := r.MaxTrust.Rank()
			if maxRank >= 0 && tierRank > maxRank {
				continue
			}
		}
		if EvalConditions(r.Conditions, ctx, deps) {
			return r
		}
	}
	return nil
}

// aggregate folds contributions under deny-wins. Audit effects are
// observational and never alter the action.
func aggregate(contribs []contribution) Verdict {
	var firstDeny, firstEscalate *contribution
	decisive := 0
	for i := range contribs {
		c := &contribs[i]
		switch c.rule.Effect.Type {
		case EffectDeny:
			if firstDeny == nil {
				firstDeny = c
			}
			decisive++
		case EffectEscalate:
			if firstEscalate == nil {
				firstEscalate = c
			}
			decisive++
		case EffectAllow:
			decisive++
		}
	}

	if firstDeny != nil {
		reason := firstDeny.rule.Effect.Reason
		if reason == "" {
			reason = ReasonDefaultDeny
		}
		return Verdict{Action: ActionDeny, Reason: reason}
	}
	if firstEscalate != nil {
		eff := firstEscalate.rule.Effect
		onTimeout := eff.OnTimeout
		if onTimeout == "" {
			onTimeout = ActionDeny
		}
		reason := eff.Reason
		if reason == "" {
			reason = "Escalated for approval by governance policy"
		}
		return Verdict{
			Action:         ActionEscalate,
			Reason:         reason,
			EscalateTo:     eff.Target,
			TimeoutSeconds: eff.TimeoutSeconds,
			OnTimeout:      onTimeout,
		}
	}
	if decisive > 0 {
		return Verdict{Action: ActionAllow, Reason: ReasonAllowed}
	}
	return Verdict{Action: ActionAllow, Reason: ReasonNoMatch}
}
