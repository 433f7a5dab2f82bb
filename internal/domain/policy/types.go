// Package policy contains the declarative policy model, the compiler and
// index, the condition kernel, and the evaluator for governance verdicts.
package policy

import (
	"github.com/Aegis-Gate/Aegisgate/internal/domain/risk"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/trust"
)

// HookKind names the synchronous host extension point an action arrived on.
type HookKind string

const (
	// HookBeforeToolCall gates tool invocations.
	HookBeforeToolCall HookKind = "before_tool_call"
	// HookMessageSending gates outbound messages.
	HookMessageSending HookKind = "message_sending"
	// HookBeforeAgentStart gates agent startup.
	HookBeforeAgentStart HookKind = "before_agent_start"
	// HookSessionStart gates new sessions.
	HookSessionStart HookKind = "session_start"
)

// AllHooks lists every hook kind, in a stable order, for unscoped policies.
var AllHooks = []HookKind{HookBeforeToolCall, HookMessageSending, HookBeforeAgentStart, HookSessionStart}

// Action is the disposition of a verdict.
type Action string

const (
	// ActionAllow permits the action to proceed.
	ActionAllow Action = "allow"
	// ActionDeny blocks the action with a reason.
	ActionDeny Action = "deny"
	// ActionEscalate requires external confirmation before proceeding.
	ActionEscalate Action = "escalate"
)

// EffectType is the kind of contribution a matched rule produces.
type EffectType string

const (
	EffectAllow    EffectType = "allow"
	EffectDeny     EffectType = "deny"
	EffectEscalate EffectType = "escalate"
	// EffectAudit is observational: it appears in the matched list but
	// never alters the verdict.
	EffectAudit EffectType = "audit"
)

// Effect is what a rule produces when its conditions hold.
type Effect struct {
	// Type selects the effect kind.
	Type EffectType `yaml:"type" mapstructure:"type" json:"type"`
	// Reason is the human-readable denial reason (deny effects).
	Reason string `yaml:"reason,omitempty" mapstructure:"reason" json:"reason,omitempty"`
	// Target names the escalation recipient (escalate effects).
	Target string `yaml:"target,omitempty" mapstructure:"target" json:"target,omitempty"`
	// TimeoutSeconds bounds the wait for an escalation decision.
	TimeoutSeconds int `yaml:"timeoutSeconds,omitempty" mapstructure:"timeoutSeconds" json:"timeout_seconds,omitempty"`
	// OnTimeout is the fallback applied when escalation times out:
	// "allow" or "deny" (default deny).
	OnTimeout Action `yaml:"onTimeout,omitempty" mapstructure:"onTimeout" json:"on_timeout,omitempty"`
	// Level is the audit verbosity (audit effects).
	Level string `yaml:"level,omitempty" mapstructure:"level" json:"level,omitempty"`
}

// Scope restricts which contexts a policy applies to. Empty sets mean "any".
type Scope struct {
	// Agents is the include list of agent ids.
	Agents []string `yaml:"agents,omitempty" mapstructure:"agents"`
	// ExcludeAgents removes agents from an otherwise matching scope.
	ExcludeAgents []string `yaml:"excludeAgents,omitempty" mapstructure:"excludeAgents"`
	// Channels is the channel whitelist.
	Channels []string `yaml:"channels,omitempty" mapstructure:"channels"`
	// Hooks limits the hook kinds the policy sees.
	Hooks []HookKind `yaml:"hooks,omitempty" mapstructure:"hooks"`
}

// Rule is one condition set with an effect and optional trust-tier gates.
// Within a policy the first rule whose conditions all hold and whose gates
// permit produces the policy's contribution.
type Rule struct {
	// ID identifies the rule within its policy.
	ID string `yaml:"id" mapstructure:"id"`
	// Conditions are AND-combined; an empty list always holds.
	Conditions []Condition `yaml:"conditions,omitempty" mapstructure:"conditions"`
	// Effect is produced when the rule matches.
	Effect Effect `yaml:"effect" mapstructure:"effect"`
	// MinTrust gates the rule to agents at or above the tier.
	MinTrust trust.Tier `yaml:"minTrust,omitempty" mapstructure:"minTrust"`
	// MaxTrust gates the rule to agents at or below the tier.
	MaxTrust trust.Tier `yaml:"maxTrust,omitempty" mapstructure:"maxTrust"`
}

// Policy is a named, versioned, prioritised sequence of rules with a scope.
type Policy struct {
	// ID is the stable identifier; declared policies override built-ins
	// sharing an id.
	ID string `yaml:"id" mapstructure:"id"`
	// Version is the policy's semantic version string.
	Version string `yaml:"version,omitempty" mapstructure:"version"`
	// Name is the human-readable name.
	Name string `yaml:"name,omitempty" mapstructure:"name"`
	// Priority orders policies during aggregation (higher first, default 0).
	Priority int `yaml:"priority,omitempty" mapstructure:"priority"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty" mapstructure:"enabled"`
	// Scope restricts applicability.
	Scope Scope `yaml:"scope,omitempty" mapstructure:"scope"`
	// Rules are evaluated in declared order.
	Rules []Rule `yaml:"rules" mapstructure:"rules"`
}

// IsEnabled resolves the default-true enabled flag.
func (p *Policy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// MatchedRule records one policy contribution in a verdict and its audit
// record.
type MatchedRule struct {
	PolicyID string     `json:"policy_id"`
	RuleID   string     `json:"rule_id"`
	Effect   EffectType `json:"effect"`
}

// Verdict is the engine's answer for one evaluation.
type Verdict struct {
	// Action is the disposition: allow, deny, or escalate.
	Action Action `json:"action"`
	// Reason explains the disposition.
	Reason string `json:"reason"`
	// Risk is the assessment computed for this action.
	Risk risk.Assessment `json:"risk"`
	// Matched lists every policy contribution, audit effects included.
	Matched []MatchedRule `json:"matched_policies"`
	// Trust is the agent's trust at decision time.
	Trust trust.Snapshot `json:"trust"`
	// EvaluationUs is the end-to-end evaluation cost in microseconds.
	EvaluationUs int64 `json:"evaluation_us"`

	// EscalateTo, TimeoutSeconds and OnTimeout are set for escalate verdicts.
	EscalateTo     string `json:"escalate_to,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	OnTimeout      Action `json:"on_timeout,omitempty"`
}
