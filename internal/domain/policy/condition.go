package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/Aegis-Gate/Aegisgate/internal/domain/frequency"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/risk"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/trust"
)

// ConditionKind names one member of the closed condition taxonomy.
type ConditionKind string

const (
	CondTool      ConditionKind = "tool"
	CondTime      ConditionKind = "time"
	CondAgent     ConditionKind = "agent"
	CondContext   ConditionKind = "context"
	CondRisk      ConditionKind = "risk"
	CondFrequency ConditionKind = "frequency"
	// CondAny holds when at least one sub-condition holds.
	CondAny ConditionKind = "any"
	// CondNot inverts its single sub-condition.
	CondNot ConditionKind = "not"
)

// Condition is a tagged variant over the closed kind set. Exactly one
// payload field corresponding to Kind is populated.
type Condition struct {
	Kind ConditionKind `yaml:"kind" mapstructure:"kind"`

	Tool      *ToolCondition      `yaml:"tool,omitempty" mapstructure:"tool"`
	Time      *TimeCondition      `yaml:"time,omitempty" mapstructure:"time"`
	Agent     *AgentCondition     `yaml:"agent,omitempty" mapstructure:"agent"`
	Context   *ContextCondition   `yaml:"context,omitempty" mapstructure:"context"`
	Risk      *RiskCondition      `yaml:"risk,omitempty" mapstructure:"risk"`
	Frequency *FrequencyCondition `yaml:"frequency,omitempty" mapstructure:"frequency"`
	Any       []Condition         `yaml:"any,omitempty" mapstructure:"any"`
	Not       *Condition          `yaml:"not,omitempty" mapstructure:"not"`
}

// Patterns matches a string against one or more patterns. Each pattern is
// an exact value unless it contains '*', in which case it is a glob. In
// YAML a bare scalar and a sequence are both accepted.
type Patterns []string

// UnmarshalYAML accepts a scalar or a sequence of scalars.
func (p *Patterns) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*p = Patterns{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*p = Patterns(list)
		return nil
	default:
		return fmt.Errorf("patterns: expected scalar or sequence, got %v", value.Kind)
	}
}

// ParamMatch compares one tool parameter. Exactly one operator is set.
// All operators except Equals and In compare against the string-coerced
// value.
type ParamMatch struct {
	// Equals is a strict equality check against the raw value.
	Equals any `yaml:"equals,omitempty" mapstructure:"equals"`
	// Contains is a substring check.
	Contains string `yaml:"contains,omitempty" mapstructure:"contains"`
	// Matches is a regular expression check.
	Matches string `yaml:"matches,omitempty" mapstructure:"matches"`
	// StartsWith is a prefix check.
	StartsWith string `yaml:"startsWith,omitempty" mapstructure:"startsWith"`
	// In requires element-wise equality with one member of the set.
	In []any `yaml:"in,omitempty" mapstructure:"in"`
}

// ToolCondition matches the tool name and, optionally, its parameters.
type ToolCondition struct {
	// Name matches the tool name: exact, glob, or any-of-list.
	Name Patterns `yaml:"name,omitempty" mapstructure:"name"`
	// Params maps parameter keys to matchers; all must hold.
	Params map[string]ParamMatch `yaml:"params,omitempty" mapstructure:"params"`
}

// TimeCondition matches the current time of day. Either Window references
// a named window or After/Before define an inline one. After > Before
// denotes a window wrapping midnight.
type TimeCondition struct {
	// Window is the name of a configured time window.
	Window string `yaml:"window,omitempty" mapstructure:"window"`
	// After is the inclusive start, "HH:MM".
	After string `yaml:"after,omitempty" mapstructure:"after"`
	// Before is the exclusive end, "HH:MM".
	Before string `yaml:"before,omitempty" mapstructure:"before"`
	// Days restricts matching to the listed days ("mon".."sun").
	Days []string `yaml:"days,omitempty" mapstructure:"days"`
}

// AgentCondition matches the acting agent.
type AgentCondition struct {
	// ID matches the agent id: exact, glob, or any-of-list.
	ID Patterns `yaml:"id,omitempty" mapstructure:"id"`
	// Tiers requires the agent's tier to be in the set.
	Tiers []trust.Tier `yaml:"tiers,omitempty" mapstructure:"tiers"`
	// MinScore / MaxScore bound the trust score inclusively.
	MinScore *int `yaml:"minScore,omitempty" mapstructure:"minScore"`
	MaxScore *int `yaml:"maxScore,omitempty" mapstructure:"maxScore"`
}

// ContextCondition matches conversational and session context.
type ContextCondition struct {
	// HistoryContains / HistoryMatches inspect the bounded history.
	HistoryContains string `yaml:"historyContains,omitempty" mapstructure:"historyContains"`
	HistoryMatches  string `yaml:"historyMatches,omitempty" mapstructure:"historyMatches"`
	// ContentContains / ContentMatches inspect the message content.
	ContentContains string `yaml:"contentContains,omitempty" mapstructure:"contentContains"`
	ContentMatches  string `yaml:"contentMatches,omitempty" mapstructure:"contentMatches"`
	// MetadataKey requires the key to be present in context metadata.
	MetadataKey string `yaml:"metadataKey,omitempty" mapstructure:"metadataKey"`
	// Channels requires the context channel to be in the set.
	Channels []string `yaml:"channels,omitempty" mapstructure:"channels"`
	// SessionKeyGlob matches the session key against a glob.
	SessionKeyGlob string `yaml:"sessionKeyGlob,omitempty" mapstructure:"sessionKeyGlob"`
}

// RiskCondition matches when the current assessment's level falls in the
// inclusive band range.
type RiskCondition struct {
	Min risk.Level `yaml:"min,omitempty" mapstructure:"min"`
	Max risk.Level `yaml:"max,omitempty" mapstructure:"max"`
}

// FrequencyCondition matches when the windowed action count meets or
// exceeds the threshold.
type FrequencyCondition struct {
	// MaxCount is the threshold; the condition holds at count >= MaxCount.
	MaxCount int `yaml:"maxCount" mapstructure:"maxCount"`
	// WindowSeconds is the lookback window.
	WindowSeconds int `yaml:"windowSeconds" mapstructure:"windowSeconds"`
	// Scope selects agent, session, or global counting.
	Scope frequency.Scope `yaml:"scope,omitempty" mapstructure:"scope"`
}
