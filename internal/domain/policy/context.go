package policy

import (
	"strings"
	"time"

	"github.com/Aegis-Gate/Aegisgate/internal/domain/trust"
)

// TimeContext carries the wall-clock components for the configured
// timezone, computed once per evaluation.
type TimeContext struct {
	// Hour and Minute are the local clock components.
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	// Weekday is the local day of week.
	Weekday time.Weekday `json:"weekday"`
	// Date is the local calendar date, "2006-01-02".
	Date string `json:"date"`
	// Zone is the IANA zone name the components were computed in.
	Zone string `json:"zone"`
}

// NewTimeContext computes the wall-clock components of now in loc.
func NewTimeContext(now time.Time, loc *time.Location) TimeContext {
	local := now.In(loc)
	return TimeContext{
		Hour:    local.Hour(),
		Minute:  local.Minute(),
		Weekday: local.Weekday(),
		Date:    local.Format("2006-01-02"),
		Zone:    loc.String(),
	}
}

// MinutesOfDay returns minutes since local midnight.
func (t TimeContext) MinutesOfDay() int {
	return t.Hour*60 + t.Minute
}

// ExtractAgentID pulls the agent id out of a session key of the form
// "agent:<id>" or "agent:<id>:subagent:...". Any other shape returns the
// fallback.
func ExtractAgentID(sessionKey, fallback string) string {
	const prefix = "agent:"
	if !strings.HasPrefix(sessionKey, prefix) {
		return fallback
	}
	rest := sessionKey[len(prefix):]
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return fallback
	}
	return rest
}

// EvaluationContext is the immutable per-call input to an evaluation.
// The engine populates it from the host hook event plus its own stores;
// evaluators treat it as read-only.
type EvaluationContext struct {
	// Hook is the extension point the action arrived on.
	Hook HookKind `json:"hook"`
	// AgentID identifies the acting agent.
	AgentID string `json:"agent_id"`
	// SessionKey identifies the host session.
	SessionKey string `json:"session_key"`
	// Channel is the optional delivery channel.
	Channel string `json:"channel,omitempty"`

	// ToolName and ToolParams are set for before_tool_call hooks.
	ToolName   string         `json:"tool_name,omitempty"`
	ToolParams map[string]any `json:"tool_params,omitempty"`

	// MessageContent and MessageTo are set for message_sending hooks.
	MessageContent string `json:"message_content,omitempty"`
	MessageTo      string `json:"message_to,omitempty"`

	// Time holds the wall-clock components in the configured timezone.
	Time TimeContext `json:"time"`

	// Trust is the agent's trust snapshot at context assembly.
	Trust trust.Snapshot `json:"trust"`

	// History is the bounded recent conversation, oldest first.
	History []string `json:"history,omitempty"`
	// Metadata carries optional host-supplied key-value context.
	Metadata map[string]any `json:"metadata,omitempty"`
}
