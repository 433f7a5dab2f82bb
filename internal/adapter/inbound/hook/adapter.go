// Package hook translates host hook events into evaluation contexts and
// verdicts back into host decisions. The host dispatcher delivers one
// JSON event per action and expects a JSON decision in return.
package hook

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Aegis-Gate/Aegisgate/internal/domain/policy"
)

// Event is the host-side hook payload.
type Event struct {
	// Hook names the extension point, e.g. "before_tool_call".
	Hook string `json:"hook"`
	// SessionKey identifies the host session; agent identity is usually
	// embedded in it.
	SessionKey string `json:"session_key"`
	// AgentID is the explicit agent identity, used as the fallback when
	// the session key carries none.
	AgentID string `json:"agent_id,omitempty"`
	// Channel is the optional delivery channel.
	Channel string `json:"channel,omitempty"`

	ToolName   string         `json:"tool_name,omitempty"`
	ToolParams map[string]any `json:"tool_params,omitempty"`

	MessageContent string `json:"message_content,omitempty"`
	MessageTo      string `json:"message_to,omitempty"`

	History  []string       `json:"history,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Decision is the host-side verdict payload. For before_tool_call, deny
// maps to "block with reason"; for message_sending, deny maps to cancel.
type Decision struct {
	Action         string `json:"action"`
	Reason         string `json:"reason"`
	EscalateTo     string `json:"escalate_to,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	OnTimeout      string `json:"on_timeout,omitempty"`
	RiskLevel      string `json:"risk_level,omitempty"`
	RiskScore      int    `json:"risk_score,omitempty"`
}

// hookKinds maps event hook names to the closed kind set.
var hookKinds = map[string]policy.HookKind{
	"before_tool_call":   policy.HookBeforeToolCall,
	"message_sending":    policy.HookMessageSending,
	"before_agent_start": policy.HookBeforeAgentStart,
	"session_start":      policy.HookSessionStart,
}

// ParseEvent decodes one hook event from r.
func ParseEvent(r io.Reader) (*Event, error) {
	var ev Event
	dec := json.NewDecoder(r)
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("decode hook event: %w", err)
	}
	if _, ok := hookKinds[ev.Hook]; !ok {
		return nil, fmt.Errorf("unknown hook kind %q", ev.Hook)
	}
	return &ev, nil
}

// ToContext builds the policy-facing evaluation context. Time, trust, and
// the monotonic reading are filled in by the engine.
func (ev *Event) ToContext() *policy.EvaluationContext {
	return &policy.EvaluationContext{
		Hook:           hookKinds[ev.Hook],
		AgentID:        policy.ExtractAgentID(ev.SessionKey, ev.AgentID),
		SessionKey:     ev.SessionKey,
		Channel:        ev.Channel,
		ToolName:       ev.ToolName,
		ToolParams:     ev.ToolParams,
		MessageContent: ev.MessageContent,
		MessageTo:      ev.MessageTo,
		History:        ev.History,
		Metadata:       ev.Metadata,
	}
}

// FromVerdict maps an engine verdict to the host decision shape.
func FromVerdict(v *policy.Verdict) Decision {
	return Decision{
		Action:         string(v.Action),
		Reason:         v.Reason,
		EscalateTo:     v.EscalateTo,
		TimeoutSeconds: v.TimeoutSeconds,
		OnTimeout:      string(v.OnTimeout),
		RiskLevel:      string(v.Risk.Level),
		RiskScore:      v.Risk.Score,
	}
}

// WriteDecision encodes one decision to w.
func WriteDecision(w io.Writer, d Decision) error {
	enc := json.NewEncoder(w)
	return enc.Encode(d)
}
