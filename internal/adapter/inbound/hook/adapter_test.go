package hook

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/Aegis-Gate/Aegisgate/internal/domain/policy"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/risk"
)

func TestParseEvent(t *testing.T) {
	in := `{
		"hook": "before_tool_call",
		"session_key": "agent:main:1b2c",
		"tool_name": "exec",
		"tool_params": {"command": "ls -la"},
		"channel": "cli"
	}`
	ev, err := ParseEvent(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Hook != "before_tool_call" || ev.ToolName != "exec" {
		t.Errorf("event = %+v", ev)
	}
	if ev.ToolParams["command"] != "ls -la" {
		t.Errorf("tool params = %v", ev.ToolParams)
	}
}

func TestParseEventRejectsUnknownHook(t *testing.T) {
	_, err := ParseEvent(strings.NewReader(`{"hook":"after_lunch"}`))
	if err == nil {
		t.Fatal("unknown hook should be rejected")
	}
	if !strings.Contains(err.Error(), "after_lunch") {
		t.Errorf("error = %v, should name the offending hook", err)
	}
}

func TestParseEventRejectsGarbage(t *testing.T) {
	if _, err := ParseEvent(strings.NewReader("not json")); err == nil {
		t.Fatal("malformed payload should be rejected")
	}
}

func TestToContext(t *testing.T) {
	ev := &Event{
		Hook:           "message_sending",
		SessionKey:     "agent:main:1b2c",
		Channel:        "email",
		MessageContent: "status update",
		MessageTo:      "ops@example.com",
		History:        []string{"earlier line"},
		Metadata:       map[string]any{"thread": "t1"},
	}
	ctx := ev.ToContext()
	if ctx.Hook != policy.HookMessageSending {
		t.Errorf("hook = %s", ctx.Hook)
	}
	if ctx.AgentID != "main" {
		t.Errorf("agent = %q, want extracted from session key", ctx.AgentID)
	}
	if ctx.MessageTo != "ops@example.com" || len(ctx.History) != 1 {
		t.Errorf("context = %+v", ctx)
	}
}

func TestExtractAgentID(t *testing.T) {
	tests := []struct {
		sessionKey string
		fallback   string
		want       string
	}{
		{"agent:main", "", "main"},
		{"agent:main:1b2c", "", "main"},
		{"agent:main:subagent:research", "", "main"},
		{"plain-session", "forge", "forge"},
		{"plain-session", "", ""},
		{"agent:", "forge", "forge"},
		{"", "forge", "forge"},
	}
	for _, tt := range tests {
		if got := policy.ExtractAgentID(tt.sessionKey, tt.fallback); got != tt.want {
			t.Errorf("ExtractAgentID(%q, %q) = %q, want %q",
				tt.sessionKey, tt.fallback, got, tt.want)
		}
	}
}

func TestFromVerdict(t *testing.T) {
	v := &policy.Verdict{
		Action:         policy.ActionEscalate,
		Reason:         "needs an operator",
		EscalateTo:     "operator",
		TimeoutSeconds: 300,
		OnTimeout:      policy.ActionDeny,
		Risk:           risk.Assessment{Score: 62, Level: risk.LevelHigh},
	}
	d := FromVerdict(v)
	if d.Action != "escalate" || d.EscalateTo != "operator" || d.TimeoutSeconds != 300 {
		t.Errorf("decision = %+v", d)
	}
	if d.OnTimeout != "deny" || d.RiskLevel != "high" || d.RiskScore != 62 {
		t.Errorf("decision = %+v", d)
	}
}

func TestWriteDecision(t *testing.T) {
	var sb strings.Builder
	err := WriteDecision(&sb, Decision{Action: "deny", Reason: "blocked"})
	if err != nil {
		t.Fatalf("WriteDecision: %v", err)
	}
	var round map[string]any
	if err := json.Unmarshal([]byte(sb.String()), &round); err != nil {
		t.Fatalf("output not valid JSON: %v", err)
	}
	if round["action"] != "deny" || round["reason"] != "blocked" {
		t.Errorf("decision payload = %v", round)
	}
}
