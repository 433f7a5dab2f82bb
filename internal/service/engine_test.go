package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	auditstore "github.com/Aegis-Gate/Aegisgate/internal/adapter/outbound/audit"
	"github.com/Aegis-Gate/Aegisgate/internal/adapter/outbound/state"
	"github.com/Aegis-Gate/Aegisgate/internal/config"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/policy"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/trust"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace = t.TempDir()
	return cfg
}

// startEngine builds an engine over a throwaway workspace with the real
// file-backed stores and registers its shutdown with the test.
func startEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gov := filepath.Join(cfg.Workspace, "governance")
	auditLog, err := auditstore.NewChainLog(filepath.Join(gov, "audit"), logger)
	if err != nil {
		t.Fatalf("NewChainLog: %v", err)
	}
	eng, err := NewEngine(cfg, Options{
		TrustStore: state.NewTrustFileStore(filepath.Join(gov, "trust.json"), logger),
		AuditLog:   auditLog,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return eng
}

func toolEvent(agent, tool string, params map[string]any) *policy.EvaluationContext {
	return &policy.EvaluationContext{
		Hook:       policy.HookBeforeToolCall,
		AgentID:    agent,
		SessionKey: "agent:" + agent,
		ToolName:   tool,
		ToolParams: params,
	}
}

func TestDisabledEngineAllowsEverything(t *testing.T) {
	cfg := testConfig(t)
	cfg.Enabled = false
	eng := startEngine(t, cfg)

	v := eng.Evaluate(context.Background(), toolEvent("main", "exec", map[string]any{"command": "rm -rf /"}))
	if v.Action != policy.ActionAllow {
		t.Errorf("action = %s, want allow from a disabled engine", v.Action)
	}
}

func TestCredentialGuardDeniesEnvRead(t *testing.T) {
	cfg := testConfig(t)
	cfg.BuiltinPolicies.CredentialGuard.Enabled = true
	eng := startEngine(t, cfg)
	ctx := context.Background()

	v := eng.Evaluate(ctx, toolEvent("main", "read", map[string]any{"path": "/srv/app/.env"}))
	if v.Action != policy.ActionDeny {
		t.Fatalf("action = %s (%s), want deny", v.Action, v.Reason)
	}

	v = eng.Evaluate(ctx, toolEvent("main", "read", map[string]any{"path": "/srv/app/main.go"}))
	if v.Action != policy.ActionAllow {
		t.Errorf("ordinary read = %s (%s), want allow", v.Action, v.Reason)
	}
}

func TestRateLimiterDeniesAtThreshold(t *testing.T) {
	cfg := testConfig(t)
	cfg.BuiltinPolicies.RateLimiter.Enabled = true
	cfg.BuiltinPolicies.RateLimiter.MaxCount = 3
	cfg.BuiltinPolicies.RateLimiter.WindowSeconds = 60
	eng := startEngine(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		v := eng.Evaluate(ctx, toolEvent("main", "read", nil))
		if v.Action != policy.ActionAllow {
			t.Fatalf("call %d = %s (%s), want allow below the limit", i+1, v.Action, v.Reason)
		}
	}
	v := eng.Evaluate(ctx, toolEvent("main", "read", nil))
	if v.Action != policy.ActionDeny {
		t.Errorf("call 3 = %s (%s), want deny at the limit", v.Action, v.Reason)
	}
}

func TestDeclaredPolicyDenies(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policies = []policy.Policy{{
		ID:       "no-gateway",
		Priority: 50,
		Rules: []policy.Rule{{
			ID:         "block-gateway",
			Conditions: []policy.Condition{{Kind: policy.CondTool, Tool: &policy.ToolCondition{Name: policy.Patterns{"gateway"}}}},
			Effect:     policy.Effect{Type: policy.EffectDeny, Reason: "gateway access is blocked"},
		}},
	}}
	eng := startEngine(t, cfg)

	v := eng.Evaluate(context.Background(), toolEvent("main", "gateway", nil))
	if v.Action != policy.ActionDeny || v.Reason != "gateway access is blocked" {
		t.Errorf("verdict = %s (%s)", v.Action, v.Reason)
	}
	if len(v.Matched) != 1 || v.Matched[0].PolicyID != "no-gateway" {
		t.Errorf("matched = %v", v.Matched)
	}
}

func TestSubAgentInheritsParentIdentity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policies = []policy.Policy{{
		ID: "main-no-exec",
		Rules: []policy.Rule{{
			ID: "block-exec",
			Conditions: []policy.Condition{
				{Kind: policy.CondTool, Tool: &policy.ToolCondition{Name: policy.Patterns{"exec"}}},
				{Kind: policy.CondAgent, Agent: &policy.AgentCondition{ID: policy.Patterns{"main"}}},
			},
			Effect: policy.Effect{Type: policy.EffectDeny, Reason: "main may not exec"},
		}},
	}}
	eng := startEngine(t, cfg)
	ctx := context.Background()

	eng.RegisterSubAgent("agent:main", "child-session-1")

	child := &policy.EvaluationContext{
		Hook:       policy.HookBeforeToolCall,
		AgentID:    "child",
		SessionKey: "child-session-1",
		ToolName:   "exec",
	}
	v := eng.Evaluate(ctx, child)
	if v.Action != policy.ActionDeny {
		t.Errorf("child verdict = %s (%s), want the parent's deny", v.Action, v.Reason)
	}
	if child.AgentID != "main" {
		t.Errorf("child agent id = %q, want inherited %q", child.AgentID, "main")
	}

	orphan := &policy.EvaluationContext{
		Hook:       policy.HookBeforeToolCall,
		AgentID:    "child",
		SessionKey: "unregistered-session",
		ToolName:   "exec",
	}
	if v := eng.Evaluate(ctx, orphan); v.Action != policy.ActionAllow {
		t.Errorf("unregistered session verdict = %s, want allow", v.Action)
	}
}

func TestEvaluationEmitsAuditRecord(t *testing.T) {
	cfg := testConfig(t)
	eng := startEngine(t, cfg)
	ctx := context.Background()

	eng.Evaluate(ctx, toolEvent("main", "read", map[string]any{
		"path":   "/srv/data.txt",
		"secret": "do not persist",
	}))
	if err := eng.AuditLog().Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	records, err := eng.AuditLog().Query(ctx, audit.Query{AgentID: "main"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Verdict != audit.VerdictAllow || rec.Context.ToolName != "read" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Context.ToolParams["secret"] != audit.Redacted {
		t.Errorf("secret param = %v, want redacted", rec.Context.ToolParams["secret"])
	}
	if rec.Hash == "" || rec.PrevHash != audit.GenesisHash {
		t.Errorf("chain fields = hash %q prev %q", rec.Hash, rec.PrevHash)
	}
}

func TestStatsTrackVerdicts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policies = []policy.Policy{{
		ID: "no-exec",
		Rules: []policy.Rule{{
			ID:         "block",
			Conditions: []policy.Condition{{Kind: policy.CondTool, Tool: &policy.ToolCondition{Name: policy.Patterns{"exec"}}}},
			Effect:     policy.Effect{Type: policy.EffectDeny, Reason: "no exec"},
		}},
	}}
	eng := startEngine(t, cfg)
	ctx := context.Background()

	eng.Evaluate(ctx, toolEvent("main", "read", nil))
	eng.Evaluate(ctx, toolEvent("main", "read", nil))
	eng.Evaluate(ctx, toolEvent("main", "exec", nil))

	st := eng.GetStatus()
	if st.Stats.Total != 3 || st.Stats.Allowed != 2 || st.Stats.Denied != 1 {
		t.Errorf("stats = %+v", st.Stats)
	}
	if st.PolicyCount != 1 || st.FailMode != "open" {
		t.Errorf("status = %+v", st)
	}
}

func TestOutcomeFeedsTrust(t *testing.T) {
	cfg := testConfig(t)
	eng := startEngine(t, cfg)

	before := eng.GetTrust("main")
	for i := 0; i < 20; i++ {
		eng.RecordOutcome("main", "read", true)
	}
	after := eng.GetTrust("main")
	if after.SuccessCount != before.SuccessCount+20 {
		t.Errorf("success count = %d, want %d", after.SuccessCount, before.SuccessCount+20)
	}
	if after.Score <= before.Score {
		t.Errorf("score = %d, want it to rise from %d", after.Score, before.Score)
	}

	eng.RecordOutcome("main", "read", false)
	failed := eng.GetTrust("main")
	if failed.ViolationCount != after.ViolationCount {
		t.Error("a failed tool call must not count as a violation")
	}

	eng.RecordViolation("main")
	violated := eng.GetTrust("main")
	if violated.ViolationCount != after.ViolationCount+1 || violated.CleanStreakDays != 0 {
		t.Errorf("violation record = %+v", violated)
	}
}

func TestSetTrustClamped(t *testing.T) {
	cfg := testConfig(t)
	eng := startEngine(t, cfg)

	eng.SetTrust("main", 999)
	if got := eng.GetTrust("main"); got.Score != 100 || got.Tier != trust.TierPrivileged {
		t.Errorf("trust = %+v, want clamped 100 privileged", got)
	}
}

func TestReloadPoliciesSwapsIndex(t *testing.T) {
	cfg := testConfig(t)
	eng := startEngine(t, cfg)
	ctx := context.Background()

	if v := eng.Evaluate(ctx, toolEvent("main", "exec", nil)); v.Action != policy.ActionAllow {
		t.Fatalf("pre-reload verdict = %s, want allow", v.Action)
	}

	eng.ReloadPolicies([]policy.Policy{{
		ID: "no-exec",
		Rules: []policy.Rule{{
			ID:         "block",
			Conditions: []policy.Condition{{Kind: policy.CondTool, Tool: &policy.ToolCondition{Name: policy.Patterns{"exec"}}}},
			Effect:     policy.Effect{Type: policy.EffectDeny, Reason: "no exec"},
		}},
	}}, nil)

	if v := eng.Evaluate(ctx, toolEvent("main", "exec", nil)); v.Action != policy.ActionDeny {
		t.Errorf("post-reload verdict = %s, want deny", v.Action)
	}
	if got := eng.GetStatus().PolicyCount; got != 1 {
		t.Errorf("policy count = %d, want 1", got)
	}
}

func TestSubAgentRegistry(t *testing.T) {
	r := NewSubAgentRegistry()
	r.Register("agent:main", "child-1")
	r.Register("child-1", "grandchild-1")

	if p, ok := r.Parent("grandchild-1"); !ok || p != "agent:main" {
		t.Errorf("Parent(grandchild-1) = %q %v, want the root session", p, ok)
	}
	if _, ok := r.Parent("agent:main"); ok {
		t.Error("root session should have no parent")
	}

	r.Forget("child-1")
	if _, ok := r.Parent("child-1"); ok {
		t.Error("forgotten session still resolves")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}
