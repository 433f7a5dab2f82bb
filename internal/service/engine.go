// Package service hosts the governance engine orchestrator: it owns the
// compiled policy index, the trust manager, the frequency counter, the
// risk assessor, and the audit chain, and exposes the evaluation API the
// hook adapters call.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Aegis-Gate/Aegisgate/internal/config"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/frequency"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/policy"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/risk"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/trust"
	"github.com/Aegis-Gate/Aegisgate/internal/metrics"
)

// Stats are the engine's running counters. MeanEvalUs is a running mean
// over all evaluations since start.
type Stats struct {
	Total      uint64  `json:"total"`
	Allowed    uint64  `json:"allowed"`
	Denied     uint64  `json:"denied"`
	Escalated  uint64  `json:"escalated"`
	Errors     uint64  `json:"errors"`
	MeanEvalUs float64 `json:"mean_eval_us"`
}

// Status is the get_status response.
type Status struct {
	Enabled      bool   `json:"enabled"`
	PolicyCount  int    `json:"policy_count"`
	TrustEnabled bool   `json:"trust_enabled"`
	AuditEnabled bool   `json:"audit_enabled"`
	FailMode     string `json:"fail_mode"`
	Stats        Stats  `json:"stats"`
}

// Engine is the orchestrator. One Engine runs per host process.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	loc    *time.Location

	// index holds the current *policy.Index; evaluators copy the pointer
	// at entry, reloads swap it whole.
	index atomic.Value

	trust     *trust.Manager
	freq      *frequency.Counter
	assessor  *risk.Assessor
	auditLog  audit.Log
	redactor  *audit.Redactor
	subagents *SubAgentRegistry
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	statsMu sync.Mutex
	stats   Stats
}

// Options carries the injectable collaborators.
type Options struct {
	TrustStore trust.StateStore
	AuditLog   audit.Log
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// NewEngine compiles the configured policies and wires the subsystems.
func NewEngine(cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		loc:       loc,
		freq:      frequency.NewCounter(cfg.Performance.FrequencyBufferSize),
		assessor:  risk.NewAssessor(cfg.ToolRiskOverrides),
		auditLog:  opts.AuditLog,
		redactor:  audit.NewRedactor(cfg.Audit.RedactPatterns),
		subagents: NewSubAgentRegistry(),
		metrics:   opts.Metrics,
		tracer:    tracer,
	}
	e.trust = trust.NewManager(opts.TrustStore, trust.ManagerConfig{
		Defaults:           cfg.Trust.Defaults,
		Weights:            cfg.Trust.Weights,
		Decay:              trust.DecayConfig(cfg.Trust.Decay),
		MaxHistoryPerAgent: cfg.Trust.MaxHistoryPerAgent,
		PersistInterval:    cfg.Trust.PersistInterval(),
	}, logger)

	idx := policy.Compile(cfg.Policies, cfg.BuiltinPolicies, cfg.TimeWindows, logger)
	e.index.Store(idx)
	if e.metrics != nil {
		e.metrics.PolicyCount.Set(float64(len(idx.Policies)))
	}
	return e, nil
}

// Start loads persisted state, optionally verifies the audit chain, and
// launches the background timers.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.Trust.Enabled {
		if err := e.trust.Load(); err != nil {
			return fmt.Errorf("load trust store: %w", err)
		}
		e.trust.Start(ctx)
	}
	if e.cfg.Audit.Enabled && e.auditLog != nil {
		if e.cfg.Audit.VerifyOnStartup {
			res, err := e.auditLog.Verify(ctx)
			if err != nil {
				return fmt.Errorf("verify audit chain: %w", err)
			}
			if !res.OK() {
				e.logger.Error("audit chain verification failed, log is read-only",
					"broken_seq", res.BrokenSeq, "verified_records", res.Records)
			} else {
				e.logger.Info("audit chain verified", "records", res.Records)
			}
		}
		if starter, ok := e.auditLog.(interface{ Start(context.Context) }); ok {
			starter.Start(ctx)
		}
	}
	e.freq.Clear()
	idx := e.currentIndex()
	e.logger.Info("governance engine started",
		"policies", len(idx.Policies),
		"fingerprint", fmt.Sprintf("%016x", idx.Fingerprint),
		"fail_mode", string(e.cfg.FailMode))
	return nil
}

// Stop flushes and releases all subsystems.
func (e *Engine) Stop(ctx context.Context) error {
	var firstErr error
	if e.cfg.Trust.Enabled {
		e.trust.Stop()
	}
	if e.auditLog != nil {
		if err := e.auditLog.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close audit log: %w", err)
		}
	}
	return firstErr
}

// ReloadPolicies recompiles and atomically publishes a new index.
func (e *Engine) ReloadPolicies(policies []policy.Policy, windows map[string]policy.TimeWindow) {
	idx := policy.Compile(policies, e.cfg.BuiltinPolicies, windows, e.logger)
	e.index.Store(idx)
	if e.metrics != nil {
		e.metrics.PolicyCount.Set(float64(len(idx.Policies)))
	}
	e.logger.Info("policy index reloaded",
		"policies", len(idx.Policies),
		"fingerprint", fmt.Sprintf("%016x", idx.Fingerprint))
}

func (e *Engine) currentIndex() *policy.Index {
	return e.index.Load().(*policy.Index)
}

// Evaluate runs one governance decision. It never returns an error to the
// caller: any internal failure produces the fail-mode verdict and an
// error_fallback audit record.
func (e *Engine) Evaluate(ctx context.Context, ectx *policy.EvaluationContext) (verdict policy.Verdict) {
	if !e.cfg.Enabled {
		return policy.Verdict{Action: policy.ActionAllow, Reason: "Governance engine disabled"}
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.evaluate",
		trace.WithAttributes(
			attribute.String("hook", string(ectx.Hook)),
			attribute.String("agent_id", ectx.AgentID),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("evaluation panicked, applying fail mode",
				"panic", r, "agent_id", ectx.AgentID, "hook", string(ectx.Hook))
			verdict = e.failVerdict()
			verdict.EvaluationUs = time.Since(start).Microseconds()
			e.recordStats(&verdict, true)
			e.emitAudit(ctx, ectx, &verdict, audit.VerdictErrorFallback)
			if e.metrics != nil {
				e.metrics.ErrorFallbacks.Inc()
			}
		}
	}()

	idx := e.currentIndex()
	now := time.Now()
	ectx.Time = policy.NewTimeContext(now, e.loc)
	if n := e.cfg.Performance.MaxContextMessages; n > 0 && len(ectx.History) > n {
		ectx.History = ectx.History[len(ectx.History)-n:]
	}

	e.enrichSubAgent(ectx)
	ectx.Trust = e.trustSnapshot(ectx.AgentID)

	e.freq.Record(ectx.AgentID, ectx.SessionKey, ectx.ToolName)

	assessment := e.assessor.Assess(risk.Input{
		ToolName:    ectx.ToolName,
		ToolParams:  ectx.ToolParams,
		Hour:        ectx.Time.Hour,
		TrustScore:  ectx.Trust.Score,
		RecentCount: e.freq.Count(60, frequency.ScopeAgent, ectx.AgentID, ectx.SessionKey),
		MessageTo:   ectx.MessageTo,
	})

	deps := policy.Deps{
		Regex:   idx.Regex,
		Windows: idx.Windows,
		Counter: e.freq,
		Risk:    assessment,
		Logger:  e.logger,
	}
	verdict = policy.Evaluate(idx, ectx, &deps)
	verdict.EvaluationUs = time.Since(start).Microseconds()

	if budget := e.cfg.Performance.MaxEvalUs; budget > 0 && verdict.EvaluationUs > budget {
		e.logger.Warn("evaluation exceeded budget",
			"elapsed_us", verdict.EvaluationUs, "budget_us", budget,
			"agent_id", ectx.AgentID, "hook", string(ectx.Hook))
		if e.metrics != nil {
			e.metrics.EvalBudgetOverruns.Inc()
		}
	}

	e.recordStats(&verdict, false)
	if e.metrics != nil {
		e.metrics.EvaluationsTotal.WithLabelValues(string(verdict.Action), string(ectx.Hook)).Inc()
		e.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
		e.metrics.TrustScore.WithLabelValues(ectx.AgentID).Set(float64(ectx.Trust.Score))
	}
	span.SetAttributes(
		attribute.String("verdict", string(verdict.Action)),
		attribute.Int("risk_score", verdict.Risk.Score),
	)

	e.emitAudit(ctx, ectx, &verdict, audit.Verdict(verdict.Action))
	return verdict
}

// enrichSubAgent propagates the parent session's agent identity to
// contexts arriving on registered child sessions.
func (e *Engine) enrichSubAgent(ectx *policy.EvaluationContext) {
	parentKey, ok := e.subagents.Parent(ectx.SessionKey)
	if !ok {
		return
	}
	if parentAgent := policy.ExtractAgentID(parentKey, ""); parentAgent != "" {
		ectx.AgentID = parentAgent
	}
}

// trustSnapshot reads the agent's snapshot, or a neutral one when trust
// management is disabled.
func (e *Engine) trustSnapshot(agentID string) trust.Snapshot {
	if !e.cfg.Trust.Enabled {
		return trust.Snapshot{AgentID: agentID, Score: 50, Tier: trust.TierOf(50)}
	}
	return e.trust.GetSnapshot(agentID)
}

// failVerdict is the error-path verdict per the configured fail mode.
func (e *Engine) failVerdict() policy.Verdict {
	if e.cfg.FailMode == config.FailClosed {
		return policy.Verdict{Action: policy.ActionDeny, Reason: "Governance evaluation failed (fail-closed)"}
	}
	return policy.Verdict{Action: policy.ActionAllow, Reason: "Governance evaluation failed (fail-open)"}
}

// recordStats folds one verdict into the running counters.
func (e *Engine) recordStats(v *policy.Verdict, failed bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Total++
	switch v.Action {
	case policy.ActionAllow:
		e.stats.Allowed++
	case policy.ActionDeny:
		e.stats.Denied++
	case policy.ActionEscalate:
		e.stats.Escalated++
	}
	if failed {
		e.stats.Errors++
	}
	n := float64(e.stats.Total)
	e.stats.MeanEvalUs += (float64(v.EvaluationUs) - e.stats.MeanEvalUs) / n
}

// emitAudit assembles and enqueues one audit record.
func (e *Engine) emitAudit(ctx context.Context, ectx *policy.EvaluationContext, v *policy.Verdict, kind audit.Verdict) {
	if !e.cfg.Audit.Enabled || e.auditLog == nil {
		return
	}
	rec := audit.Record{
		AgentID:      ectx.AgentID,
		Verdict:      kind,
		Reason:       v.Reason,
		Context:      e.redactor.Snapshot(ectx),
		Risk:         v.Risk,
		Trust:        ectx.Trust,
		Matched:      v.Matched,
		EvaluationUs: v.EvaluationUs,
	}
	if err := e.auditLog.Record(ctx, &rec); err != nil {
		e.logger.Error("audit record failed", "error", err, "agent_id", ectx.AgentID)
		if e.metrics != nil {
			e.metrics.AuditFlushFailures.Inc()
		}
		return
	}
	if e.metrics != nil {
		e.metrics.AuditRecordsTotal.Inc()
	}
}

// RecordOutcome reports a completed tool call. Successful outcomes feed
// the trust success counter; failures are logged but carry no penalty on
// their own, a failed tool call is not a policy violation.
func (e *Engine) RecordOutcome(agentID, toolName string, success bool) {
	if !e.cfg.Trust.Enabled {
		return
	}
	if success {
		e.trust.RecordSuccess(agentID)
		return
	}
	e.logger.Debug("tool call failed", "agent_id", agentID, "tool", toolName)
}

// RecordViolation reports a confirmed policy violation by the agent.
func (e *Engine) RecordViolation(agentID string) {
	if e.cfg.Trust.Enabled {
		e.trust.RecordViolation(agentID)
	}
}

// RecordEscalation reports the outcome of an escalated action.
func (e *Engine) RecordEscalation(agentID string, approved bool) {
	if e.cfg.Trust.Enabled {
		e.trust.RecordEscalation(agentID, approved)
	}
}

// RegisterSubAgent links a child session to its parent session.
func (e *Engine) RegisterSubAgent(parentSessionKey, childSessionKey string) {
	e.subagents.Register(parentSessionKey, childSessionKey)
}

// GetStatus returns the status surface.
func (e *Engine) GetStatus() Status {
	e.statsMu.Lock()
	stats := e.stats
	e.statsMu.Unlock()
	return Status{
		Enabled:      e.cfg.Enabled,
		PolicyCount:  len(e.currentIndex().Policies),
		TrustEnabled: e.cfg.Trust.Enabled,
		AuditEnabled: e.cfg.Audit.Enabled,
		FailMode:     string(e.cfg.FailMode),
		Stats:        stats,
	}
}

// GetTrust returns one agent's trust record.
func (e *Engine) GetTrust(agentID string) trust.AgentTrust {
	return e.trust.GetAgentTrust(agentID)
}

// GetTrustAll returns the whole trust store snapshot.
func (e *Engine) GetTrustAll() map[string]trust.AgentTrust {
	return e.trust.Snapshot()
}

// SetTrust applies a clamped manual score override.
func (e *Engine) SetTrust(agentID string, score int) {
	e.trust.SetScore(agentID, score)
}

// AuditLog exposes the audit log for query commands.
func (e *Engine) AuditLog() audit.Log {
	return e.auditLog
}
