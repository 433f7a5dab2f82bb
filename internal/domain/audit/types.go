// Package audit defines the tamper-evident audit record model and the
// redaction applied to context snapshots before they reach disk.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/Aegis-Gate/Aegisgate/internal/domain/policy"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/risk"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/trust"
)

// GenesisHash is the prev_hash sentinel of the first record in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Verdict is the recorded disposition. It extends the policy action set
// with the error fallback marker.
type Verdict string

const (
	VerdictAllow    Verdict = "allow"
	VerdictDeny     Verdict = "deny"
	VerdictEscalate Verdict = "escalate"
	// VerdictErrorFallback records a fail-mode verdict emitted after an
	// evaluation error.
	VerdictErrorFallback Verdict = "error_fallback"
)

// Level is the audit verbosity.
type Level string

const (
	LevelMinimal  Level = "minimal"
	LevelStandard Level = "standard"
	LevelVerbose  Level = "verbose"
)

// ContextSnapshot is the redacted slice of the evaluation context that is
// persisted with a record.
type ContextSnapshot struct {
	Hook           policy.HookKind `json:"hook"`
	SessionKey     string          `json:"session_key,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolParams     map[string]any  `json:"tool_params,omitempty"`
	MessageContent string          `json:"message_content,omitempty"`
	MessageTo      string          `json:"message_to,omitempty"`
}

// Record is one audit log entry. Records form a hash chain: each record's
// PrevHash equals the prior record's Hash, with GenesisHash at sequence 1.
type Record struct {
	// Seq is the dense, strictly increasing sequence number.
	Seq uint64 `json:"seq"`
	// ID is the record's unique identifier.
	ID string `json:"id"`
	// Timestamp is the ISO-8601 wall-clock time.
	Timestamp string `json:"timestamp"`
	// WallMs is the wall-clock time in Unix milliseconds; it is part of
	// the hash input.
	WallMs int64 `json:"wall_ms"`

	AgentID string  `json:"agent_id"`
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`

	Context ContextSnapshot      `json:"context"`
	Risk    risk.Assessment      `json:"risk"`
	Trust   trust.Snapshot       `json:"trust"`
	Matched []policy.MatchedRule `json:"matched_policies,omitempty"`

	EvaluationUs int64 `json:"evaluation_us"`
	// LLMConsulted marks records where an intent extension was invoked.
	LLMConsulted bool `json:"llm_consulted"`
	// ComplianceControls lists control identifiers attached at emission.
	ComplianceControls []string `json:"compliance_controls,omitempty"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// ComputeHash derives a record's chain hash from its identifying fields,
// joined with a literal '|'. The tool name slot is empty for non-tool
// hooks.
func ComputeHash(r *Record) string {
	payload := fmt.Sprintf("%d|%d|%s|%s|%s|%s|%s",
		r.Seq, r.WallMs, r.Verdict, r.AgentID, r.Context.Hook, r.Context.ToolName, r.PrevHash)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// ChainHead is the persisted chain state: the tail of the hash chain plus
// the cumulative record count.
type ChainHead struct {
	Seq           uint64 `json:"seq"`
	LastHash      string `json:"lastHash"`
	LastTimestamp string `json:"lastTimestamp"`
	RecordCount   uint64 `json:"recordCount"`
}

// Query filters a log scan. Zero values mean unconstrained.
type Query struct {
	AgentID string
	Verdict Verdict
	// FromMs and ToMs bound WallMs inclusively.
	FromMs int64
	ToMs   int64
	// Limit caps the result count; <=0 applies a default cap.
	Limit int
}

// VerifyResult reports a chain verification outcome.
type VerifyResult struct {
	// Records is the number of records checked.
	Records uint64
	// BrokenSeq is the first sequence whose hash or linkage failed, or 0
	// when the chain is intact.
	BrokenSeq uint64
}

// OK reports whether the chain verified cleanly.
func (v VerifyResult) OK() bool { return v.BrokenSeq == 0 }
