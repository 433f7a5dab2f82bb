package audit

import (
	"regexp"
	"strings"

	"github.com/Aegis-Gate/Aegisgate/internal/domain/policy"
)

// Redacted is the literal substituted for sensitive values.
const Redacted = "[REDACTED]"

// maxMessageLen caps persisted message content.
const maxMessageLen = 500

// truncatedSuffix is appended to over-long message content.
const truncatedSuffix = "[TRUNCATED at 500 chars]"

// sensitiveKeyRE matches tool parameter keys whose values are always
// redacted, case-insensitively.
var sensitiveKeyRE = regexp.MustCompile(`(?i)^(password|secret|token|apiKey|api_key|credential|auth|authorization)$`)

// Redactor produces persistable context snapshots. Redaction is
// idempotent: redacting an already-redacted snapshot changes nothing.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor compiles the configured extra patterns. Invalid patterns
// are dropped; the caller validates them at config load.
func NewRedactor(patterns []string) *Redactor {
	r := &Redactor{}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	return r
}

// Snapshot deep-copies the persisted slice of ctx with sensitive values
// replaced and over-long message content truncated.
func (r *Redactor) Snapshot(ctx *policy.EvaluationContext) ContextSnapshot {
	snap := ContextSnapshot{
		Hook:       ctx.Hook,
		SessionKey: ctx.SessionKey,
		Channel:    ctx.Channel,
		ToolName:   ctx.ToolName,
		MessageTo:  ctx.MessageTo,
	}
	if ctx.ToolParams != nil {
		snap.ToolParams = r.redactParams(ctx.ToolParams)
	}
	// Truncation runs after pattern replacement: a replacement can grow the
	// message past the cap, and an already-truncated message must not be
	// cut again.
	msg := r.redactString(ctx.MessageContent)
	if len(msg) > maxMessageLen && !strings.HasSuffix(msg, truncatedSuffix) {
		msg = msg[:maxMessageLen] + truncatedSuffix
	}
	snap.MessageContent = msg
	return snap
}

// redactParams deep-copies a parameter map, replacing values under
// sensitive keys wholesale and scrubbing string leaves elsewhere.
func (r *Redactor) redactParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if sensitiveKeyRE.MatchString(k) {
			out[k] = Redacted
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

// redactValue walks nested maps, slices, and string leaves.
func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return r.redactString(val)
	case map[string]any:
		return r.redactParams(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = r.redactValue(e)
		}
		return out
	default:
		return val
	}
}

// redactString applies the configured user patterns to one string leaf.
func (r *Redactor) redactString(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, Redacted)
	}
	return s
}
