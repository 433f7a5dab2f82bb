package policy

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegexCacheSharesCompiledObject(t *testing.T) {
	c := NewRegexCache(testLogger())

	first, ok := c.Get(`^exec$`)
	if !ok {
		t.Fatal("expected pattern to compile")
	}
	second, ok := c.Get(`^exec$`)
	if !ok {
		t.Fatal("expected cached pattern")
	}
	if first != second {
		t.Error("cache returned different compiled objects for the same source")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestRegexCacheRejectsUnsafePatterns(t *testing.T) {
	c := NewRegexCache(testLogger())

	if _, ok := c.Get(`(a+)+b`); ok {
		t.Error("nested quantifier pattern should be rejected")
	}
	if _, ok := c.Get(`(a*)*`); ok {
		t.Error("nested star pattern should be rejected")
	}
	if _, ok := c.Get("x" + strings.Repeat("a", maxPatternLength)); ok {
		t.Error("over-long pattern should be rejected")
	}
	// Escaped parens are literals, not groups.
	if _, ok := c.Get(`\(a+\)+`); !ok {
		t.Error("escaped parens should not count as a quantified group")
	}
	// Rejection is sticky and cheap on repeat lookups.
	if _, ok := c.Get(`(a+)+b`); ok {
		t.Error("rejected pattern should stay rejected")
	}
}

func TestRegexCacheRejectsInvalidSyntax(t *testing.T) {
	c := NewRegexCache(testLogger())
	if _, ok := c.Get(`[unclosed`); ok {
		t.Error("invalid pattern should be rejected")
	}
}

func TestGlobToRegex(t *testing.T) {
	tests := []struct {
		glob  string
		value string
		want  bool
	}{
		{"exec", "exec", true},
		{"exec", "exec2", false},
		{"mem*", "memory_get", true},
		{"mem*", "amem", false},
		{"*.env", "/srv/app/.env", true},
		{"*.env", "/srv/app/env", false},
		{"a.b", "axb", false},
		{"*", "anything", true},
	}
	c := NewRegexCache(testLogger())
	for _, tt := range tests {
		re, ok := c.GetGlob(tt.glob)
		if !ok {
			t.Fatalf("GetGlob(%q) rejected", tt.glob)
		}
		if got := re.MatchString(tt.value); got != tt.want {
			t.Errorf("glob %q match %q = %v, want %v", tt.glob, tt.value, got, tt.want)
		}
	}
}

func TestMatchPatterns(t *testing.T) {
	c := NewRegexCache(testLogger())

	if MatchPatterns(c, nil, "exec") {
		t.Error("empty pattern set should match nothing")
	}
	if !MatchPatterns(c, Patterns{"read", "exec"}, "exec") {
		t.Error("exact member should match")
	}
	if !MatchPatterns(c, Patterns{"mem*"}, "memory_set") {
		t.Error("glob member should match")
	}
	if MatchPatterns(c, Patterns{"mem*"}, "exec") {
		t.Error("non-matching glob should not match")
	}
}
