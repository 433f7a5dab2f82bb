package policy

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// maxPatternLength is the safety cap on regex source length.
const maxPatternLength = 500

// RegexCache shares compiled regular expressions across all conditions of
// a policy index, keyed by pattern source. A pattern that fails the safety
// check or compilation is cached as a never-matching marker so repeat
// lookups stay O(1); the warning is logged once per pattern.
type RegexCache struct {
	mu     sync.Mutex
	cache  map[string]*regexp.Regexp // nil value marks a rejected pattern
	warned map[string]bool
	logger *slog.Logger
}

// NewRegexCache creates an empty cache.
func NewRegexCache(logger *slog.Logger) *RegexCache {
	return &RegexCache{
		cache:  make(map[string]*regexp.Regexp),
		warned: make(map[string]bool),
		logger: logger,
	}
}

// Get returns the compiled regex for pattern, compiling and caching it on
// first sight. The second return is false when the pattern was rejected;
// callers treat such conditions as non-matching.
func (c *RegexCache) Get(pattern string) (*regexp.Regexp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.cache[pattern]; ok {
		return re, re != nil
	}

	if err := checkPatternSafety(pattern); err != nil {
		c.cache[pattern] = nil
		c.warnOnceLocked(pattern, "unsafe regex rejected", err)
		return nil, false
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		c.cache[pattern] = nil
		c.warnOnceLocked(pattern, "regex compilation failed", err)
		return nil, false
	}

	c.cache[pattern] = re
	return re, true
}

// GetGlob returns the compiled, anchored form of a glob pattern, sharing
// the same cache keyed by the translated source.
func (c *RegexCache) GetGlob(glob string) (*regexp.Regexp, bool) {
	return c.Get(GlobToRegex(glob))
}

// warnOnceLocked logs one warning per rejected pattern.
func (c *RegexCache) warnOnceLocked(pattern, msg string, err error) {
	if c.warned[pattern] {
		return
	}
	c.warned[pattern] = true
	c.logger.Warn(msg, "pattern", pattern, "error", err)
}

// Len returns the number of cached patterns, rejected markers included.
func (c *RegexCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// PatternSafe reports whether a regex source passes the safety rules the
// compiler applies to condition patterns.
func PatternSafe(pattern string) bool {
	return checkPatternSafety(pattern) == nil
}

// patternError is a string error so safety failures stay allocation-free.
type patternError string

func (e patternError) Error() string { return string(e) }

// checkPatternSafety rejects patterns that are too long or that nest
// quantifiers (a quantified group whose body is itself quantified), the
// classic catastrophic-backtracking shape. Go's RE2 engine is linear, but
// the cap keeps policy files portable to hosts with backtracking engines.
func checkPatternSafety(pattern string) error {
	if len(pattern) > maxPatternLength {
		return patternError("pattern exceeds 500 characters")
	}
	if hasNestedQuantifier(pattern) {
		return patternError("nested quantifiers")
	}
	return nil
}

// hasNestedQuantifier scans for a quantifier applied to a group that
// already contains one, e.g. "(a+)+" or "(a*)*".
func hasNestedQuantifier(pattern string) bool {
	type group struct{ quantified bool }
	var stack []group
	escaped := false
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = true
		case '(':
			stack = append(stack, group{})
		case ')':
			if len(stack) == 0 {
				continue
			}
			inner := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if inner.quantified && i+1 < len(pattern) && isQuantifier(pattern[i+1]) {
				return true
			}
		case '*', '+', '{':
			if len(stack) > 0 {
				stack[len(stack)-1].quantified = true
			}
		}
	}
	return false
}

// isQuantifier reports whether ch starts a regex quantifier.
func isQuantifier(ch byte) bool {
	return ch == '*' || ch == '+' || ch == '{' || ch == '?'
}

// GlobToRegex translates a glob into an anchored regex source: '*' becomes
// ".*" and every other metacharacter is escaped literally.
func GlobToRegex(glob string) string {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(glob); i++ {
		if glob[i] == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(glob[i])))
	}
	b.WriteByte('$')
	return b.String()
}

// MatchPatterns reports whether value matches any pattern in the set:
// globs (containing '*') via the shared cache, everything else by exact
// equality. An empty set matches nothing.
func MatchPatterns(cache *RegexCache, patterns Patterns, value string) bool {
	for _, p := range patterns {
		if strings.ContainsRune(p, '*') {
			if re, ok := cache.GetGlob(p); ok && re.MatchString(value) {
				return true
			}
			continue
		}
		if p == value {
			return true
		}
	}
	return false
}
