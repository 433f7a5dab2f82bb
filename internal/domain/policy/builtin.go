package policy

import "github.com/Aegis-Gate/Aegisgate/internal/domain/frequency"

// Built-in policy ids. A declared policy sharing one of these ids replaces
// the template.
const (
	BuiltinNightMode           = "builtin-night-mode"
	BuiltinCredentialGuard     = "builtin-credential-guard"
	BuiltinProductionSafeguard = "builtin-production-safeguard"
	BuiltinRateLimiter         = "builtin-rate-limiter"
)

// NightModeConfig parameterises the night-mode template.
type NightModeConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	After   string `yaml:"after,omitempty" mapstructure:"after"`
	Before  string `yaml:"before,omitempty" mapstructure:"before"`
}

// CredentialGuardConfig parameterises the credential-guard template.
// ExtraPatterns extends the default set of protected path globs.
type CredentialGuardConfig struct {
	Enabled       bool     `yaml:"enabled" mapstructure:"enabled"`
	ExtraPatterns []string `yaml:"extraPatterns,omitempty" mapstructure:"extraPatterns"`
}

// ProductionSafeguardConfig parameterises the production-safeguard
// template. Hosts lists the host values treated as production.
type ProductionSafeguardConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	Hosts   []string `yaml:"hosts,omitempty" mapstructure:"hosts"`
	Target  string   `yaml:"target,omitempty" mapstructure:"target"`
}

// RateLimiterConfig parameterises the rate-limiter template.
type RateLimiterConfig struct {
	Enabled       bool `yaml:"enabled" mapstructure:"enabled"`
	MaxCount      int  `yaml:"maxCount,omitempty" mapstructure:"maxCount"`
	WindowSeconds int  `yaml:"windowSeconds,omitempty" mapstructure:"windowSeconds"`
}

// BuiltinConfig is the toggle set for the built-in templates.
type BuiltinConfig struct {
	NightMode           NightModeConfig           `yaml:"nightMode" mapstructure:"nightMode"`
	CredentialGuard     CredentialGuardConfig     `yaml:"credentialGuard" mapstructure:"credentialGuard"`
	ProductionSafeguard ProductionSafeguardConfig `yaml:"productionSafeguard" mapstructure:"productionSafeguard"`
	RateLimiter         RateLimiterConfig         `yaml:"rateLimiter" mapstructure:"rateLimiter"`
}

// credentialGuardPatterns are the path globs the guard always protects.
var credentialGuardPatterns = []string{
	"*.env",
	"*.env.*",
	"*credentials*",
	"*.pem",
	"*.key",
	"*id_rsa*",
	"*.aws/config",
	"*.ssh/*",
	"*secrets*",
}

// BuiltinPolicies generates the enabled templates. Priorities sit above
// typical user policies so the safety rails win ties.
func BuiltinPolicies(cfg BuiltinConfig) []Policy {
	var out []Policy
	if cfg.NightMode.Enabled {
		out = append(out, nightModePolicy(cfg.NightMode))
	}
	if cfg.CredentialGuard.Enabled {
		out = append(out, credentialGuardPolicy(cfg.CredentialGuard))
	}
	if cfg.ProductionSafeguard.Enabled {
		out = append(out, productionSafeguardPolicy(cfg.ProductionSafeguard))
	}
	if cfg.RateLimiter.Enabled {
		out = append(out, rateLimiterPolicy(cfg.RateLimiter))
	}
	return out
}

func nightModePolicy(cfg NightModeConfig) Policy {
	after, before := cfg.After, cfg.Before
	if after == "" {
		after = "23:00"
	}
	if before == "" {
		before = "08:00"
	}
	return Policy{
		ID:       BuiltinNightMode,
		Version:  "1.0.0",
		Name:     "Night mode",
		Priority: 90,
		Scope:    Scope{Hooks: []HookKind{HookBeforeToolCall, HookMessageSending}},
		Rules: []Rule{{
			ID: "outside-hours",
			Conditions: []Condition{{
				Kind: CondTime,
				Time: &TimeCondition{After: after, Before: before},
			}},
			Effect: Effect{
				Type:   EffectDeny,
				Reason: "Action blocked by night mode (" + after + " to " + before + ")",
			},
		}},
	}
}

func credentialGuardPolicy(cfg CredentialGuardConfig) Policy {
	patterns := append([]string{}, credentialGuardPatterns...)
	patterns = append(patterns, cfg.ExtraPatterns...)
	return Policy{
		ID:       BuiltinCredentialGuard,
		Version:  "1.0.0",
		Name:     "Credential guard",
		Priority: 100,
		Scope:    Scope{Hooks: []HookKind{HookBeforeToolCall}},
		Rules: []Rule{{
			ID: "protected-path",
			Conditions: []Condition{{
				Kind: CondTool,
				Tool: &ToolCondition{
					Name: Patterns{"read", "write", "edit", "exec"},
				},
			}, {
				Kind: CondAny,
				Any:  credentialPathConditions(patterns),
			}},
			Effect: Effect{
				Type:   EffectDeny,
				Reason: "Access to credential files is blocked by credential protection",
			},
		}},
	}
}

// credentialPathConditions builds one path matcher per protected pattern.
func credentialPathConditions(patterns []string) []Condition {
	out := make([]Condition, 0, len(patterns)*2)
	for _, p := range patterns {
		out = append(out, Condition{
			Kind: CondTool,
			Tool: &ToolCondition{
				Params: map[string]ParamMatch{"path": {Matches: GlobToRegex(p)}},
			},
		}, Condition{
			Kind: CondTool,
			Tool: &ToolCondition{
				Params: map[string]ParamMatch{"command": {Matches: GlobToRegex(p)}},
			},
		})
	}
	return out
}

func productionSafeguardPolicy(cfg ProductionSafeguardConfig) Policy {
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []string{"production", "prod", "prod-*"}
	}
	target := cfg.Target
	if target == "" {
		target = "operator"
	}
	in := make([]any, len(hosts))
	hasGlob := false
	for i, h := range hosts {
		in[i] = h
		if containsStar(h) {
			hasGlob = true
		}
	}
	match := ParamMatch{In: in}
	if hasGlob {
		match = ParamMatch{Matches: anyGlobRegex(hosts)}
	}
	return Policy{
		ID:       BuiltinProductionSafeguard,
		Version:  "1.0.0",
		Name:     "Production safeguard",
		Priority: 95,
		Scope:    Scope{Hooks: []HookKind{HookBeforeToolCall}},
		Rules: []Rule{{
			ID: "production-host",
			Conditions: []Condition{{
				Kind: CondTool,
				Tool: &ToolCondition{
					Params: map[string]ParamMatch{"host": match},
				},
			}},
			Effect: Effect{
				Type:           EffectEscalate,
				Target:         target,
				TimeoutSeconds: 300,
				OnTimeout:      ActionDeny,
			},
		}},
	}
}

func containsStar(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '*' {
			return true
		}
	}
	return false
}

// anyGlobRegex joins the host globs into one alternation.
func anyGlobRegex(globs []string) string {
	src := ""
	for i, g := range globs {
		if i > 0 {
			src += "|"
		}
		// Strip the per-glob anchors; the alternation is re-anchored whole.
		inner := GlobToRegex(g)
		src += "(?:" + inner[1:len(inner)-1] + ")"
	}
	return "^(?:" + src + ")$"
}

func rateLimiterPolicy(cfg RateLimiterConfig) Policy {
	maxCount := cfg.MaxCount
	if maxCount <= 0 {
		maxCount = 30
	}
	window := cfg.WindowSeconds
	if window <= 0 {
		window = 60
	}
	return Policy{
		ID:       BuiltinRateLimiter,
		Version:  "1.0.0",
		Name:     "Rate limiter",
		Priority: 85,
		Scope:    Scope{Hooks: []HookKind{HookBeforeToolCall}},
		Rules: []Rule{{
			ID: "burst",
			Conditions: []Condition{{
				Kind: CondFrequency,
				Frequency: &FrequencyCondition{
					MaxCount:      maxCount,
					WindowSeconds: window,
					Scope:         frequency.ScopeAgent,
				},
			}},
			Effect: Effect{
				Type:   EffectDeny,
				Reason: "Action rate limit exceeded",
			},
		}},
	}
}
