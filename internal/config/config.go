// Package config provides configuration loading and validation for the
// governance engine.
package config

import (
	"time"

	"github.com/Aegis-Gate/Aegisgate/internal/domain/policy"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/trust"
)

// FailMode selects the verdict emitted when evaluation itself fails.
type FailMode string

const (
	// FailOpen allows the action on evaluation errors.
	FailOpen FailMode = "open"
	// FailClosed denies the action on evaluation errors.
	FailClosed FailMode = "closed"
)

// Config is the full configuration surface.
type Config struct {
	// Enabled is the master switch; a disabled engine allows everything.
	Enabled bool `mapstructure:"enabled"`
	// Timezone is the IANA zone driving time conditions.
	Timezone string `mapstructure:"timezone" validate:"required,iana_timezone"`
	// FailMode is the error-path verdict.
	FailMode FailMode `mapstructure:"failMode" validate:"oneof=open closed"`
	// Workspace roots the persisted governance state.
	Workspace string `mapstructure:"workspace" validate:"required"`

	// Policies are declared inline; PolicyFiles name standalone YAML
	// policy documents merged after the inline set.
	Policies    []policy.Policy `mapstructure:"policies"`
	PolicyFiles []string        `mapstructure:"policyFiles"`

	// TimeWindows are the named windows conditions may reference.
	TimeWindows map[string]policy.TimeWindow `mapstructure:"timeWindows" validate:"dive"`

	Trust TrustConfig `mapstructure:"trust"`
	Audit AuditConfig `mapstructure:"audit"`

	// ToolRiskOverrides supersede the built-in tool sensitivity table.
	ToolRiskOverrides map[string]int `mapstructure:"toolRiskOverrides" validate:"dive,min=0,max=100"`

	BuiltinPolicies policy.BuiltinConfig `mapstructure:"builtinPolicies"`
	Performance     PerformanceConfig    `mapstructure:"performance"`
	Server          ServerConfig         `mapstructure:"server"`
	Telemetry       TelemetryConfig      `mapstructure:"telemetry"`
}

// TrustConfig controls the trust manager.
type TrustConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Defaults maps agent id to initial score; "*" is the fallback.
	Defaults               map[string]int `mapstructure:"defaults" validate:"dive,min=0,max=100"`
	PersistIntervalSeconds int            `mapstructure:"persistIntervalSeconds" validate:"min=1"`
	MaxHistoryPerAgent     int            `mapstructure:"maxHistoryPerAgent" validate:"min=1"`
	Decay                  DecayConfig    `mapstructure:"decay"`
	Weights                trust.Weights  `mapstructure:"weights"`
}

// DecayConfig controls inactivity decay.
type DecayConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	InactivityDays int     `mapstructure:"inactivityDays" validate:"min=1"`
	Rate           float64 `mapstructure:"rate" validate:"gt=0,lte=1"`
}

// AuditConfig controls the audit chain.
type AuditConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	RetentionDays   int      `mapstructure:"retentionDays" validate:"min=1"`
	VerifyOnStartup bool     `mapstructure:"verifyOnStartup"`
	RedactPatterns  []string `mapstructure:"redactPatterns" validate:"dive,safe_regex"`
	Level           string   `mapstructure:"level" validate:"oneof=minimal standard verbose"`
}

// PerformanceConfig bounds the hot path.
type PerformanceConfig struct {
	// MaxEvalUs is the per-evaluation budget in microseconds; overruns
	// are logged, never truncated.
	MaxEvalUs           int64 `mapstructure:"maxEvalUs" validate:"min=1"`
	MaxContextMessages  int   `mapstructure:"maxContextMessages" validate:"min=1"`
	FrequencyBufferSize int   `mapstructure:"frequencyBufferSize" validate:"min=1"`
}

// ServerConfig configures the long-running status endpoint.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listenAddr"`
}

// TelemetryConfig toggles the OpenTelemetry providers.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Enabled:  true,
		Timezone: "UTC",
		FailMode: FailOpen,
		Trust: TrustConfig{
			Enabled:                true,
			Defaults:               map[string]int{"*": 50},
			PersistIntervalSeconds: 30,
			MaxHistoryPerAgent:     100,
			Decay:                  DecayConfig{InactivityDays: 7, Rate: 0.95},
			Weights:                trust.DefaultWeights(),
		},
		Audit: AuditConfig{
			Enabled:         true,
			RetentionDays:   90,
			VerifyOnStartup: true,
			Level:           "standard",
		},
		Performance: PerformanceConfig{
			MaxEvalUs:           5000,
			MaxContextMessages:  20,
			FrequencyBufferSize: 1000,
		},
		Server: ServerConfig{ListenAddr: "127.0.0.1:9465"},
	}
}

// PersistInterval returns the trust persistence cadence as a duration.
func (c *TrustConfig) PersistInterval() time.Duration {
	return time.Duration(c.PersistIntervalSeconds) * time.Second
}
