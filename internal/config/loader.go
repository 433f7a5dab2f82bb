package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Aegis-Gate/Aegisgate/internal/domain/policy"
)

const envPrefix = "AEGIS_GATE"

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, standard locations are searched for
// aegis-gate.yaml/.yml; the explicit extension avoids matching the binary
// itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("aegis-gate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: AEGIS_GATE_AUDIT_RETENTIONDAYS
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	setDefaults()
}

// findConfigFile searches standard locations for aegis-gate.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{".", filepath.Join(home, ".aegis-gate"), "/etc/aegis-gate"}
	for _, dir := range paths {
		for _, name := range []string{"aegis-gate.yaml", "aegis-gate.yml"} {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
	}
	return ""
}

// setDefaults registers the full default surface so partial files and
// environment overrides merge onto sensible values.
func setDefaults() {
	def := Default()
	viper.SetDefault("enabled", def.Enabled)
	viper.SetDefault("timezone", def.Timezone)
	viper.SetDefault("failMode", string(def.FailMode))
	viper.SetDefault("workspace", defaultWorkspace())

	viper.SetDefault("trust.enabled", def.Trust.Enabled)
	viper.SetDefault("trust.defaults", def.Trust.Defaults)
	viper.SetDefault("trust.persistIntervalSeconds", def.Trust.PersistIntervalSeconds)
	viper.SetDefault("trust.maxHistoryPerAgent", def.Trust.MaxHistoryPerAgent)
	viper.SetDefault("trust.decay.enabled", def.Trust.Decay.Enabled)
	viper.SetDefault("trust.decay.inactivityDays", def.Trust.Decay.InactivityDays)
	viper.SetDefault("trust.decay.rate", def.Trust.Decay.Rate)
	viper.SetDefault("trust.weights.agePerDay", def.Trust.Weights.AgePerDay)
	viper.SetDefault("trust.weights.ageMax", def.Trust.Weights.AgeMax)
	viper.SetDefault("trust.weights.successPerAction", def.Trust.Weights.SuccessPerAction)
	viper.SetDefault("trust.weights.successMax", def.Trust.Weights.SuccessMax)
	viper.SetDefault("trust.weights.violationPenalty", def.Trust.Weights.ViolationPenalty)
	viper.SetDefault("trust.weights.approvedEscalationBonus", def.Trust.Weights.ApprovedEscalationBonus)
	viper.SetDefault("trust.weights.deniedEscalationPenalty", def.Trust.Weights.DeniedEscalationPenalty)
	viper.SetDefault("trust.weights.cleanStreakPerDay", def.Trust.Weights.CleanStreakPerDay)
	viper.SetDefault("trust.weights.cleanStreakMax", def.Trust.Weights.CleanStreakMax)

	viper.SetDefault("audit.enabled", def.Audit.Enabled)
	viper.SetDefault("audit.retentionDays", def.Audit.RetentionDays)
	viper.SetDefault("audit.verifyOnStartup", def.Audit.VerifyOnStartup)
	viper.SetDefault("audit.level", def.Audit.Level)

	viper.SetDefault("performance.maxEvalUs", def.Performance.MaxEvalUs)
	viper.SetDefault("performance.maxContextMessages", def.Performance.MaxContextMessages)
	viper.SetDefault("performance.frequencyBufferSize", def.Performance.FrequencyBufferSize)

	viper.SetDefault("server.listenAddr", def.Server.ListenAddr)
	viper.SetDefault("telemetry.enabled", false)
}

// defaultWorkspace roots persisted state under the user home.
func defaultWorkspace() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".aegis-gate")
}

// Load reads, merges, and validates the configuration. A missing config
// file is not an error; defaults and environment variables apply.
func Load(configFile string) (*Config, error) {
	InitViper(configFile)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for _, pf := range cfg.PolicyFiles {
		policies, err := LoadPolicyFile(pf)
		if err != nil {
			return nil, err
		}
		cfg.Policies = append(cfg.Policies, policies...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// policyDocument is the shape of a standalone policy YAML file: either a
// single policy or a "policies" list.
type policyDocument struct {
	Policies []policy.Policy `yaml:"policies"`
}

// LoadPolicyFile parses one standalone YAML policy document.
func LoadPolicyFile(path string) ([]policy.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}

	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Policies) > 0 {
		return doc.Policies, nil
	}

	var single policy.Policy
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if single.ID == "" {
		return nil, fmt.Errorf("policy file %s: no policies found", path)
	}
	return []policy.Policy{single}, nil
}
