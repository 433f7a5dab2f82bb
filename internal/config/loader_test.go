package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir %s: %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("chdir back to %s: %v", old, err)
		}
	})
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	viper.Reset()
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Enabled || cfg.Timezone != "UTC" || cfg.FailMode != FailOpen {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Trust.Defaults["*"] != 50 || cfg.Trust.PersistIntervalSeconds != 30 {
		t.Errorf("trust = %+v", cfg.Trust)
	}
	if cfg.Audit.RetentionDays != 90 || cfg.Audit.Level != "standard" {
		t.Errorf("audit = %+v", cfg.Audit)
	}
	if cfg.Performance.MaxEvalUs != 5000 {
		t.Errorf("performance = %+v", cfg.Performance)
	}
	if cfg.Workspace == "" {
		t.Error("workspace default missing")
	}
}

func TestLoadMergesConfigFileOverDefaults(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	path := writeFile(t, dir, "aegis-gate.yaml", `
timezone: Europe/Berlin
failMode: closed
audit:
  retentionDays: 14
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timezone != "Europe/Berlin" || cfg.FailMode != FailClosed {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Audit.RetentionDays != 14 {
		t.Errorf("retention = %d, want 14", cfg.Audit.RetentionDays)
	}
	// Untouched keys keep their defaults.
	if cfg.Audit.Level != "standard" || cfg.Performance.MaxEvalUs != 5000 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	viper.Reset()
	chdir(t, t.TempDir())
	t.Setenv("AEGIS_GATE_FAILMODE", "closed")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FailMode != FailClosed {
		t.Errorf("failMode = %s, want env override closed", cfg.FailMode)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	path := writeFile(t, dir, "aegis-gate.yaml", `
timezone: Mars/Olympus_Mons
`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown timezone should fail validation")
	}
}

func TestLoadPullsInPolicyFiles(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	policyPath := writeFile(t, dir, "deny-exec.yaml", `
id: deny-exec
priority: 10
rules:
  - id: block
    conditions:
      - kind: tool
        tool:
          name: exec
    effect:
      type: deny
      reason: no shell
`)
	cfgPath := writeFile(t, dir, "aegis-gate.yaml", `
policyFiles:
  - `+policyPath+`
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Policies) != 1 || cfg.Policies[0].ID != "deny-exec" {
		t.Errorf("policies = %+v", cfg.Policies)
	}
	if got := cfg.Policies[0].Rules[0].Effect.Reason; got != "no shell" {
		t.Errorf("reason = %q", got)
	}
}

func TestLoadPolicyFileList(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policies.yaml", `
policies:
  - id: one
    rules:
      - id: r
        effect:
          type: audit
  - id: two
    rules:
      - id: r
        effect:
          type: audit
`)
	got, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	if len(got) != 2 || got[0].ID != "one" || got[1].ID != "two" {
		t.Errorf("policies = %+v", got)
	}
}

func TestLoadPolicyFileSingle(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "single.yaml", `
id: solo
rules:
  - id: r
    effect:
      type: audit
`)
	got, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	if len(got) != 1 || got[0].ID != "solo" {
		t.Errorf("policies = %+v", got)
	}
}

func TestLoadPolicyFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadPolicyFile(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Error("missing file should error")
	}

	empty := writeFile(t, dir, "empty.yaml", "{}\n")
	if _, err := LoadPolicyFile(empty); err == nil || !strings.Contains(err.Error(), "no policies") {
		t.Errorf("empty document error = %v", err)
	}
}
