// Package cmd provides the CLI commands for Aegis Gate.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	auditfile "github.com/Aegis-Gate/Aegisgate/internal/adapter/outbound/audit"
	"github.com/Aegis-Gate/Aegisgate/internal/adapter/outbound/state"
	"github.com/Aegis-Gate/Aegisgate/internal/config"
	"github.com/Aegis-Gate/Aegisgate/internal/metrics"
	"github.com/Aegis-Gate/Aegisgate/internal/service"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aegis-gate",
	Short: "Aegis Gate - AI agent governance engine",
	Long: `Aegis Gate mediates every action an AI agent attempts against a
declarative policy set, producing allow/deny/escalate verdicts together
with risk assessments, trust tracking, and a tamper-evident audit trail.

Quick start:
  1. Create a config file: aegis-gate.yaml
  2. Run: aegis-gate run

Configuration:
  Config is loaded from aegis-gate.yaml in the current directory,
  $HOME/.aegis-gate/, or /etc/aegis-gate/.

  Environment variables can override config values with the AEGIS_GATE_
  prefix. Example: AEGIS_GATE_AUDIT_RETENTIONDAYS=30

Commands:
  run           Start the governance server
  verify-audit  Verify the audit chain integrity
  trust         Inspect or override agent trust
  version       Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./aegis-gate.yaml)")
}

// governanceDir roots the persisted state under the workspace.
func governanceDir(cfg *config.Config) string {
	return filepath.Join(cfg.Workspace, "governance")
}

// buildEngine loads configuration and wires a full engine. withMetrics
// controls Prometheus registration; one-shot commands skip it.
func buildEngine(withMetrics bool) (*service.Engine, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dir := governanceDir(cfg)
	trustStore := state.NewTrustFileStore(filepath.Join(dir, "trust.json"), logger)
	auditLog, err := auditfile.NewChainLog(filepath.Join(dir, "audit"), logger,
		auditfile.WithRetentionDays(cfg.Audit.RetentionDays))
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}

	var m *metrics.Metrics
	if withMetrics {
		m = metrics.New(nil)
	}

	eng, err := service.NewEngine(cfg, service.Options{
		TrustStore: trustStore,
		AuditLog:   auditLog,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, cfg, nil
}
