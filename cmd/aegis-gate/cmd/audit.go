package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	auditfile "github.com/Aegis-Gate/Aegisgate/internal/adapter/outbound/audit"
	"github.com/Aegis-Gate/Aegisgate/internal/config"
	"github.com/Aegis-Gate/Aegisgate/internal/domain/audit"
)

var (
	auditAgent   string
	auditVerdict string
	auditSince   string
	auditUntil   string
	auditLimit   int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Scan retained audit segments with filters",
	RunE:  runAuditQuery,
}

func init() {
	auditQueryCmd.Flags().StringVar(&auditAgent, "agent", "", "filter by agent id")
	auditQueryCmd.Flags().StringVar(&auditVerdict, "verdict", "", "filter by verdict (allow|deny|escalate|error_fallback)")
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "inclusive lower bound (RFC 3339)")
	auditQueryCmd.Flags().StringVar(&auditUntil, "until", "", "inclusive upper bound (RFC 3339)")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum records returned")
	auditCmd.AddCommand(auditQueryCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	log, err := auditfile.NewChainLog(filepath.Join(governanceDir(cfg), "audit"), logger,
		auditfile.WithRetentionDays(cfg.Audit.RetentionDays))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	q := audit.Query{
		AgentID: auditAgent,
		Verdict: audit.Verdict(auditVerdict),
		Limit:   auditLimit,
	}
	if auditSince != "" {
		t, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
		q.FromMs = t.UnixMilli()
	}
	if auditUntil != "" {
		t, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return fmt.Errorf("parse --until: %w", err)
		}
		q.ToMs = t.UnixMilli()
	}

	records, err := log.Query(context.Background(), q)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "%d records\n", len(records))
	return nil
}
