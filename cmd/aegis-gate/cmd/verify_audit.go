package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	auditfile "github.com/Aegis-Gate/Aegisgate/internal/adapter/outbound/audit"
	"github.com/Aegis-Gate/Aegisgate/internal/config"
)

var verifyAuditCmd = &cobra.Command{
	Use:   "verify-audit",
	Short: "Verify the audit chain integrity",
	Long: `Walk every retained audit segment oldest to newest, recompute each
record's hash, and check sequence density and hash linkage. Exits
non-zero when the chain is broken. Nothing is modified.`,
	RunE: runVerifyAudit,
}

func init() {
	rootCmd.AddCommand(verifyAuditCmd)
}

func runVerifyAudit(cmd *cobra.Command, args []string) error {
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

	res, err := log.Verify(context.Background())
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("audit chain broken at seq %d (%d records verified)",
			res.BrokenSeq, res.Records)
	}
	fmt.Printf("audit chain intact: %d records verified\n", res.Records)
	return nil
}
