package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect or override agent trust",
}

var trustShowCmd = &cobra.Command{
	Use:   "show [agent-id]",
	Short: "Show trust for one agent or the whole store",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTrustShow,
}

var trustSetCmd = &cobra.Command{
	Use:   "set <agent-id> <score>",
	Short: "Apply a clamped manual trust override",
	Args:  cobra.ExactArgs(2),
	RunE:  runTrustSet,
}

func init() {
	trustCmd.AddCommand(trustShowCmd)
	trustCmd.AddCommand(trustSetCmd)
	rootCmd.AddCommand(trustCmd)
}

func runTrustShow(cmd *cobra.Command, args []string) error {
	eng, _, err := buildEngine(false)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if len(args) == 1 {
		return enc.Encode(eng.GetTrust(args[0]))
	}
	return enc.Encode(eng.GetTrustAll())
}

func runTrustSet(cmd *cobra.Command, args []string) error {
	score, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("score must be an integer: %w", err)
	}

	eng, _, err := buildEngine(false)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		return err
	}

	eng.SetTrust(args[0], score)
	updated := eng.GetTrust(args[0])
	fmt.Printf("agent %s: score=%d tier=%s\n", args[0], updated.Score, updated.Tier)
	return eng.Stop(ctx)
}
