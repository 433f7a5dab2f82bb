package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aegis-Gate/Aegisgate/internal/adapter/inbound/hook"
)

var hookCmd = &cobra.Command{
	Use:           "hook",
	Short:         "Internal: one-shot hook evaluation over stdin/stdout",
	Hidden:        true,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runHook,
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

// runHook evaluates a single hook event: the host dispatcher pipes the
// event JSON to stdin and reads the decision JSON from stdout. State is
// loaded and flushed around the single evaluation.
func runHook(cmd *cobra.Command, args []string) error {
	ev, err := hook.ParseEvent(os.Stdin)
	if err != nil {
		return err
	}

	eng, _, err := buildEngine(false)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		return err
	}

	verdict := eng.Evaluate(ctx, ev.ToContext())
	if err := hook.WriteDecision(os.Stdout, hook.FromVerdict(&verdict)); err != nil {
		eng.Stop(ctx)
		return err
	}
	return eng.Stop(ctx)
}
