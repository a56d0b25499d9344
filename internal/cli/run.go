package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andyhub/andy/internal/config"
	"github.com/andyhub/andy/internal/orchestrator"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the broker: connect channels, run the scheduler, dispatch work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(cmd.Context())
		},
	}
}

func runBroker(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	fmt.Fprintf(os.Stderr, "%s starting as %q\n", logo, cfg.AssistantName)
	return orch.Run(ctx)
}
