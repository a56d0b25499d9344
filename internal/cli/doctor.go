package cli

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/andyhub/andy/internal/config"
	"github.com/andyhub/andy/internal/container"
)

type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.CoreConfig) error
}

var doctorChecks = []doctorCheck{
	{"config loads", func(ctx context.Context, cfg *config.CoreConfig) error { return nil }},
	{"container runtime available", func(ctx context.Context, cfg *config.CoreConfig) error {
		if _, err := exec.LookPath("docker"); err == nil {
			return nil
		}
		if _, err := exec.LookPath("podman"); err == nil {
			return nil
		}
		return fmt.Errorf("neither docker nor podman found on PATH")
	}},
	{"container runtime responds", func(ctx context.Context, cfg *config.CoreConfig) error {
		runner, err := container.NewRunner()
		if err != nil {
			return err
		}
		return runner.Preflight(ctx)
	}},
	{"mount allowlist readable", func(ctx context.Context, cfg *config.CoreConfig) error {
		paths := config.ResolvePaths(cfg)
		_, err := container.LoadAllowlist(paths.MountAllowlist)
		return err
	}},
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run preflight checks for config, container runtime, and mount allowlist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				printFail(fmt.Sprintf("config: %v", err))
				return err
			}

			var failed int
			for _, c := range doctorChecks {
				if err := c.run(cmd.Context(), cfg); err != nil {
					printFail(fmt.Sprintf("%s: %v", c.name, err))
					failed++
					continue
				}
				printOK(c.name)
			}
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}
