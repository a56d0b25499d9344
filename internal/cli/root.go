// Package cli implements the andy command-line entrypoint: running the
// broker, preflight checks, and task/group administration.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var logo = color.New(color.FgCyan, color.Bold).Sprint("andy") + " - multi-channel message broker"

// Execute builds and runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:   "andy",
		Short: logo,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newTaskCmd())
	root.AddCommand(newGroupCmd())
	return root.Execute()
}

func printOK(msg string) {
	fmt.Println(color.GreenString("✓"), msg)
}

func printFail(msg string) {
	fmt.Println(color.RedString("✗"), msg)
}
