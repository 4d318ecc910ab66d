package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"lnfeetuner/internal/service"
)

var (
	runObserve bool
	runDryRun  bool
)

func resolveMode(observe, dryRun bool) (service.Mode, error) {
	if observe && dryRun {
		return "", fmt.Errorf("--observe and --dry-run are mutually exclusive")
	}
	switch {
	case observe:
		return service.ModeObserve, nil
	case dryRun:
		return service.ModeDryRun, nil
	default:
		return service.ModeApply, nil
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled fee tuning service",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := resolveMode(runObserve, runDryRun)
		if err != nil {
			return err
		}
		return getApp().Run(cmd.Context(), mode)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runObserve, "observe", false, "Track EMAs and roles without changing any fees")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Compute and log decisions without persisting anything")
}
