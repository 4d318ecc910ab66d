package cli

import (
	"github.com/spf13/cobra"
)

var (
	onceObserve bool
	onceDryRun  bool
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Execute a single fee cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := resolveMode(onceObserve, onceDryRun)
		if err != nil {
			return err
		}
		return getApp().Once(cmd.Context(), mode)
	},
}

func init() {
	onceCmd.Flags().BoolVar(&onceObserve, "observe", false, "Track EMAs and roles without changing any fees")
	onceCmd.Flags().BoolVar(&onceDryRun, "dry-run", false, "Compute and log decisions without persisting anything")
}
