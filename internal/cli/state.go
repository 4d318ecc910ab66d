package cli

import (
	"github.com/spf13/cobra"

	"lnfeetuner/internal/app"
)

var stateSection string

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Display the persisted per-channel state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().State(app.StateOptions{Section: stateSection})
	},
}

func init() {
	stateCmd.Flags().StringVar(&stateSection, "channel", "", "Show a single channel section")
}
