package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"lnfeetuner/internal/app"
)

var (
	showLimit   int
	showChannel string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent fee decisions, or one channel's samples, from the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:   showLimit,
			Section: showChannel,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showChannel, "channel", "", "Show recent forwarding samples for this channel instead of decisions")
}
