package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Kex1016/asuka-fp/asuka"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"asuka %s (commit: %s, built: %s)\n",
			asuka.Version,
			asuka.CommitSHA,
			asuka.BuildTime,
		)
	},
}
