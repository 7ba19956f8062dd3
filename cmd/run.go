package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Kex1016/asuka-fp/asuka"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		bot, err := asuka.New(config)
		if err != nil {
			return fmt.Errorf("error initializing bot: %w", err)
		}
		return bot.Run(cmd.Context())
	},
}
