package cmd

import (
	"github.com/spf13/cobra"

	"anpr-parking/cmd/consumer"
	"anpr-parking/cmd/server"
	"anpr-parking/cmd/vision"
	"anpr-parking/internal/app"
	"anpr-parking/internal/config"
)

// RootCommand creates and returns the root command.
func RootCommand() *cobra.Command {
	var (
		configPath  string
		application app.App
	)

	rootCmd := &cobra.Command{
		Use:           "anpr-parking",
		Short:         "Parking entry recognition and ticketing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			application = *app.New(cfg)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(
		vision.Command(&application),
		consumer.Command(&application),
		server.Command(&application),
	)
	return rootCmd
}
