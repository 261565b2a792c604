package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kipepeo",
		Short: "Kipepeo - transparent media transcoding with savings accounting",
		Long: `Kipepeo intercepts video traffic, re-encodes eligible responses with a
stronger content coding and keeps a running account of the bytes saved.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "kipepeo.toml", "Path to configuration file")

	rootCmd.AddCommand(
		newServeCommand(),
		newStatusCommand(),
		newActionCommand("activate", "Activate interception on a running instance", "/api/activate"),
		newActionCommand("deactivate", "Deactivate interception on a running instance", "/api/deactivate"),
		newActionCommand("reset", "Reset the savings ledger on a running instance", "/api/reset"),
		newConfigCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
