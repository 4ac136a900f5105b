// Command queen runs the Hive coordinator and offers offline content tools.
//
//	queen serve --config hive.yaml   # run the coordinator
//	queen ingest ./model.gguf        # add a file to the local store
//	queen get <cid> ./out.gguf       # reassemble an object from the store
//	queen version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hivecompute/hive/internal/config"
)

// Set at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "queen",
		Short:         "Hive swarm coordinator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newGetCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "queen %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
		},
	}
}

func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
