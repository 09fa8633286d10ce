package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/client"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "tasking",
	Short:         "Task ownership and progress engine for collaborative mapping",
	Long:          `tasking coordinates who may work on which task of a mapping project, keeps the task history, and maintains progress counters.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	apiAddr    string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.tasking/config.yaml)")

	rootCmd.AddCommand(daemonCmd, sweepCmd, seedCmd, taskCmd, summaryCmd, boardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfig(configPath)
	}
	return config.LoadConfigFromHome()
}

func apiClient() *client.Client {
	return client.New(apiAddr)
}
