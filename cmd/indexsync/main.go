package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "indexsync",
	Short:         "Sync Kafka topics into Elasticsearch and expire old indices",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/indexsync.yaml", "path to config file")
	rootCmd.AddCommand(runCmd, sweepCmd, versionCmd)
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "indexsync: %v\n", err)
		os.Exit(apperrors.ExitCode(err))
	}
}
