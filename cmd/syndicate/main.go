package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool
	serverURL  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syndicate",
		Short: "Federation sync engine for independent content sites",
		Long: `Syndicate keeps independently owned content sites in sync. Each site runs
a daemon that follows other sites, reconciles their content into the local
store, and maintains a federated discovery index.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "base URL of a running syndicate daemon")

	rootCmd.AddCommand(
		serveCmd(),
		followCmd(),
		indexCmd(),
		sessionsCmd(),
		publishCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultServerURL() string {
	if v := os.Getenv("SYNDICATE_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Syndicate Federation Engine v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
