// Command swarmfuzz drives the fuzzing event bus and restart supervisor:
// one rendezvous address, any number of worker processes racing to bind
// it, and a broker that forwards discoveries between whichever of them
// lose the race and connect as clients instead.
package main

import (
	"fmt"
	"os"

	"github.com/cuemby/swarmfuzz/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "swarmfuzz",
	Short: "swarmfuzz - multi-process fuzzing event bus and restart supervisor",
	Long: `swarmfuzz coordinates coverage-guided fuzzer worker processes over a
shared-memory-backed event bus (LLMP), and supervises each worker's
crash/restart cycle so campaign state survives a crashing harness.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"swarmfuzz version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(superviseCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
