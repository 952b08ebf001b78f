package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the conduit binary. Running it without a
// subcommand prints the usage.
var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Healthcare integration engine",
	Long: `conduit runs healthcare integration channels: it receives messages over
TCP/MLLP, HTTP or in-process routing, pipes them through per-channel filter
and transformer steps, delivers them to destination connectors with durable
retry queues, and stores every intermediate form in a relational message
store for browsing, reprocessing and cross-channel tracing.

Configuration is environment-driven (CONDUIT_* variables, with an optional
.env file in the working directory). Channel definitions are YAML documents
loaded from the channels directory at startup.`,
	// SilenceUsage keeps handled errors from re-printing the usage block.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main so the
// build can inject it with -ldflags.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "conduit version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newChannelsCmd())
}
