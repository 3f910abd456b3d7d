package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	debug   bool
	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "callisto [prompt...]",
	Short: "Callisto - transparent tracing wrapper for coding assistants",
	Long: `Callisto wraps an external coding-assistant binary and records
everything it does during a session:

  - AI provider calls (intercepted at a loopback HTTP/HTTPS proxy)
  - tool invocations and shell commands (via the co-process drop-box)
  - filesystem side-effects
  - session lifecycle and health

Events are validated, de-duplicated, correlated and appended to a
line-delimited JSON log under the trace directory; a self-contained HTML
viewer is rendered when the session finishes.`,
	Version: Version,
	// The positional arguments are the prompt forwarded to the wrapped
	// binary.
	Args:          cobra.ArbitraryArgs,
	RunE:          runSession,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == 0 {
			return 1
		}
	}
	return exitCode
}

// exitCode carries the session's exit status out of cobra's RunE.
var exitCode int

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: discovered)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")

	rootCmd.CompletionOptions.DisableDefaultCmd = false
}
