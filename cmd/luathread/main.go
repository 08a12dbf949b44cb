// Command luathread is a small CLI harness over pkg/runtime: spawn Lua
// worker threads from source or file, list live threads and channels, and
// run a script to completion, all from the shell instead of an embedding
// host. Modeled on the teacher's cmd/blim entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds a 'v' prefix if version starts with a digit.
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd is the base command when luathread is called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "luathread",
	Short: "Embeddable Lua worker-thread runtime CLI",
	Long: `luathread drives the concurrency runtime from the shell:

- Spawn Lua worker threads from inline source or a script file
- List live threads and their status, and registered channels
- Run a script and wait for the worker to complete

Intended as a harness for exercising and debugging the runtime; embedding
hosts use pkg/runtime directly instead.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's own "Error:" prefix; main() prints a formatted error.
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(spawnCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
}
