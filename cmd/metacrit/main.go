package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/throw-if-null/metacrit/internal/version"
)

// errTasksFailed distinguishes "some tasks failed under --strict" (exit 1)
// from usage and infrastructure errors (exit 2).
var errTasksFailed = errors.New("one or more tasks failed")

var rootCmd = &cobra.Command{
	Use:           "metacrit",
	Short:         "Meta self-critique experiment runner",
	Long:          "metacrit runs adversarial prompts through an iterative generate/critique/revise loop against an OpenAI-compatible API, letting the model rewrite its own critique criterion between rounds.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "metacrit %s (%s)\n", version.Version, version.Commit)
	},
}

func main() {
	rootCmd.AddCommand(runCmd, reportCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errTasksFailed) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
}
