package main

import (
	"io"

	"github.com/praetorian-inc/echidna/pkg/dlog"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "echidna",
	Short: "Echidna - multi-pattern regular expression scanner",
	Long: `Echidna compiles a set of regular expressions into a single database and
scans files against all of them in one pass.

Patterns come from YAML pattern files or the builtin secrets set. Hyperscan is
used when the binary is built with it; a pure-Go engine is used otherwise.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (enables debug logging)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Quiet mode (errors only)")

	// Add subcommands
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger returns the logger selected by --verbose and --quiet, falling
// back to the ECHIDNA_DLOG environment toggle. Output always goes to w so it
// never mixes with json or sarif on stdout.
func newLogger(w io.Writer) *dlog.Logger {
	return selectLogger(w, dlog.FromEnv().Enabled())
}

func selectLogger(w io.Writer, envEnabled bool) *dlog.Logger {
	cfg := dlog.Config{Writer: w}
	switch {
	case quiet:
		cfg.Enabled = true
		cfg.Level = "error"
	case verbose, envEnabled:
		cfg.Enabled = true
	default:
		return dlog.Discard()
	}

	l, err := dlog.New(cfg)
	if err != nil {
		return dlog.Discard()
	}
	return l
}
