package main

import (
	"fmt"
	"runtime"

	"github.com/praetorian-inc/echidna"
	"github.com/praetorian-inc/echidna/pkg/engine/hsengine"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  "Display the version of Echidna and the matching engines it was built with",
	RunE:  runVersion,
}

func runVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Echidna v%s\n", version)
	fmt.Fprintf(out, "Commit: %s\n", commit)
	fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
	fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(out, "Default engine: %s\n", engineLabel(echidna.EngineAuto))
	if hsengine.Available() {
		fmt.Fprintf(out, "Hyperscan: %s\n", hsengine.Version())
	} else {
		fmt.Fprintln(out, "Hyperscan: unavailable (build with CGO_ENABLED=1 and -tags=hyperscan)")
	}
	return nil
}
