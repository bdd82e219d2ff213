package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/praetorian-inc/echidna"
	"github.com/praetorian-inc/echidna/pkg/patternfile"
	"github.com/spf13/cobra"
)

var (
	patternsEngine string
	outputFormat   string
)

var patternsCmd = &cobra.Command{
	Use:   "patterns [file]",
	Short: "Load, compile and list a pattern set",
	Long:  "Compile the patterns in a file or directory (builtin patterns when omitted) and list them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPatternsList,
}

func init() {
	patternsCmd.Flags().StringVar(&patternsEngine, "engine", echidna.EngineAuto, "Matching engine used to compile: auto, portable, hyperscan")
	patternsCmd.Flags().StringVar(&outputFormat, "format", "table", "Output format: table, json")
}

// patternInfo is the JSON form of one listed pattern.
type patternInfo struct {
	ID         uint32            `json:"id"`
	Expression string            `json:"expression"`
	Flags      string            `json:"flags"`
	Context    map[string]string `json:"context,omitempty"`
}

func runPatternsList(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) > 0 {
		path = args[0]
	}

	m, err := buildMatcher(matcherConfig{
		patterns: path,
		engine:   patternsEngine,
	}, newLogger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer m.Close()

	patterns := m.Patterns()
	out := cmd.OutOrStdout()

	switch outputFormat {
	case "json":
		infos := make([]patternInfo, 0, len(patterns))
		for _, p := range patterns {
			info := patternInfo{ID: p.ID(), Expression: p.Expression(), Flags: p.Flags().String()}
			if md, ok := p.Context().(patternfile.Metadata); ok {
				info.Context = md
			}
			infos = append(infos, info)
		}
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(infos)

	case "table":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tName\tFlags\tExpression")
		fmt.Fprintln(w, "--\t----\t-----\t----------")
		for _, p := range patterns {
			var name string
			if md, ok := p.Context().(patternfile.Metadata); ok {
				name = md.Name()
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.ID(), name, p.Flags(), p.Expression())
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nTotal: %d patterns (compiled with %s)\n", len(patterns), engineLabel(patternsEngine))
		return nil

	default:
		return fmt.Errorf("invalid format %q (want table or json)", outputFormat)
	}
}

// engineLabel names the engine a --engine value resolves to.
func engineLabel(name string) string {
	e, err := echidna.EngineByName(name)
	if err != nil {
		return name
	}
	return e.Name()
}
