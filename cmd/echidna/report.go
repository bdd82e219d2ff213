package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/praetorian-inc/echidna/pkg/pattern"
	"github.com/praetorian-inc/echidna/pkg/patternfile"
	"github.com/praetorian-inc/echidna/pkg/sarif"
	"github.com/praetorian-inc/echidna/pkg/store"
	"golang.org/x/term"
)

// styles holds color formatters for human output
type styles struct {
	heading     *color.Color
	id          *color.Color
	patternName *color.Color
	location    *color.Color
	match       *color.Color
}

// newStyles creates color formatters for report output
// enabled=false respects --color=never and the NO_COLOR env var
func newStyles(enabled bool) *styles {
	s := &styles{
		heading:     color.New(color.Bold, color.FgHiWhite),
		id:          color.New(color.FgHiGreen),
		patternName: color.New(color.Bold, color.FgHiBlue),
		location:    color.New(color.FgHiBlue),
		match:       color.New(color.FgYellow),
	}

	if !enabled {
		s.heading.DisableColor()
		s.id.DisableColor()
		s.patternName.DisableColor()
		s.location.DisableColor()
		s.match.DisableColor()
	}

	return s
}

// colorEnabled resolves a --color value. "auto" colors only when stdout is a
// terminal and NO_COLOR is unset.
func colorEnabled(mode string) (bool, error) {
	switch mode {
	case "always":
		return true, nil
	case "never":
		return false, nil
	case "", "auto":
		return term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == "", nil
	default:
		return false, fmt.Errorf("invalid color mode %q (want auto, always or never)", mode)
	}
}

// writeHitsHuman prints one block per hit.
func writeHitsHuman(w io.Writer, s *styles, hits []*store.Hit) {
	for i, h := range hits {
		name := h.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "%s %s %s\n",
			s.heading.Sprintf("Hit %d/%d:", i+1, len(hits)),
			s.patternName.Sprint(name),
			s.id.Sprintf("[%d]", h.PatternID))
		fmt.Fprintf(w, "  Location: %s\n", s.location.Sprintf("%s:%d-%d", sourceLabel(h.Source), h.From, h.To))
		if len(h.Snippet) > 0 {
			fmt.Fprintf(w, "  Match: %s\n", s.match.Sprintf("%q", h.Snippet))
		}
		fmt.Fprintln(w)
	}
}

// writeHitsJSON prints hits as an indented JSON array.
func writeHitsJSON(w io.Writer, hits []*store.Hit) error {
	if hits == nil {
		hits = []*store.Hit{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(hits)
}

// writeHitsSARIF prints hits as a SARIF report with one rule per pattern.
func writeHitsSARIF(w io.Writer, patterns []*pattern.Pattern, hits []*store.Hit) error {
	report := sarif.NewReport()
	for _, p := range patterns {
		var name string
		if md, ok := p.Context().(patternfile.Metadata); ok {
			name = md.Name()
		}
		report.AddRule(p, name)
	}
	for _, h := range hits {
		report.AddResult(h)
	}

	data, err := report.ToJSON()
	if err != nil {
		return fmt.Errorf("encoding sarif: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func sourceLabel(source string) string {
	if source == "" {
		return "<input>"
	}
	return source
}
