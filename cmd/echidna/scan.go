package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/praetorian-inc/echidna"
	"github.com/praetorian-inc/echidna/pkg/dlog"
	"github.com/praetorian-inc/echidna/pkg/matcher"
	"github.com/praetorian-inc/echidna/pkg/pattern"
	"github.com/praetorian-inc/echidna/pkg/patternfile"
	"github.com/praetorian-inc/echidna/pkg/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	scanPatterns     string
	scanEngine       string
	scanMode         string
	scanHorizon      string
	scanWorkers      int
	scanOutputFormat string
	scanOutputPath   string
	scanMaxHits      int
	scanColor        string
)

var scanCmd = &cobra.Command{
	Use:   "scan <targets...>",
	Short: "Scan files and directories against a pattern set",
	Long:  "Compile the pattern set once and scan every regular file under the given targets",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanPatterns, "patterns", "", "Pattern file or directory (builtin patterns when empty)")
	scanCmd.Flags().StringVar(&scanEngine, "engine", echidna.EngineAuto, "Matching engine: auto, portable, hyperscan")
	scanCmd.Flags().StringVar(&scanMode, "mode", "block", "Scan mode: block, stream, vector")
	scanCmd.Flags().StringVar(&scanHorizon, "horizon", "", "Start-of-match horizon: none, large, medium, small (large in stream mode when empty)")
	scanCmd.Flags().IntVar(&scanWorkers, "workers", 1, "Number of files scanned concurrently")
	scanCmd.Flags().StringVar(&scanOutputFormat, "format", "human", "Output format: human, json, sarif")
	scanCmd.Flags().StringVar(&scanOutputPath, "output", store.MemoryPath, "Hit store path (SQLite), or :memory:")
	scanCmd.Flags().IntVar(&scanMaxHits, "max-hits", 0, "Stop scanning a file after this many hits (0 = unlimited)")
	scanCmd.Flags().StringVar(&scanColor, "color", "auto", "Color output: auto, always, never")
}

func runScan(cmd *cobra.Command, args []string) error {
	switch scanOutputFormat {
	case "human", "json", "sarif":
	default:
		return fmt.Errorf("invalid format %q (want human, json or sarif)", scanOutputFormat)
	}
	enabled, err := colorEnabled(scanColor)
	if err != nil {
		return err
	}
	if scanWorkers < 1 {
		scanWorkers = 1
	}

	log := newLogger(cmd.ErrOrStderr())

	m, err := buildMatcher(matcherConfig{
		patterns: scanPatterns,
		engine:   scanEngine,
		mode:     scanMode,
		horizon:  scanHorizon,
	}, log)
	if err != nil {
		return err
	}
	defer m.Close()

	s, err := store.New(store.Config{Path: scanOutputPath})
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer s.Close()

	files, err := collectFiles(args)
	if err != nil {
		return err
	}

	if err := scanFiles(m, s, log, files, scanWorkers, scanMaxHits); err != nil {
		return fmt.Errorf("scanning: %w", err)
	}

	hits, err := s.Hits()
	if err != nil {
		return fmt.Errorf("retrieving hits: %w", err)
	}

	// Summary goes to stderr for json/sarif to keep stdout pure JSON
	out := cmd.OutOrStdout()
	switch scanOutputFormat {
	case "json":
		writeSummary(cmd.ErrOrStderr(), len(files), len(hits), m.Len(), scanOutputPath)
		return writeHitsJSON(out, hits)
	case "sarif":
		writeSummary(cmd.ErrOrStderr(), len(files), len(hits), m.Len(), scanOutputPath)
		return writeHitsSARIF(out, m.Patterns(), hits)
	default:
		writeHitsHuman(out, newStyles(enabled), hits)
		writeSummary(out, len(files), len(hits), m.Len(), scanOutputPath)
		return writePatternCounts(out, s, m.Patterns())
	}
}

func writeSummary(w io.Writer, files, hits, patterns int, output string) {
	fmt.Fprintf(w, "Scan complete: %d files, %d hits, %d patterns\n", files, hits, patterns)
	if output != store.MemoryPath {
		fmt.Fprintf(w, "Results stored in: %s\n", output)
	}
}

// writePatternCounts lists the patterns that produced hits with their counts.
func writePatternCounts(w io.Writer, s store.Store, patterns []*pattern.Pattern) error {
	header := false
	for _, p := range patterns {
		hits, err := s.HitsForPattern(p.ID())
		if err != nil {
			return fmt.Errorf("retrieving hits for pattern %d: %w", p.ID(), err)
		}
		if len(hits) == 0 {
			continue
		}
		if !header {
			fmt.Fprintln(w, "Hits by pattern:")
			header = true
		}
		name := "(unnamed)"
		if md, ok := p.Context().(patternfile.Metadata); ok && md.Name() != "" {
			name = md.Name()
		}
		fmt.Fprintf(w, "  %s [%d]: %d\n", name, p.ID(), len(hits))
	}
	return nil
}

// collectFiles expands targets into the regular files beneath them, skipping
// .git directories.
func collectFiles(targets []string) ([]string, error) {
	var files []string
	for _, target := range targets {
		err := filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == ".git" && path != target {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", target, err)
		}
	}
	return files, nil
}

// scanFiles scans files into s. One worker uses the matcher's exclusive
// scratch; more workers share it through SafeMatch.
func scanFiles(m *matcher.Matcher, s store.Store, log *dlog.Logger, files []string, workers, maxHits int) error {
	var mu sync.Mutex
	scanOne := func(path string, shared bool) error {
		content, err := os.ReadFile(path)
		if err != nil {
			log.Warning("skipping unreadable file", "path", path, "error", err)
			return nil
		}

		t := &echidna.Target{Source: path, Data: content, MaxHits: maxHits}
		if shared {
			m.SafeMatch(content, t)
		} else {
			m.Match(content, t)
		}

		mu.Lock()
		defer mu.Unlock()
		for _, h := range t.Hits {
			if err := s.AddHit(h); err != nil {
				return fmt.Errorf("storing hit: %w", err)
			}
		}
		return nil
	}

	if workers <= 1 {
		for _, path := range files {
			if err := scanOne(path, false); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, path := range files {
		g.Go(func() error {
			return scanOne(path, true)
		})
	}
	return g.Wait()
}
