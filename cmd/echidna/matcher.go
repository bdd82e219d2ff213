package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/praetorian-inc/echidna"
	"github.com/praetorian-inc/echidna/pkg/dlog"
	"github.com/praetorian-inc/echidna/pkg/idgen"
	"github.com/praetorian-inc/echidna/pkg/matcher"
	"github.com/praetorian-inc/echidna/pkg/pattern"
	"github.com/praetorian-inc/echidna/pkg/patternfile"
)

// matcherConfig collects the flags shared by scan, patterns and watch.
type matcherConfig struct {
	patterns string // file or directory; builtin set when empty
	engine   string
	mode     string
	horizon  string
	metrics  *matcher.Metrics
}

// loadPatterns reads the pattern set from path, drawing IDs from ids.
func loadPatterns(ids *idgen.Registry, log *dlog.Logger, path string) ([]*pattern.Pattern, error) {
	loader := patternfile.NewLoader(ids, log)
	if path == "" {
		return loader.LoadBuiltin()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("loading patterns: %w", err)
	}
	if info.IsDir() {
		return loader.LoadFS(os.DirFS(path), ".")
	}
	return loader.LoadFile(path)
}

func parseScanMode(s string) (matcher.ScanMode, error) {
	switch s {
	case "", "block":
		return matcher.Block, nil
	case "stream":
		return matcher.Stream, nil
	case "vector", "vectored":
		return matcher.Vector, nil
	default:
		return 0, fmt.Errorf("invalid mode %q (want block, stream or vector)", s)
	}
}

// parseHorizon maps a --horizon value to a Horizon. An empty value picks
// the large horizon in stream mode and none otherwise.
func parseHorizon(s string, mode matcher.ScanMode) (matcher.Horizon, error) {
	switch s {
	case "":
		if mode == matcher.Stream {
			return matcher.HorizonLarge, nil
		}
		return matcher.HorizonNone, nil
	case "none":
		return matcher.HorizonNone, nil
	case "large":
		return matcher.HorizonLarge, nil
	case "medium":
		return matcher.HorizonMedium, nil
	case "small":
		return matcher.HorizonSmall, nil
	default:
		return 0, fmt.Errorf("invalid horizon %q (want none, large, medium or small)", s)
	}
}

// buildMatcher loads the configured patterns into a new matcher that reports
// hits through echidna.CollectHits, and compiles it.
func buildMatcher(cfg matcherConfig, log *dlog.Logger) (*matcher.Matcher, error) {
	mode, err := parseScanMode(cfg.mode)
	if err != nil {
		return nil, err
	}
	horizon, err := parseHorizon(cfg.horizon, mode)
	if err != nil {
		return nil, err
	}

	e, err := echidna.EngineByName(cfg.engine)
	if err != nil {
		return nil, err
	}

	ids := idgen.New()
	patterns, err := loadPatterns(ids, log, cfg.patterns)
	if err != nil {
		return nil, err
	}

	m := matcher.New(e,
		matcher.WithLogger(log),
		matcher.WithRegistry(ids),
		matcher.WithMetrics(cfg.metrics),
		matcher.WithCallback(echidna.CollectHits),
	)
	m.SetScanMode(mode)
	m.SetMatchHorizon(horizon)

	for _, p := range patterns {
		if err := m.Add(p); err != nil {
			return nil, err
		}
	}
	if err := m.Compile(); err != nil {
		return nil, fmt.Errorf("compiling patterns: %w", err)
	}
	return m, nil
}

// reloadPatterns replaces the patterns of m with a fresh load of path. On
// failure m keeps its previous pattern set.
func reloadPatterns(m *matcher.Matcher, log *dlog.Logger, path string) (int, error) {
	patterns, err := loadPatterns(idgen.New(), log, path)
	if err != nil {
		return 0, err
	}

	previous := m.Patterns()
	if err := replacePatterns(m, patterns); err != nil {
		if restoreErr := replacePatterns(m, previous); restoreErr != nil {
			return 0, errors.Join(err, restoreErr)
		}
		return 0, err
	}
	return len(patterns), nil
}

func replacePatterns(m *matcher.Matcher, patterns []*pattern.Pattern) error {
	m.Clear()
	for _, p := range patterns {
		if err := m.Add(p); err != nil {
			return err
		}
	}
	if err := m.Compile(); err != nil {
		return fmt.Errorf("compiling patterns: %w", err)
	}
	return nil
}
