package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/praetorian-inc/echidna"
	"github.com/praetorian-inc/echidna/pkg/dlog"
	"github.com/praetorian-inc/echidna/pkg/matcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchPatterns    string
	watchEngine      string
	watchMaxHits     int
	watchColor       string
	watchMetricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Scan files in a directory as they are written",
	Long: `Watch a directory and scan every file written to it.

When --patterns names a file, changes to that file reload the pattern set
without restarting.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchPatterns, "patterns", "", "Pattern file (builtin patterns when empty)")
	watchCmd.Flags().StringVar(&watchEngine, "engine", echidna.EngineAuto, "Matching engine: auto, portable, hyperscan")
	watchCmd.Flags().IntVar(&watchMaxHits, "max-hits", 0, "Stop scanning a file after this many hits (0 = unlimited)")
	watchCmd.Flags().StringVar(&watchColor, "color", "auto", "Color output: auto, always, never")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

// watcher scans written files and reloads patterns on change.
type watcher struct {
	m        *matcher.Matcher
	log      *dlog.Logger
	out      io.Writer
	styles   *styles
	dir      string
	patterns string // absolute pattern file path, empty for builtin
	maxHits  int
}

func runWatch(cmd *cobra.Command, args []string) error {
	enabled, err := colorEnabled(watchColor)
	if err != nil {
		return err
	}
	log := newLogger(cmd.ErrOrStderr())

	var metrics *matcher.Metrics
	if watchMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = matcher.NewMetrics(reg)
		srv := &http.Server{
			Addr:              watchMetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "addr", watchMetricsAddr, "error", err)
			}
		}()
		defer srv.Close()
	}

	w, err := newWatcher(args[0], watchPatterns, metrics, log, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer w.m.Close()
	w.styles = newStyles(enabled)
	w.maxHits = watchMaxHits

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	if w.patterns != "" && filepath.Dir(w.patterns) != w.dir {
		if err := fw.Add(filepath.Dir(w.patterns)); err != nil {
			return fmt.Errorf("watching %s: %w", w.patterns, err)
		}
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s with %d patterns\n", w.dir, w.m.Len())
	return w.run(ctx, fw.Events, fw.Errors)
}

func newWatcher(dir, patterns string, metrics *matcher.Metrics, log *dlog.Logger, out io.Writer) (*watcher, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	var absPatterns string
	if patterns != "" {
		if absPatterns, err = filepath.Abs(patterns); err != nil {
			return nil, err
		}
	}

	m, err := buildMatcher(matcherConfig{
		patterns: absPatterns,
		engine:   watchEngine,
		metrics:  metrics,
	}, log)
	if err != nil {
		return nil, err
	}

	return &watcher{
		m:        m,
		log:      log.With("dir", absDir),
		out:      out,
		styles:   newStyles(false),
		dir:      absDir,
		patterns: absPatterns,
	}, nil
}

// run handles events until ctx is done or the event channel closes.
func (w *watcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			w.log.Warning("watch error", "error", err)
		}
	}
}

// handle reloads the pattern set when the pattern file changes and scans
// files written inside the watched directory.
func (w *watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	path, err := filepath.Abs(ev.Name)
	if err != nil {
		return
	}

	if w.patterns != "" && path == w.patterns {
		n, err := reloadPatterns(w.m, w.log, w.patterns)
		if err != nil {
			w.log.Error("pattern reload failed, keeping previous set", "path", path, "error", err)
			return
		}
		w.log.Notice("patterns reloaded", "path", path, "count", n)
		return
	}

	if filepath.Dir(path) != w.dir {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	w.scan(path)
}

func (w *watcher) scan(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		w.log.Warning("skipping unreadable file", "path", path, "error", err)
		return
	}

	t := &echidna.Target{Source: path, Data: content, MaxHits: w.maxHits}
	w.m.Match(content, t)
	writeHitsHuman(w.out, w.styles, t.Hits)
}
