// Package matcher manages a set of patterns, compiles them into one engine
// database on demand and scans buffers against it.
//
// A Matcher recompiles lazily: adding, removing or clearing patterns, or
// changing the flags or constraints of a pattern already in the set, causes
// the next scan to compile exactly once. Scans and compiles are serialized by
// a reader-writer lock, so a scan never observes a partially built database.
package matcher

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/praetorian-inc/echidna/pkg/dlog"
	"github.com/praetorian-inc/echidna/pkg/engine"
	"github.com/praetorian-inc/echidna/pkg/idgen"
	"github.com/praetorian-inc/echidna/pkg/pattern"
	"github.com/praetorian-inc/echidna/pkg/scratch"
)

var (
	// ErrNoPatterns is returned by Compile when the pattern set is empty.
	ErrNoPatterns = errors.New("no patterns to compile")
	// ErrPatternExists is returned by Add when a pattern with the same ID is
	// already in the set.
	ErrPatternExists = errors.New("pattern already in set")
)

// MatchCb receives one match. scanCtx is the value passed to Match or
// SafeMatch; patternCtx is the matched pattern's Context. A non-zero return
// stops the scan.
type MatchCb func(id uint32, from, to uint64, scanCtx, patternCtx any) int

// ScanMode selects how the database is compiled and scanned.
type ScanMode int

const (
	Block ScanMode = iota
	Stream
	Vector
)

func (s ScanMode) mode() engine.Mode {
	switch s {
	case Stream:
		return engine.ModeStream
	case Vector:
		return engine.ModeVectored
	default:
		return engine.ModeBlock
	}
}

// Horizon selects the precision of start-of-match tracking in stream mode.
type Horizon int

const (
	HorizonNone Horizon = iota
	HorizonLarge
	HorizonMedium
	HorizonSmall
)

func (h Horizon) mode() engine.Mode {
	switch h {
	case HorizonLarge:
		return engine.ModeSomHorizonLarge
	case HorizonMedium:
		return engine.ModeSomHorizonMedium
	case HorizonSmall:
		return engine.ModeSomHorizonSmall
	default:
		return 0
	}
}

// Matcher is a compiled-on-demand pattern set.
type Matcher struct {
	engine  engine.Engine
	log     *dlog.Logger
	metrics *Metrics
	ids     *idgen.Registry

	mu        sync.RWMutex
	patterns  []*pattern.Pattern
	index     map[uint32]*pattern.Pattern
	revisions []uint64 // pattern revisions at last compile, parallel to patterns
	dirty     bool
	mode      engine.Mode
	callback  MatchCb
	db        engine.Database
	pool      *scratch.Pool

	compiles atomic.Uint64
}

// New creates an empty Matcher compiling with e in block mode.
func New(e engine.Engine, opts ...Option) *Matcher {
	m := &Matcher{
		engine: e,
		index:  make(map[uint32]*pattern.Pattern),
		mode:   engine.ModeBlock,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = dlog.FromEnv()
	}
	if m.ids == nil {
		m.ids = idgen.Default()
	}
	if m.callback == nil {
		m.callback = m.defaultCallback
	}
	return m
}

func (m *Matcher) defaultCallback(id uint32, from, to uint64, _, _ any) int {
	m.log.Info("match", "id", id, "to", to)
	return 0
}

// Add appends p to the set.
func (m *Matcher) Add(p *pattern.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index[p.ID()]; ok {
		return fmt.Errorf("%w: id %d", ErrPatternExists, p.ID())
	}
	m.patterns = append(m.patterns, p)
	m.index[p.ID()] = p
	m.dirty = true
	return nil
}

// AddExpression creates a pattern for expr with an ID from the matcher's
// registry and adds it.
func (m *Matcher) AddExpression(expr string, opts ...pattern.Option) (*pattern.Pattern, error) {
	opts = append([]pattern.Option{pattern.WithLogger(m.log)}, opts...)
	p, err := pattern.New(m.ids, expr, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.Add(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Remove deletes the pattern with the given ID and reports whether it was
// present.
func (m *Matcher) Remove(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := slices.IndexFunc(m.patterns, func(p *pattern.Pattern) bool { return p.ID() == id })
	if i < 0 {
		return false
	}
	m.patterns = slices.Delete(m.patterns, i, i+1)
	delete(m.index, id)
	m.dirty = true
	return true
}

// Clear removes every pattern and releases the database and scratch pool.
func (m *Matcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.patterns = nil
	clear(m.index)
	m.dirty = true
	m.teardown()
}

// Find returns the pattern with the given ID.
func (m *Matcher) Find(id uint32) (*pattern.Pattern, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.index[id]
	return p, ok
}

// Patterns returns the patterns in insertion order.
func (m *Matcher) Patterns() []*pattern.Pattern {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.patterns)
}

// Len returns the number of patterns.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.patterns)
}

// RegisterCallback sets the match callback. nil restores the default,
// which logs each match at Info and continues.
func (m *Matcher) RegisterCallback(cb MatchCb) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb == nil {
		cb = m.defaultCallback
	}
	m.callback = cb
}

// SetScanMode selects block, stream or vectored scanning, replacing the
// previous scan mode bits rather than OR-ing into them. It takes effect at
// the next compile and does not by itself trigger one.
func (m *Matcher) SetScanMode(s ScanMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = m.mode&^engine.ScanModeMask | s.mode()
}

// SetMatchHorizon selects the start-of-match horizon, replacing the previous
// horizon bits rather than OR-ing into them; HorizonNone clears them. It
// takes effect at the next compile and does not by itself trigger one.
func (m *Matcher) SetMatchHorizon(h Horizon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = m.mode&^engine.HorizonMask | h.mode()
}

// Mode returns the mode word used for the next compile.
func (m *Matcher) Mode() engine.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Compiles returns the number of successful compiles.
func (m *Matcher) Compiles() uint64 {
	return m.compiles.Load()
}

// Compile discards the current database and builds a new one from the
// pattern set.
func (m *Matcher) Compile() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compileLocked()
}

func (m *Matcher) compileLocked() error {
	m.teardown()

	if len(m.patterns) == 0 {
		return ErrNoPatterns
	}

	n := len(m.patterns)
	b := &engine.Batch{
		Expressions: make([]string, n),
		Flags:       make([]engine.Flag, n),
		IDs:         make([]uint32, n),
		Exts:        make([]*engine.Ext, n),
		Mode:        m.mode,
	}
	revisions := make([]uint64, n)
	for i, p := range m.patterns {
		// Read the revision first so a concurrent mutation is caught by the next scan.
		revisions[i] = p.Revision()
		b.Expressions[i] = p.Expression()
		b.Flags[i] = p.Flags()
		b.IDs[i] = p.ID()
		b.Exts[i] = p.Ext()
	}

	start := time.Now()
	db, err := m.engine.Compile(b)
	m.metrics.recordCompile(time.Since(start), err)
	if err != nil {
		var ce *engine.CompileError
		if errors.As(err, &ce) {
			m.log.Error("pattern compilation failed", "engine", m.engine.Name(), "code", ce.Code, "message", ce.Message, "expression", ce.Expression)
		} else {
			m.log.Error("pattern compilation failed", "engine", m.engine.Name(), "error", err)
		}
		return fmt.Errorf("compile %d patterns: %w", n, err)
	}

	pool, err := scratch.New(m.engine, db)
	if err != nil {
		db.Close()
		m.log.Error("scratch allocation failed", "engine", m.engine.Name(), "error", err)
		return err
	}

	m.db = db
	m.pool = pool
	m.revisions = revisions
	m.dirty = false
	m.compiles.Add(1)
	m.metrics.setPoolClones(0)
	return nil
}

// teardown releases the database and pool. Callers hold the write lock, so
// no scan has a clone checked out.
func (m *Matcher) teardown() {
	if m.pool != nil {
		if err := m.pool.Close(); err != nil {
			m.log.Warning("failed to free scratch pool", "error", err)
		}
		m.pool = nil
	}
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			m.log.Warning("failed to close database", "error", err)
		}
		m.db = nil
	}
	m.revisions = nil
}

// stale reports whether the database must be rebuilt before scanning.
func (m *Matcher) stale() bool {
	if m.dirty || m.db == nil || len(m.revisions) != len(m.patterns) {
		return true
	}
	for i, p := range m.patterns {
		if p.Revision() != m.revisions[i] {
			return true
		}
	}
	return false
}

// Match scans data using the pool's exclusive scratch. It must not be called
// from more than one goroutine at a time; use SafeMatch for that. Failures
// are logged, not returned.
func (m *Matcher) Match(data []byte, scanCtx any) {
	m.scan(data, scanCtx, false)
}

// SafeMatch scans data with a pooled scratch and may be called concurrently.
// Failures are logged, not returned.
func (m *Matcher) SafeMatch(data []byte, scanCtx any) {
	m.scan(data, scanCtx, true)
}

func (m *Matcher) scan(data []byte, scanCtx any, shared bool) {
	if !m.readLockCompiled() {
		return
	}
	defer m.mu.RUnlock()

	path := "exclusive"
	s := m.pool.Exclusive()
	if shared {
		path = "shared"
		var err error
		s, err = m.pool.Acquire()
		if err != nil {
			m.log.Error("failed to acquire scratch", "error", err)
			m.metrics.recordScan(path, "error")
			return
		}
		defer m.pool.Release(s)
		if m.metrics != nil {
			m.metrics.setPoolClones(m.pool.Clones())
		}
	}

	sc := &scanContext{
		callback: m.callback,
		scanCtx:  scanCtx,
		index:    m.index,
		log:      m.log,
		metrics:  m.metrics,
	}
	err := m.engine.Scan(m.db, s, data, dispatch, sc)
	switch {
	case err == nil:
		m.metrics.recordScan(path, "complete")
	case errors.Is(err, engine.ErrScanTerminated):
		m.metrics.recordScan(path, "terminated")
	default:
		m.log.Error("scan failed", "engine", m.engine.Name(), "error", err)
		m.metrics.recordScan(path, "error")
	}
}

// readLockCompiled returns with the read lock held and a current database,
// compiling first when needed. It returns false, without the lock, when the
// set is empty or compilation failed.
func (m *Matcher) readLockCompiled() bool {
	for {
		m.mu.RLock()
		if len(m.patterns) == 0 {
			m.mu.RUnlock()
			m.log.Notice("match called with no patterns")
			return false
		}
		if !m.stale() {
			return true
		}
		m.mu.RUnlock()

		m.mu.Lock()
		if len(m.patterns) > 0 && m.stale() {
			if err := m.compileLocked(); err != nil {
				m.mu.Unlock()
				m.log.Error("scan aborted: no usable database", "error", err)
				return false
			}
		}
		m.mu.Unlock()
	}
}

// Close releases the database and scratch pool. The Matcher recompiles if
// used again.
func (m *Matcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.pool != nil {
		errs = append(errs, m.pool.Close())
		m.pool = nil
	}
	if m.db != nil {
		errs = append(errs, m.db.Close())
		m.db = nil
	}
	m.revisions = nil
	return errors.Join(errs...)
}
