// Package portable is a pure-Go engine.Engine built on regexp2.
//
// It needs no CGO and no native library, at the cost of scanning each
// expression separately. Reporting follows hyperscan's conventions: events
// arrive ordered by end offset, and the start offset is 0 unless the
// expression was compiled with engine.SomLeftMost.
package portable

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/praetorian-inc/echidna/pkg/engine"
	"github.com/praetorian-inc/echidna/pkg/prefilter"
)

// DefaultMatchTimeout bounds a single regexp2 search to guard against
// catastrophic backtracking.
const DefaultMatchTimeout = 5 * time.Second

// Engine implements engine.Engine using regexp2.
type Engine struct {
	matchTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithMatchTimeout overrides DefaultMatchTimeout.
func WithMatchTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.matchTimeout = d
	}
}

// New creates a portable engine.
func New(opts ...Option) *Engine {
	e := &Engine{matchTimeout: DefaultMatchTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements engine.Engine.
func (e *Engine) Name() string {
	return "portable"
}

type compiledExpr struct {
	id    uint32
	re    *regexp2.Regexp
	flags engine.Flag
	ext   engine.Ext
}

type database struct {
	mode      engine.Mode
	exprs     []compiledExpr
	prefilter *prefilter.Prefilter
	closed    atomic.Bool
}

func (db *database) Mode() engine.Mode {
	return db.mode
}

func (db *database) Close() error {
	db.closed.Store(true)
	return nil
}

// Compile implements engine.Engine.
func (e *Engine) Compile(b *engine.Batch) (engine.Database, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	db := &database{
		mode:  b.Mode,
		exprs: make([]compiledExpr, b.Len()),
	}
	keywords := make([][]string, b.Len())

	for i, expr := range b.Expressions {
		flags := b.Flags[i]
		if err := checkSupported(b.Mode, flags, b.Exts[i]); err != nil {
			return nil, &engine.CompileError{Code: engine.CodeCompilerError, Message: err.Error(), Expression: i}
		}

		re, err := e.compileRegexp(expr, flags)
		if err != nil {
			return nil, &engine.CompileError{Code: engine.CodeCompilerError, Message: err.Error(), Expression: i}
		}
		if flags&engine.AllowEmpty == 0 {
			if empty, _ := re.MatchString(""); empty {
				return nil, &engine.CompileError{
					Code:       engine.CodeCompilerError,
					Message:    "pattern matches empty buffer; use the allowempty flag to enable support",
					Expression: i,
				}
			}
		}

		ce := compiledExpr{id: b.IDs[i], re: re, flags: flags}
		if b.Exts[i] != nil {
			ce.ext = *b.Exts[i]
		}
		db.exprs[i] = ce

		if flags&engine.Caseless == 0 && prefilter.Literal(expr) {
			keywords[i] = []string{expr}
		}
	}

	db.prefilter = prefilter.New(keywords)
	return db, nil
}

func checkSupported(mode engine.Mode, flags engine.Flag, ext *engine.Ext) error {
	if flags&engine.Combination != 0 {
		return fmt.Errorf("logical combinations are not supported by the portable engine")
	}
	if ext.Has(engine.ExtEditDistance) && ext.EditDistance > 0 {
		return fmt.Errorf("approximate matching (edit distance %d) is not supported by the portable engine", ext.EditDistance)
	}
	if ext.Has(engine.ExtHammingDistance) && ext.HammingDistance > 0 {
		return fmt.Errorf("approximate matching (hamming distance %d) is not supported by the portable engine", ext.HammingDistance)
	}
	if ext.Has(engine.ExtMinOffset) && ext.Has(engine.ExtMaxOffset) && ext.MinOffset > ext.MaxOffset {
		return fmt.Errorf("min_offset %d is greater than max_offset %d", ext.MinOffset, ext.MaxOffset)
	}
	if flags&engine.SomLeftMost != 0 && mode.ScanMode() == engine.ModeStream && mode.Horizon() == 0 {
		return fmt.Errorf("leftmost start of match in streaming mode requires a start-of-match horizon")
	}
	return nil
}

// compileRegexp tries RE2-compatible syntax first and falls back to the
// Perl-compatible default.
func (e *Engine) compileRegexp(expr string, flags engine.Flag) (*regexp2.Regexp, error) {
	opts := regexp2.None
	if flags&engine.Caseless != 0 {
		opts |= regexp2.IgnoreCase
	}
	if flags&engine.DotAll != 0 {
		opts |= regexp2.Singleline
	}
	if flags&engine.MultiLine != 0 {
		opts |= regexp2.Multiline
	}

	re, err := regexp2.Compile(expr, opts|regexp2.RE2)
	if err != nil {
		re, err = regexp2.Compile(expr, opts)
		if err != nil {
			return nil, err
		}
	}
	re.MatchTimeout = e.matchTimeout
	return re, nil
}

// AllocScratch implements engine.Engine.
func (e *Engine) AllocScratch(db engine.Database) (engine.Scratch, error) {
	if _, ok := db.(*database); !ok {
		return nil, engine.ErrForeignHandle
	}
	return &scratch{}, nil
}

// CloneScratch implements engine.Engine.
func (e *Engine) CloneScratch(s engine.Scratch) (engine.Scratch, error) {
	src, ok := s.(*scratch)
	if !ok {
		return nil, engine.ErrForeignHandle
	}
	if src.freed.Load() {
		return nil, errScratchFreed
	}
	return src.clone(), nil
}
