//go:build cgo && hyperscan

package hsengine

import (
	"errors"
	"fmt"

	"github.com/flier/gohs/hyperscan"
	"github.com/praetorian-inc/echidna/pkg/engine"
)

// Available reports whether the hyperscan engine was compiled in.
func Available() bool {
	return true
}

// Version returns the version string of the linked hyperscan library.
func Version() string {
	return hyperscan.Version()
}

// Engine implements engine.Engine on top of gohs.
type Engine struct {
	platform hyperscan.Platform
}

// New returns a hyperscan engine targeting the host platform.
func New() (*Engine, error) {
	return &Engine{platform: hyperscan.PopulatePlatform()}, nil
}

// Name implements engine.Engine.
func (e *Engine) Name() string {
	return "hyperscan"
}

type database struct {
	mode engine.Mode
	db   hyperscan.Database
}

func (d *database) Mode() engine.Mode {
	return d.mode
}

func (d *database) Close() error {
	return d.db.Close()
}

type scratch struct {
	s *hyperscan.Scratch
}

func (s *scratch) Free() error {
	return s.s.Free()
}

// Compile implements engine.Engine.
func (e *Engine) Compile(b *engine.Batch) (engine.Database, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	patterns := make([]*hyperscan.Pattern, b.Len())
	for i, expr := range b.Expressions {
		p := hyperscan.NewPattern(expr, hyperscan.CompileFlag(b.Flags[i]))
		p.Id = int(b.IDs[i])
		if exts := extOptions(b.Exts[i]); len(exts) > 0 {
			p = p.WithExt(exts...)
		}
		patterns[i] = p
	}

	builder := &hyperscan.DatabaseBuilder{
		Patterns: patterns,
		Mode:     hyperscan.ModeFlag(b.Mode),
		Platform: e.platform,
	}
	db, err := builder.Build()
	if err != nil {
		return nil, &engine.CompileError{Code: engine.CodeCompilerError, Message: err.Error(), Expression: -1}
	}
	return &database{mode: b.Mode, db: db}, nil
}

func extOptions(ext *engine.Ext) []hyperscan.Ext {
	var opts []hyperscan.Ext
	if ext.Has(engine.ExtMinOffset) {
		opts = append(opts, hyperscan.MinOffset(ext.MinOffset))
	}
	if ext.Has(engine.ExtMaxOffset) {
		opts = append(opts, hyperscan.MaxOffset(ext.MaxOffset))
	}
	if ext.Has(engine.ExtMinLength) {
		opts = append(opts, hyperscan.MinLength(ext.MinLength))
	}
	if ext.Has(engine.ExtEditDistance) {
		opts = append(opts, hyperscan.EditDistance(uint(ext.EditDistance)))
	}
	if ext.Has(engine.ExtHammingDistance) {
		opts = append(opts, hyperscan.HammingDistance(uint(ext.HammingDistance)))
	}
	return opts
}

// AllocScratch implements engine.Engine.
func (e *Engine) AllocScratch(db engine.Database) (engine.Scratch, error) {
	d, ok := db.(*database)
	if !ok {
		return nil, engine.ErrForeignHandle
	}
	s, err := hyperscan.NewScratch(d.db)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate hyperscan scratch: %w", err)
	}
	return &scratch{s: s}, nil
}

// CloneScratch implements engine.Engine.
func (e *Engine) CloneScratch(s engine.Scratch) (engine.Scratch, error) {
	sc, ok := s.(*scratch)
	if !ok {
		return nil, engine.ErrForeignHandle
	}
	clone, err := sc.s.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone hyperscan scratch: %w", err)
	}
	return &scratch{s: clone}, nil
}

var errStop = errors.New("stop")

// Scan implements engine.Engine. Stream databases see data as one complete
// stream; vectored databases as a single block.
func (e *Engine) Scan(db engine.Database, s engine.Scratch, data []byte, h engine.MatchHandler, ctx any) error {
	d, ok := db.(*database)
	if !ok {
		return engine.ErrForeignHandle
	}
	sc, ok := s.(*scratch)
	if !ok {
		return engine.ErrForeignHandle
	}

	onMatch := func(id uint, from, to uint64, flags uint, context interface{}) error {
		if h(uint32(id), from, to, uint32(flags), context) != 0 {
			return errStop
		}
		return nil
	}

	var err error
	switch d.mode.ScanMode() {
	case engine.ModeBlock:
		err = d.db.(hyperscan.BlockDatabase).Scan(data, sc.s, onMatch, ctx)
	case engine.ModeVectored:
		err = d.db.(hyperscan.VectoredDatabase).Scan([][]byte{data}, sc.s, onMatch, ctx)
	case engine.ModeStream:
		err = scanStream(d.db.(hyperscan.StreamDatabase), sc.s, data, onMatch, ctx)
	default:
		return fmt.Errorf("unsupported database mode %s", d.mode)
	}
	return convertError(err)
}

func scanStream(db hyperscan.StreamDatabase, s *hyperscan.Scratch, data []byte, h hyperscan.MatchHandler, ctx any) error {
	st, err := db.Open(0, s, h, ctx)
	if err != nil {
		return err
	}
	if err := st.Scan(data); err != nil {
		st.Close()
		return err
	}
	// Close flushes matches that can only be reported at end of data.
	return st.Close()
}

func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hyperscan.ErrScanTerminated), errors.Is(err, errStop):
		return engine.ErrScanTerminated
	case errors.Is(err, hyperscan.ErrScratchInUse):
		return engine.ErrScratchInUse
	default:
		return fmt.Errorf("hyperscan scan failed: %w", err)
	}
}
