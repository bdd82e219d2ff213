// Package pattern defines a single regular expression with its identity,
// compile flags, extended constraints and user context.
package pattern

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/praetorian-inc/echidna/pkg/dlog"
	"github.com/praetorian-inc/echidna/pkg/engine"
	"github.com/praetorian-inc/echidna/pkg/idgen"
)

// DistanceWarnThreshold is the edit or hamming distance above which a
// performance warning is logged.
const DistanceWarnThreshold = 1000

// ErrDuplicateID is returned when an explicit ID is already registered or
// equals idgen.AutoID. Callers must treat it as fatal: continuing would leave
// two patterns sharing one ID.
var ErrDuplicateID = errors.New("duplicate or reserved pattern id")

// Cloner is implemented by user contexts that need a deep copy when stored
// on a Pattern.
type Cloner interface {
	Clone() any
}

// Pattern is one regular expression. Expression and ID never change after
// construction; flags and extended constraints may be adjusted until the
// pattern is compiled, and a matcher recompiles when they change.
type Pattern struct {
	expr     string
	id       uint32
	ctx      any
	log      *dlog.Logger
	revision atomic.Uint64

	mu    sync.Mutex
	flags engine.Flag
	ext   *engine.Ext
}

type config struct {
	id    uint32
	flags engine.Flag
	ctx   any
	log   *dlog.Logger
}

// Option configures a Pattern.
type Option func(*config)

// WithID requests an explicit ID. idgen.AutoID means allocate one.
func WithID(id uint32) Option {
	return func(c *config) {
		c.id = id
	}
}

// WithFlags sets the initial compile flags.
func WithFlags(flags engine.Flag) Option {
	return func(c *config) {
		c.flags = flags
	}
}

// WithContext attaches a user context. Values implementing Cloner are
// cloned, so later changes to the original are not observed.
func WithContext(ctx any) Option {
	return func(c *config) {
		c.ctx = ctx
	}
}

// WithLogger sets the logger used for warnings and errors.
func WithLogger(l *dlog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// New creates a pattern, drawing its ID from ids unless one is given.
func New(ids *idgen.Registry, expr string, opts ...Option) (*Pattern, error) {
	cfg := config{id: idgen.AutoID}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = dlog.FromEnv()
	}

	id := cfg.id
	if id == idgen.AutoID {
		id = ids.Allocate()
	} else if !ids.Reserve(id) {
		cfg.log.Error("pattern id already in use", "id", id, "expression", expr)
		return nil, fmt.Errorf("%w: %d (expression %q)", ErrDuplicateID, id, expr)
	}

	ctx := cfg.ctx
	if c, ok := ctx.(Cloner); ok {
		ctx = c.Clone()
	}

	return &Pattern{
		expr:  expr,
		id:    id,
		ctx:   ctx,
		log:   cfg.log,
		flags: cfg.flags,
	}, nil
}

// MustNew is like New but panics on error.
func MustNew(ids *idgen.Registry, expr string, opts ...Option) *Pattern {
	p, err := New(ids, expr, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// Expression returns the regular expression.
func (p *Pattern) Expression() string {
	return p.expr
}

// ID returns the pattern's unique ID.
func (p *Pattern) ID() uint32 {
	return p.id
}

// Context returns the user context stored at construction.
func (p *Pattern) Context() any {
	return p.ctx
}

// Flags returns the current compile flags.
func (p *Pattern) Flags() engine.Flag {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags
}

// Ext returns a copy of the extended constraints, or nil if none are set.
func (p *Pattern) Ext() *engine.Ext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ext == nil {
		return nil
	}
	ext := *p.ext
	return &ext
}

// Revision increases every time flags or extended constraints change.
func (p *Pattern) Revision() uint64 {
	return p.revision.Load()
}

// AddFlag sets flag.
func (p *Pattern) AddFlag(flag engine.Flag) {
	p.mu.Lock()
	p.flags |= flag
	p.mu.Unlock()
	p.revision.Add(1)
}

// RemoveFlag clears flag.
func (p *Pattern) RemoveFlag(flag engine.Flag) {
	p.mu.Lock()
	p.flags &^= flag
	p.mu.Unlock()
	p.revision.Add(1)
}

// SetMinOffset sets the minimum end offset at which a match is reported.
func (p *Pattern) SetMinOffset(n uint64) {
	p.setExt(engine.ExtMinOffset, func(e *engine.Ext) { e.MinOffset = n })
}

// SetMaxOffset sets the maximum end offset at which a match is reported.
func (p *Pattern) SetMaxOffset(n uint64) {
	p.setExt(engine.ExtMaxOffset, func(e *engine.Ext) { e.MaxOffset = n })
}

// SetMinLength sets the minimum length of a reported match.
func (p *Pattern) SetMinLength(n uint64) {
	p.setExt(engine.ExtMinLength, func(e *engine.Ext) { e.MinLength = n })
}

// SetEditDistance allows matches within n Levenshtein edits.
func (p *Pattern) SetEditDistance(n uint32) {
	if n > DistanceWarnThreshold {
		p.log.Warning("large edit distance will hurt scan performance", "id", p.id, "distance", n)
	}
	p.setExt(engine.ExtEditDistance, func(e *engine.Ext) { e.EditDistance = n })
}

// SetHammingDistance allows matches within n substitutions.
func (p *Pattern) SetHammingDistance(n uint32) {
	if n > DistanceWarnThreshold {
		p.log.Warning("large hamming distance will hurt scan performance", "id", p.id, "distance", n)
	}
	p.setExt(engine.ExtHammingDistance, func(e *engine.Ext) { e.HammingDistance = n })
}

func (p *Pattern) setExt(flag engine.ExtFlag, set func(*engine.Ext)) {
	p.mu.Lock()
	if p.ext == nil {
		p.ext = &engine.Ext{}
	}
	set(p.ext)
	p.ext.Flags |= flag
	p.mu.Unlock()
	p.revision.Add(1)
}

func (p *Pattern) String() string {
	return fmt.Sprintf("%d:%s", p.id, p.expr)
}
