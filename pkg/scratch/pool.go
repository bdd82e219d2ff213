// Package scratch pools per-scan engine scratch space for one compiled
// database.
//
// A Pool holds one prototype that callers guaranteeing single-threaded use
// may borrow directly, plus clones handed out one caller at a time. Clones
// are created on demand and kept until the pool is closed, so the pool grows
// to peak concurrency and never shrinks.
package scratch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/praetorian-inc/echidna/pkg/engine"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("scratch pool closed")

// Pool hands out mutually exclusive scratch handles.
type Pool struct {
	engine    engine.Engine
	prototype engine.Scratch

	mu     sync.Mutex
	free   []engine.Scratch
	owned  map[engine.Scratch]bool // clone -> checked out
	closed bool
}

// Stats describes a pool's clones.
type Stats struct {
	Clones int // clones created so far
	InUse  int // clones currently checked out
}

// New allocates the prototype scratch for db.
func New(e engine.Engine, db engine.Database) (*Pool, error) {
	proto, err := e.AllocScratch(db)
	if err != nil {
		return nil, fmt.Errorf("allocate scratch: %w", err)
	}
	return &Pool{
		engine:    e,
		prototype: proto,
		owned:     make(map[engine.Scratch]bool),
	}, nil
}

// Exclusive returns the prototype. The caller must not use it from more
// than one goroutine at a time.
func (p *Pool) Exclusive() engine.Scratch {
	return p.prototype
}

// Acquire checks out a clone, creating one when none is free. The clone
// belongs to the caller until passed to Release.
func (p *Pool) Acquire() (engine.Scratch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.owned[s] = true
		return s, nil
	}

	s, err := p.engine.CloneScratch(p.prototype)
	if err != nil {
		return nil, fmt.Errorf("clone scratch: %w", err)
	}
	p.owned[s] = true
	return s, nil
}

// Release returns a clone obtained from Acquire. Handles the pool does not
// own, or that are not checked out, are ignored.
func (p *Pool) Release(s engine.Scratch) {
	if s == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	inUse, ok := p.owned[s]
	if !ok || !inUse {
		return
	}
	if p.closed {
		delete(p.owned, s)
		s.Free()
		return
	}
	p.owned[s] = false
	p.free = append(p.free, s)
}

// Clones returns the number of clones the pool owns, idle or checked out.
func (p *Pool) Clones() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owned)
}

// Stats returns the current clone counts. It walks every clone; use Clones
// on hot paths.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{Clones: len(p.owned)}
	for _, inUse := range p.owned {
		if inUse {
			st.InUse++
		}
	}
	return st
}

// Close frees the prototype and every idle clone. Clones still checked out
// are freed when released. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for _, s := range p.free {
		delete(p.owned, s)
		if err := s.Free(); err != nil {
			errs = append(errs, err)
		}
	}
	p.free = nil
	if err := p.prototype.Free(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
