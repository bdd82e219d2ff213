package portable

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"unicode/utf8"

	"github.com/praetorian-inc/echidna/pkg/engine"
)

var (
	errScratchFreed   = errors.New("scratch already freed")
	errDatabaseClosed = errors.New("database closed")
)

// event is one pending match report.
type event struct {
	id    uint32
	from  uint64
	to    uint64
	order int // expression index, breaks ties on equal end offsets
}

// scratch holds the buffers a scan reuses: the decoded input, the
// rune-to-byte offset table, prefilter marks and collected events.
type scratch struct {
	busy       atomic.Bool
	freed      atomic.Bool
	runes      []rune
	offsets    []int
	candidates []bool
	events     []event
}

func (s *scratch) Free() error {
	s.freed.Store(true)
	s.runes, s.offsets, s.candidates, s.events = nil, nil, nil, nil
	return nil
}

func (s *scratch) clone() *scratch {
	return &scratch{
		runes:      make([]rune, 0, cap(s.runes)),
		offsets:    make([]int, 0, cap(s.offsets)),
		candidates: make([]bool, 0, cap(s.candidates)),
		events:     make([]event, 0, cap(s.events)),
	}
}

// decode fills runes and offsets from data. offsets[i] is the byte offset
// of rune i, with a final entry for len(data). Invalid bytes decode to
// utf8.RuneError one byte at a time, matching a []rune(string) conversion.
func (s *scratch) decode(data []byte) {
	s.runes = s.runes[:0]
	s.offsets = s.offsets[:0]
	for i := 0; i < len(data); {
		r, w := utf8.DecodeRune(data[i:])
		s.runes = append(s.runes, r)
		s.offsets = append(s.offsets, i)
		i += w
	}
	s.offsets = append(s.offsets, len(data))
}

// Scan implements engine.Engine.
func (e *Engine) Scan(db engine.Database, s engine.Scratch, data []byte, h engine.MatchHandler, ctx any) error {
	pdb, ok := db.(*database)
	if !ok {
		return engine.ErrForeignHandle
	}
	sc, ok := s.(*scratch)
	if !ok {
		return engine.ErrForeignHandle
	}
	if pdb.closed.Load() {
		return errDatabaseClosed
	}
	if sc.freed.Load() {
		return errScratchFreed
	}
	if !sc.busy.CompareAndSwap(false, true) {
		return engine.ErrScratchInUse
	}
	defer sc.busy.Store(false)

	sc.decode(data)
	filtered := pdb.prefilter.Active()
	if filtered {
		sc.candidates = pdb.prefilter.Candidates(data, sc.candidates)
	}
	sc.events = sc.events[:0]

	for i := range pdb.exprs {
		ce := &pdb.exprs[i]
		if (filtered && !sc.candidates[i]) || ce.flags&engine.Quiet != 0 {
			continue
		}
		if err := collect(ce, i, sc); err != nil {
			return fmt.Errorf("portable scan: expression %d: %w", ce.id, err)
		}
	}

	slices.SortStableFunc(sc.events, func(a, b event) int {
		if c := cmp.Compare(a.to, b.to); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})

	for _, ev := range sc.events {
		if h(ev.id, ev.from, ev.to, 0, ctx) != 0 {
			return engine.ErrScanTerminated
		}
	}
	return nil
}

// collect appends every reportable match of ce to sc.events.
func collect(ce *compiledExpr, order int, sc *scratch) error {
	m, err := ce.re.FindRunesMatch(sc.runes)
	for m != nil {
		start := sc.offsets[m.Index]
		end := sc.offsets[m.Index+m.Length]

		if (end > start || ce.flags&engine.AllowEmpty != 0) && ce.allowed(start, end) {
			var from uint64
			if ce.flags&engine.SomLeftMost != 0 {
				from = uint64(start)
			}
			sc.events = append(sc.events, event{id: ce.id, from: from, to: uint64(end), order: order})
			if ce.flags&engine.SingleMatch != 0 {
				return nil
			}
		}

		if ce.ext.Has(engine.ExtMaxOffset) && uint64(start) > ce.ext.MaxOffset {
			return nil
		}
		m, err = ce.re.FindNextMatch(m)
	}
	return err
}

// allowed applies the extended constraints to a match spanning [start, end).
func (ce *compiledExpr) allowed(start, end int) bool {
	ext := &ce.ext
	if ext.Has(engine.ExtMinOffset) && uint64(end) < ext.MinOffset {
		return false
	}
	if ext.Has(engine.ExtMaxOffset) && uint64(end) > ext.MaxOffset {
		return false
	}
	if ext.Has(engine.ExtMinLength) && uint64(end-start) < ext.MinLength {
		return false
	}
	return true
}
