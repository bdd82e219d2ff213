package matcher

import (
	"github.com/praetorian-inc/echidna/pkg/dlog"
	"github.com/praetorian-inc/echidna/pkg/pattern"
)

// scanContext is handed to the engine for one scan and carries what dispatch
// needs to turn a match event into a callback.
type scanContext struct {
	callback MatchCb
	scanCtx  any
	index    map[uint32]*pattern.Pattern
	log      *dlog.Logger
	metrics  *Metrics
}

// dispatch is the engine.MatchHandler for every scan. Events for IDs outside
// the set are dropped with a warning and scanning continues.
func dispatch(id uint32, from, to uint64, _ uint32, ctx any) int {
	sc := ctx.(*scanContext)

	p, ok := sc.index[id]
	if !ok {
		sc.log.Warning("match reported for unknown pattern; check for concurrent mutation", "id", id, "from", from, "to", to)
		sc.metrics.recordUnknownID()
		return 0
	}

	sc.metrics.recordMatch()
	return sc.callback(id, from, to, sc.scanCtx, p.Context())
}
