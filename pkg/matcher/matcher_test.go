package matcher

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/praetorian-inc/echidna/pkg/dlog"
	"github.com/praetorian-inc/echidna/pkg/engine"
	"github.com/praetorian-inc/echidna/pkg/engine/portable"
	"github.com/praetorian-inc/echidna/pkg/idgen"
	"github.com/praetorian-inc/echidna/pkg/pattern"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hit struct {
	id       uint32
	from, to uint64
}

type recorder struct {
	mu   sync.Mutex
	hits []hit
}

func (r *recorder) callback(id uint32, from, to uint64, _, _ any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits = append(r.hits, hit{id, from, to})
	return 0
}

func (r *recorder) get() []hit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hit(nil), r.hits...)
}

func newMatcher(t *testing.T, opts ...Option) (*Matcher, *idgen.Registry, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	log, err := dlog.New(dlog.Config{Enabled: true, Writer: &buf})
	require.NoError(t, err)

	ids := idgen.New()
	opts = append([]Option{WithLogger(log), WithRegistry(ids)}, opts...)
	m := New(portable.New(), opts...)
	t.Cleanup(func() { m.Close() })
	return m, ids, &buf
}

func add(t *testing.T, m *Matcher, ids *idgen.Registry, expr string, opts ...pattern.Option) *pattern.Pattern {
	t.Helper()
	opts = append([]pattern.Option{pattern.WithLogger(dlog.Discard())}, opts...)
	p, err := pattern.New(ids, expr, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Add(p))
	return p
}

func TestMatch_SingleHit(t *testing.T) {
	m, ids, _ := newMatcher(t)
	rec := &recorder{}
	m.RegisterCallback(rec.callback)

	add(t, m, ids, "foo", pattern.WithID(1))
	m.Match([]byte("xxfooyy"), nil)

	assert.Equal(t, []hit{{1, 0, 5}}, rec.get())
}

func TestMatch_EmptySetLogsOnce(t *testing.T) {
	m, _, buf := newMatcher(t)
	calls := 0
	m.RegisterCallback(func(uint32, uint64, uint64, any, any) int {
		calls++
		return 0
	})

	m.Match([]byte("anything"), nil)

	assert.Equal(t, 0, calls)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "<Notice>: match called with no patterns")
	assert.Equal(t, uint64(0), m.Compiles())
}

func TestMatch_EarlyTermination(t *testing.T) {
	m, ids, _ := newMatcher(t)
	calls := 0
	m.RegisterCallback(func(uint32, uint64, uint64, any, any) int {
		calls++
		return 1
	})

	add(t, m, ids, "a")
	add(t, m, ids, "b")
	m.Match([]byte("ab"), nil)

	assert.Equal(t, 1, calls)
}

func TestMatch_PassesContexts(t *testing.T) {
	m, ids, _ := newMatcher(t)

	var gotScan, gotPattern any
	m.RegisterCallback(func(_ uint32, _, _ uint64, scanCtx, patternCtx any) int {
		gotScan, gotPattern = scanCtx, patternCtx
		return 0
	})

	add(t, m, ids, "foo", pattern.WithContext("aws"))
	m.SafeMatch([]byte("foo"), "blob-1")

	assert.Equal(t, "blob-1", gotScan)
	assert.Equal(t, "aws", gotPattern)
}

func TestDefaultCallbackLogsEndOffset(t *testing.T) {
	m, ids, buf := newMatcher(t)
	m.RegisterCallback(func(uint32, uint64, uint64, any, any) int { return 1 })
	m.RegisterCallback(nil)

	p := add(t, m, ids, "foo")
	m.Match([]byte("xxfooyy"), nil)

	assert.Contains(t, buf.String(), "<Info>: match")
	assert.Contains(t, buf.String(), "to=5")
	assert.Contains(t, buf.String(), "id="+strconv.FormatUint(uint64(p.ID()), 10))
}

func TestAutoIDSentinel(t *testing.T) {
	m, ids, _ := newMatcher(t)
	rec := &recorder{}
	m.RegisterCallback(rec.callback)

	p := add(t, m, ids, "foo", pattern.WithID(idgen.AutoID))
	assert.NotEqual(t, idgen.AutoID, p.ID())

	m.Match([]byte("foo"), nil)
	assert.Equal(t, []hit{{p.ID(), 0, 3}}, rec.get())
}

func TestAddExpression(t *testing.T) {
	m, ids, _ := newMatcher(t)

	p, err := m.AddExpression("secret", pattern.WithFlags(engine.Caseless))
	require.NoError(t, err)
	assert.True(t, ids.Contains(p.ID()))
	assert.Equal(t, engine.Caseless, p.Flags())

	got, ok := m.Find(p.ID())
	require.True(t, ok)
	assert.Same(t, p, got)

	_, err = m.AddExpression("other", pattern.WithID(p.ID()))
	assert.ErrorIs(t, err, pattern.ErrDuplicateID)
	assert.Equal(t, 1, m.Len())
}

func TestAdd_SamePatternTwice(t *testing.T) {
	m, ids, _ := newMatcher(t)
	p := add(t, m, ids, "foo")

	assert.ErrorIs(t, m.Add(p), ErrPatternExists)
	assert.Equal(t, 1, m.Len())
}

func TestPatternSetMutations(t *testing.T) {
	m, ids, _ := newMatcher(t)

	var kept []*pattern.Pattern
	var removed []uint32
	for i := 0; i < 20; i++ {
		p := add(t, m, ids, "p"+strconv.Itoa(i))
		if i%3 == 0 {
			removed = append(removed, p.ID())
		} else {
			kept = append(kept, p)
		}
	}
	for _, id := range removed {
		assert.True(t, m.Remove(id))
		assert.False(t, m.Remove(id))
	}

	assert.Equal(t, kept, m.Patterns())
	for _, p := range kept {
		got, ok := m.Find(p.ID())
		require.True(t, ok)
		assert.Same(t, p, got)
	}
	for _, id := range removed {
		_, ok := m.Find(id)
		assert.False(t, ok)
	}
}

func TestLazyCompile(t *testing.T) {
	m, ids, _ := newMatcher(t)
	m.RegisterCallback(func(uint32, uint64, uint64, any, any) int { return 0 })
	data := []byte("foo bar")

	a := add(t, m, ids, "foo")
	m.Match(data, nil)
	assert.Equal(t, uint64(1), m.Compiles())

	m.Match(data, nil)
	m.SafeMatch(data, nil)
	assert.Equal(t, uint64(1), m.Compiles(), "no mutation, no recompile")

	add(t, m, ids, "bar")
	m.Match(data, nil)
	m.Match(data, nil)
	assert.Equal(t, uint64(2), m.Compiles())

	m.Remove(a.ID())
	m.SafeMatch(data, nil)
	m.SafeMatch(data, nil)
	assert.Equal(t, uint64(3), m.Compiles())

	m.SetScanMode(Vector)
	m.Match(data, nil)
	assert.Equal(t, uint64(3), m.Compiles(), "mode changes wait for the next compile")

	require.NoError(t, m.Compile())
	assert.Equal(t, uint64(4), m.Compiles())
	assert.Equal(t, engine.ModeVectored, m.db.Mode())
}

func TestPatternMutationTriggersRecompile(t *testing.T) {
	m, ids, _ := newMatcher(t)
	rec := &recorder{}
	m.RegisterCallback(rec.callback)

	p := add(t, m, ids, "foo")
	m.Match([]byte("FOO"), nil)
	assert.Empty(t, rec.get())

	p.AddFlag(engine.Caseless)
	m.Match([]byte("FOO"), nil)
	assert.Equal(t, []hit{{p.ID(), 0, 3}}, rec.get())
	assert.Equal(t, uint64(2), m.Compiles())

	m.Match([]byte("FOO"), nil)
	assert.Equal(t, uint64(2), m.Compiles())
}

func TestCompile_Empty(t *testing.T) {
	m, _, _ := newMatcher(t)
	assert.ErrorIs(t, m.Compile(), ErrNoPatterns)
}

func TestCompile_FailureIsRecoverable(t *testing.T) {
	m, ids, buf := newMatcher(t)
	rec := &recorder{}
	m.RegisterCallback(rec.callback)

	good := add(t, m, ids, "foo")
	bad := add(t, m, ids, "[invalid(")

	err := m.Compile()
	var ce *engine.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, engine.CodeCompilerError, ce.Code)
	assert.Contains(t, buf.String(), "<Error>: pattern compilation failed")
	assert.Contains(t, buf.String(), "code=-4")

	m.Match([]byte("foo"), nil)
	assert.Empty(t, rec.get())
	assert.Nil(t, m.db)
	assert.Equal(t, uint64(0), m.Compiles())

	m.Remove(bad.ID())
	m.Match([]byte("foo"), nil)
	assert.Equal(t, []hit{{good.ID(), 0, 3}}, rec.get())
}

func TestClearReleasesResources(t *testing.T) {
	m, ids, _ := newMatcher(t)
	m.RegisterCallback(func(uint32, uint64, uint64, any, any) int { return 0 })

	add(t, m, ids, "foo")
	m.Match([]byte("foo"), nil)
	require.NotNil(t, m.db)
	require.NotNil(t, m.pool)

	m.Clear()
	assert.Nil(t, m.db)
	assert.Nil(t, m.pool)
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.Patterns())
}

func TestScanModeAndHorizon(t *testing.T) {
	m, ids, _ := newMatcher(t)
	rec := &recorder{}
	m.RegisterCallback(rec.callback)
	assert.Equal(t, engine.ModeBlock, m.Mode())

	m.SetScanMode(Stream)
	assert.Equal(t, engine.ModeStream, m.Mode())

	p := add(t, m, ids, "foo", pattern.WithFlags(engine.SomLeftMost))
	assert.Error(t, m.Compile(), "leftmost in stream mode needs a horizon")

	m.SetMatchHorizon(HorizonSmall)
	m.SetMatchHorizon(HorizonLarge)
	assert.Equal(t, engine.ModeStream|engine.ModeSomHorizonLarge, m.Mode())

	m.Match([]byte("xxfooyy"), nil)
	assert.Equal(t, []hit{{p.ID(), 2, 5}}, rec.get())

	m.SetMatchHorizon(HorizonNone)
	m.SetScanMode(Block)
	assert.Equal(t, engine.ModeBlock, m.Mode())
}

func TestSafeMatch_Concurrent(t *testing.T) {
	m, ids, _ := newMatcher(t)

	var hits atomic.Int64
	m.RegisterCallback(func(uint32, uint64, uint64, any, any) int {
		hits.Add(1)
		return 0
	})
	add(t, m, ids, "foo")
	require.NoError(t, m.Compile())

	const (
		workers = 8
		rounds  = 1000
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				m.SafeMatch([]byte("xxfooyy"), nil)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(workers*rounds), hits.Load())
	assert.Equal(t, uint64(1), m.Compiles())

	st := m.pool.Stats()
	assert.Equal(t, 0, st.InUse)
	assert.LessOrEqual(t, st.Clones, workers)
}

func TestSafeMatch_ConcurrentWithMutation(t *testing.T) {
	m, ids, _ := newMatcher(t)
	m.RegisterCallback(func(uint32, uint64, uint64, any, any) int { return 0 })
	add(t, m, ids, "foo")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.SafeMatch([]byte("foo bar baz"), nil)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		p := add(t, m, ids, "ba"+strconv.Itoa(i))
		m.Remove(p.ID())
	}
	wg.Wait()

	assert.Equal(t, 1, m.Len())
}

// rogueEngine reports an event for an ID that was never compiled.
type rogueEngine struct {
	*portable.Engine
}

func (r rogueEngine) Scan(db engine.Database, s engine.Scratch, data []byte, h engine.MatchHandler, ctx any) error {
	h(idgen.AutoID-1, 0, 1, 0, ctx)
	return r.Engine.Scan(db, s, data, h, ctx)
}

func TestDispatch_UnknownID(t *testing.T) {
	var buf bytes.Buffer
	log, err := dlog.New(dlog.Config{Enabled: true, Writer: &buf})
	require.NoError(t, err)

	metrics := NewMetrics(prometheus.NewRegistry())
	ids := idgen.New()
	rec := &recorder{}
	m := New(rogueEngine{portable.New()}, WithLogger(log), WithRegistry(ids), WithMetrics(metrics), WithCallback(rec.callback))
	defer m.Close()

	p := add(t, m, ids, "foo")
	m.Match([]byte("foo"), nil)

	assert.Equal(t, []hit{{p.ID(), 0, 3}}, rec.get(), "unknown event dropped, scanning continued")
	assert.Contains(t, buf.String(), "<Warning>: match reported for unknown pattern")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.unknownIDs))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.matches))
}

func TestMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	m, ids, _ := newMatcher(t, WithMetrics(metrics))
	m.RegisterCallback(func(uint32, uint64, uint64, any, any) int { return 1 })

	add(t, m, ids, "a")
	add(t, m, ids, "(")
	assert.Error(t, m.Compile())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.compiles.WithLabelValues("failure")))

	ps := m.Patterns()
	m.Remove(ps[1].ID())
	m.Match([]byte("aa"), nil)
	m.SafeMatch([]byte("b"), nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.compiles.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.scans.WithLabelValues("exclusive", "terminated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.scans.WithLabelValues("shared", "complete")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.poolClones))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	assert.NotPanics(t, func() {
		metrics.recordCompile(0, nil)
		metrics.recordScan("shared", "complete")
		metrics.recordMatch()
		metrics.recordUnknownID()
		metrics.setPoolClones(3)
	})
}

func TestSafeMatch_WithoutMetrics(t *testing.T) {
	m, ids, _ := newMatcher(t)
	rec := &recorder{}
	m.RegisterCallback(rec.callback)
	add(t, m, ids, "a")

	m.SafeMatch([]byte("a"), nil)
	m.SafeMatch([]byte("a"), nil)

	assert.Len(t, rec.get(), 2)
	assert.Equal(t, 1, m.pool.Clones())
	assert.Equal(t, 0, m.pool.Stats().InUse)
}
