package scratch

import (
	"errors"
	"sync"
	"testing"

	"github.com/praetorian-inc/echidna/pkg/engine"
	"github.com/praetorian-inc/echidna/pkg/engine/portable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T) (*Pool, engine.Engine, engine.Database) {
	t.Helper()

	e := portable.New()
	db, err := e.Compile(&engine.Batch{
		Expressions: []string{"foo"},
		Flags:       []engine.Flag{0},
		IDs:         []uint32{1},
		Exts:        []*engine.Ext{nil},
		Mode:        engine.ModeBlock,
	})
	require.NoError(t, err)

	p, err := New(e, db)
	require.NoError(t, err)
	return p, e, db
}

func TestPool_Exclusive(t *testing.T) {
	p, _, _ := newPool(t)

	assert.NotNil(t, p.Exclusive())
	assert.Same(t, p.Exclusive(), p.Exclusive())
	assert.Equal(t, Stats{}, p.Stats())
}

func TestPool_AcquireRelease(t *testing.T) {
	p, _, _ := newPool(t)

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.NotSame(t, p.Exclusive(), a)
	assert.Equal(t, Stats{Clones: 2, InUse: 2}, p.Stats())

	p.Release(a)
	assert.Equal(t, Stats{Clones: 2, InUse: 1}, p.Stats())

	// A released clone is reused rather than cloning again.
	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Same(t, a, c)
	assert.Equal(t, Stats{Clones: 2, InUse: 2}, p.Stats())
}

func TestPool_ReleaseIgnoresForeignAndRepeated(t *testing.T) {
	p, e, db := newPool(t)

	other, err := e.AllocScratch(db)
	require.NoError(t, err)

	s, err := p.Acquire()
	require.NoError(t, err)

	p.Release(other)
	p.Release(p.Exclusive())
	p.Release(nil)
	assert.Equal(t, Stats{Clones: 1, InUse: 1}, p.Stats())

	p.Release(s)
	p.Release(s)
	assert.Equal(t, Stats{Clones: 1, InUse: 0}, p.Stats())

	// The double release must not put s on the free list twice.
	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestPool_ConcurrentAcquire(t *testing.T) {
	p, e, db := newPool(t)

	const (
		workers = 8
		rounds  = 1000
	)

	var (
		held sync.Map
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				s, err := p.Acquire()
				if !assert.NoError(t, err) {
					return
				}
				if _, dup := held.LoadOrStore(s, struct{}{}); dup {
					t.Errorf("scratch handed to two callers")
				}

				err = e.Scan(db, s, []byte("xxfooyy"), func(uint32, uint64, uint64, uint32, any) int { return 0 }, nil)
				assert.NoError(t, err)

				held.Delete(s)
				p.Release(s)
			}
		}()
	}
	wg.Wait()

	st := p.Stats()
	assert.Equal(t, 0, st.InUse)
	assert.LessOrEqual(t, st.Clones, workers)
	assert.GreaterOrEqual(t, st.Clones, 1)
}

func TestPool_Close(t *testing.T) {
	p, _, _ := newPool(t)

	idle, err := p.Acquire()
	require.NoError(t, err)
	busy, err := p.Acquire()
	require.NoError(t, err)
	p.Release(idle)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, Stats{Clones: 1, InUse: 1}, p.Stats())

	p.Release(busy)
	assert.Equal(t, Stats{}, p.Stats())
}

type failingEngine struct {
	engine.Engine
	allocErr, cloneErr error
}

func (f failingEngine) AllocScratch(db engine.Database) (engine.Scratch, error) {
	if f.allocErr != nil {
		return nil, f.allocErr
	}
	return f.Engine.AllocScratch(db)
}

func (f failingEngine) CloneScratch(s engine.Scratch) (engine.Scratch, error) {
	if f.cloneErr != nil {
		return nil, f.cloneErr
	}
	return f.Engine.CloneScratch(s)
}

func TestPool_EngineErrors(t *testing.T) {
	_, e, db := newPool(t)
	boom := errors.New("boom")

	_, err := New(failingEngine{Engine: e, allocErr: boom}, db)
	assert.ErrorIs(t, err, boom)

	p, err := New(failingEngine{Engine: e, cloneErr: boom}, db)
	require.NoError(t, err)
	_, err = p.Acquire()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Stats{}, p.Stats())
}

func TestPool_Clones(t *testing.T) {
	p, _, _ := newPool(t)
	assert.Equal(t, 0, p.Clones())

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 2, p.Clones())

	p.Release(a)
	p.Release(b)
	assert.Equal(t, 2, p.Clones(), "released clones stay owned")
	assert.Equal(t, p.Stats().Clones, p.Clones())
}
