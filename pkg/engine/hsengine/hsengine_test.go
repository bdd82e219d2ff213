//go:build cgo && hyperscan

package hsengine

import (
	"testing"

	"github.com/praetorian-inc/echidna/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hit struct {
	id       uint32
	from, to uint64
}

func compile(t *testing.T, mode engine.Mode, exprs []string, flags engine.Flag) (*Engine, engine.Database) {
	t.Helper()

	e, err := New()
	require.NoError(t, err)

	b := &engine.Batch{Mode: mode}
	for i, expr := range exprs {
		b.Expressions = append(b.Expressions, expr)
		b.Flags = append(b.Flags, flags)
		b.IDs = append(b.IDs, uint32(i+1))
		b.Exts = append(b.Exts, nil)
	}
	db, err := e.Compile(b)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return e, db
}

func collect(t *testing.T, e *Engine, db engine.Database, data string) []hit {
	t.Helper()

	s, err := e.AllocScratch(db)
	require.NoError(t, err)
	defer s.Free()

	var hits []hit
	err = e.Scan(db, s, []byte(data), func(id uint32, from, to uint64, _ uint32, _ any) int {
		hits = append(hits, hit{id, from, to})
		return 0
	}, nil)
	require.NoError(t, err)
	return hits
}

func TestAvailable(t *testing.T) {
	assert.True(t, Available())
	assert.NotEmpty(t, Version())
}

func TestScan_Modes(t *testing.T) {
	for _, mode := range []engine.Mode{engine.ModeBlock, engine.ModeVectored, engine.ModeStream} {
		t.Run(mode.String(), func(t *testing.T) {
			e, db := compile(t, mode, []string{"foo"}, 0)
			assert.Equal(t, []hit{{1, 0, 5}}, collect(t, e, db, "xxfooyy"))
		})
	}
}

func TestScan_LeftMost(t *testing.T) {
	e, db := compile(t, engine.ModeBlock, []string{"foo"}, engine.SomLeftMost)
	assert.Equal(t, []hit{{1, 2, 5}}, collect(t, e, db, "xxfooyy"))
}

func TestScan_Terminated(t *testing.T) {
	e, db := compile(t, engine.ModeBlock, []string{"a", "b"}, 0)
	s, err := e.AllocScratch(db)
	require.NoError(t, err)
	defer s.Free()

	calls := 0
	err = e.Scan(db, s, []byte("ab"), func(uint32, uint64, uint64, uint32, any) int {
		calls++
		return 1
	}, nil)
	assert.ErrorIs(t, err, engine.ErrScanTerminated)
	assert.Equal(t, 1, calls)
}

func TestCloneScratch(t *testing.T) {
	e, db := compile(t, engine.ModeBlock, []string{"foo"}, 0)
	s, err := e.AllocScratch(db)
	require.NoError(t, err)
	defer s.Free()

	clone, err := e.CloneScratch(s)
	require.NoError(t, err)
	defer clone.Free()

	var n int
	require.NoError(t, e.Scan(db, clone, []byte("foo"), func(uint32, uint64, uint64, uint32, any) int {
		n++
		return 0
	}, nil))
	assert.Equal(t, 1, n)
}

func TestCompile_InvalidExpression(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	_, err = e.Compile(&engine.Batch{
		Expressions: []string{"[invalid("},
		Flags:       []engine.Flag{0},
		IDs:         []uint32{1},
		Exts:        []*engine.Ext{nil},
		Mode:        engine.ModeBlock,
	})
	var ce *engine.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, engine.CodeCompilerError, ce.Code)
}
