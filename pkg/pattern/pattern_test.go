package pattern

import (
	"bytes"
	"testing"

	"github.com/praetorian-inc/echidna/pkg/dlog"
	"github.com/praetorian-inc/echidna/pkg/engine"
	"github.com/praetorian-inc/echidna/pkg/idgen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger(t *testing.T) (*dlog.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := dlog.New(dlog.Config{Enabled: true, Writer: &buf})
	require.NoError(t, err)
	return l, &buf
}

func TestNew_AllocatesID(t *testing.T) {
	ids := idgen.New()

	p, err := New(ids, "foo")
	require.NoError(t, err)

	assert.Equal(t, "foo", p.Expression())
	assert.NotEqual(t, idgen.AutoID, p.ID())
	assert.True(t, ids.Contains(p.ID()))
	assert.Equal(t, engine.Flag(0), p.Flags())
	assert.Nil(t, p.Ext())
	assert.Nil(t, p.Context())
}

func TestNew_AutoIDBehavesLikeNoID(t *testing.T) {
	ids := idgen.New()

	p, err := New(ids, "foo", WithID(idgen.AutoID))
	require.NoError(t, err)

	assert.NotEqual(t, idgen.AutoID, p.ID())
	assert.True(t, ids.Contains(p.ID()))
	assert.Equal(t, 1, ids.Len())
}

func TestNew_ExplicitID(t *testing.T) {
	ids := idgen.New()

	p, err := New(ids, "foo", WithID(42), WithFlags(engine.Caseless|engine.SomLeftMost))
	require.NoError(t, err)

	assert.Equal(t, uint32(42), p.ID())
	assert.Equal(t, engine.Caseless|engine.SomLeftMost, p.Flags())
	assert.True(t, ids.Contains(42))
}

func TestNew_DuplicateID(t *testing.T) {
	ids := idgen.New()
	log, buf := bufferLogger(t)

	_, err := New(ids, "foo", WithID(7), WithLogger(log))
	require.NoError(t, err)

	p, err := New(ids, "bar", WithID(7), WithLogger(log))
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Contains(t, err.Error(), "bar")
	assert.Contains(t, buf.String(), "<Error>: pattern id already in use")
	assert.Equal(t, 1, ids.Len())
}

func TestMustNew_PanicsOnDuplicate(t *testing.T) {
	ids := idgen.New()
	MustNew(ids, "foo", WithID(9), WithLogger(dlog.Discard()))

	assert.Panics(t, func() {
		MustNew(ids, "foo", WithID(9), WithLogger(dlog.Discard()))
	})
}

type labels map[string]string

func (l labels) Clone() any {
	c := make(labels, len(l))
	for k, v := range l {
		c[k] = v
	}
	return c
}

func TestNew_ContextIsCopied(t *testing.T) {
	orig := labels{"rule": "aws"}

	p, err := New(idgen.New(), "AKIA", WithContext(orig))
	require.NoError(t, err)
	orig["rule"] = "changed"

	got, ok := p.Context().(labels)
	require.True(t, ok)
	assert.Equal(t, "aws", got["rule"])
}

func TestNew_PlainContextStoredAsGiven(t *testing.T) {
	p, err := New(idgen.New(), "foo", WithContext("name"))
	require.NoError(t, err)
	assert.Equal(t, "name", p.Context())
}

func TestFlags(t *testing.T) {
	p := MustNew(idgen.New(), "foo")

	p.AddFlag(engine.Caseless)
	p.AddFlag(engine.DotAll)
	assert.Equal(t, engine.Caseless|engine.DotAll, p.Flags())

	p.RemoveFlag(engine.Caseless)
	assert.Equal(t, engine.DotAll, p.Flags())
}

func TestExtendedConstraints(t *testing.T) {
	p := MustNew(idgen.New(), "foo")

	p.SetMinOffset(4)
	ext := p.Ext()
	require.NotNil(t, ext)
	assert.Equal(t, engine.ExtMinOffset, ext.Flags)
	assert.Equal(t, uint64(4), ext.MinOffset)

	p.SetMaxOffset(100)
	p.SetMinLength(3)
	p.SetEditDistance(2)
	p.SetHammingDistance(1)

	ext = p.Ext()
	assert.Equal(t, engine.Ext{
		Flags:           engine.ExtMinOffset | engine.ExtMaxOffset | engine.ExtMinLength | engine.ExtEditDistance | engine.ExtHammingDistance,
		MinOffset:       4,
		MaxOffset:       100,
		MinLength:       3,
		EditDistance:    2,
		HammingDistance: 1,
	}, *ext)

	// Ext returns a copy.
	ext.MinOffset = 99
	assert.Equal(t, uint64(4), p.Ext().MinOffset)
}

func TestLargeDistanceWarns(t *testing.T) {
	log, buf := bufferLogger(t)
	p := MustNew(idgen.New(), "foo", WithLogger(log))

	p.SetEditDistance(DistanceWarnThreshold)
	assert.Empty(t, buf.String())

	p.SetEditDistance(DistanceWarnThreshold + 1)
	assert.Contains(t, buf.String(), "<Warning>: large edit distance")

	p.SetHammingDistance(5000)
	assert.Contains(t, buf.String(), "<Warning>: large hamming distance")

	assert.Equal(t, uint32(DistanceWarnThreshold+1), p.Ext().EditDistance)
	assert.Equal(t, uint32(5000), p.Ext().HammingDistance)
}

func TestRevision(t *testing.T) {
	p := MustNew(idgen.New(), "foo")
	assert.Equal(t, uint64(0), p.Revision())

	p.AddFlag(engine.Caseless)
	p.SetMinLength(2)
	p.RemoveFlag(engine.Caseless)
	assert.Equal(t, uint64(3), p.Revision())
}
