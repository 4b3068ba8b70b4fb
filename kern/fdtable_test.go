package kern

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countCloser struct {
	err error
	n   atomic.Int32
}

func (c *countCloser) Close() error {
	c.n.Add(1)
	return c.err
}

func TestFileTable_Install(t *testing.T) {
	t.Parallel()
	ft := NewFileTable()
	assert.Equal(t, 0, ft.Install("a"))
	assert.Equal(t, 1, ft.Install("b"))
	assert.Equal(t, 2, ft.Install("c"))
	require.NoError(t, ft.Close(1))
	assert.Equal(t, 1, ft.Install("d"))
	assert.Equal(t, []int{0, 1, 2}, ft.Descriptors())

	v, err := ft.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "d", v)

	_, err = ft.Get(7)
	assert.ErrorIs(t, err, ErrBadFD)
	assert.ErrorIs(t, ft.Close(7), ErrBadFD)
}

func TestFileTable_copy(t *testing.T) {
	t.Parallel()
	ft := NewFileTable()
	c := &countCloser{}
	fd := ft.Install(c)

	dup := ft.copy()
	assert.Equal(t, []int{fd}, dup.Descriptors())
	assert.Equal(t, int32(1), dup.RefCount())

	require.NoError(t, ft.Close(fd))
	assert.Zero(t, c.n.Load())
	require.NoError(t, dup.Close(fd))
	assert.Equal(t, int32(1), c.n.Load())
}

func TestFileTable_share(t *testing.T) {
	t.Parallel()
	ft := NewFileTable()
	c := &countCloser{err: errors.New("close failed")}
	ft.Install(c)
	ft.Install("not a closer")

	assert.Same(t, ft, ft.share())
	assert.Equal(t, int32(2), ft.RefCount())
	require.NoError(t, ft.release())
	assert.Zero(t, c.n.Load())
	assert.Equal(t, 2, ft.Len())

	assert.EqualError(t, ft.release(), "close failed")
	assert.Equal(t, int32(1), c.n.Load())
	assert.Zero(t, ft.Len())
}
