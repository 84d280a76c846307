package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolTracksOutstanding(t *testing.T) {
	p := NewPool(16)
	a := p.Get()
	b := p.Copy([]byte("frame"))
	require.Equal(t, int64(2), p.Outstanding())
	assert.Equal(t, []byte("frame"), b.Bytes())

	a.Release()
	require.Equal(t, int64(1), p.Outstanding())

	b.Retain()
	assert.False(t, b.Release())
	assert.True(t, b.Release())
	assert.Equal(t, int64(0), p.Outstanding())
}

func TestReleaseTwicePanics(t *testing.T) {
	p := NewPool(16)
	b := p.Get()
	b.Release()
	assert.Panics(t, func() { b.Release() })
}

func TestSetReplacesContents(t *testing.T) {
	p := NewPool(4)
	b := p.Copy([]byte("abcdef"))
	defer b.Release()
	b.Set([]byte("xy"))
	assert.Equal(t, []byte("xy"), b.Bytes())
	b.Reset()
	assert.Equal(t, 0, b.Len())
}

func TestReleaseAll(t *testing.T) {
	p := NewPool(4)
	bufs := []*Buffer{p.Get(), p.Get(), p.Get()}
	bufs = ReleaseAll(bufs)
	assert.Empty(t, bufs)
	assert.Equal(t, int64(0), p.Outstanding())
}
