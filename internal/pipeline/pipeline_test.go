package pipeline

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"versionbridge/internal/buffer"
)

// tagStage appends its tag to every frame in the directions it handles.
type tagStage struct {
	tag      byte
	inbound  bool
	outbound bool
}

func (s *tagStage) HandleRead(ctx *Context, in *buffer.Buffer, out *Output) error {
	b := ctx.Alloc().Copy(in.Bytes())
	b.WriteByte(s.tag)
	out.Add(b)
	return nil
}

func (s *tagStage) HandleWrite(ctx *Context, in *buffer.Buffer, out *Output, p *Promise) error {
	b := ctx.Alloc().Copy(in.Bytes())
	b.WriteByte(s.tag)
	out.Add(b)
	return nil
}

type sink struct {
	got [][]byte
}

func (s *sink) HandleRead(ctx *Context, in *buffer.Buffer, out *Output) error {
	s.got = append(s.got, append([]byte(nil), in.Bytes()...))
	return nil
}

type dropWrite struct{ ack bool }

func (s *dropWrite) HandleWrite(ctx *Context, in *buffer.Buffer, out *Output, p *Promise) error {
	if s.ack {
		p.Succeed()
	}
	return nil
}

type failRead struct{}

func (failRead) HandleRead(ctx *Context, in *buffer.Buffer, out *Output) error {
	out.Add(in.Retain())
	return errors.New("boom")
}

func newDetached(t *testing.T) (*Channel, *buffer.Pool) {
	t.Helper()
	pool := buffer.NewPool(64)
	return NewChannel(nil, pool), pool
}

func TestPipelineInsertOrder(t *testing.T) {
	ch, _ := newDetached(t)
	p := ch.Pipeline()

	require.NoError(t, p.AddLast("b", &tagStage{tag: 'b'}))
	require.NoError(t, p.AddFirst("a", &tagStage{tag: 'a'}))
	require.NoError(t, p.AddLast("d", &tagStage{tag: 'd'}))
	require.NoError(t, p.AddBefore("d", "c", &tagStage{tag: 'c'}))
	require.NoError(t, p.AddAfter("d", "e", &tagStage{tag: 'e'}))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, p.Names())
	assert.Equal(t, 2, p.Index("c"))
	assert.Equal(t, -1, p.Index("missing"))

	err := p.AddLast("c", &tagStage{})
	assert.ErrorIs(t, err, ErrDuplicateName)
	err = p.AddBefore("missing", "x", &tagStage{})
	assert.ErrorIs(t, err, ErrStageNotFound)

	st, err := p.Remove("c")
	require.NoError(t, err)
	assert.Equal(t, byte('c'), st.(*tagStage).tag)
	assert.Equal(t, []string{"a", "b", "d", "e"}, p.Names())
	_, err = p.Remove("c")
	assert.ErrorIs(t, err, ErrStageNotFound)
}

func TestPipelineRejectsNonHandler(t *testing.T) {
	ch, _ := newDetached(t)
	assert.Error(t, ch.Pipeline().AddLast("x", struct{}{}))
	assert.Error(t, ch.Pipeline().AddLast("x", nil))
}

func TestInboundRunsHeadToTail(t *testing.T) {
	ch, pool := newDetached(t)
	s := &sink{}
	require.NoError(t, ch.Pipeline().AddLast("a", &tagStage{tag: 'a'}))
	require.NoError(t, ch.Pipeline().AddLast("b", &tagStage{tag: 'b'}))
	require.NoError(t, ch.Pipeline().AddLast("sink", s))

	require.NoError(t, ch.FireRead(pool.Copy([]byte("x"))))
	require.Len(t, s.got, 1)
	assert.Equal(t, "xab", string(s.got[0]))
	assert.Equal(t, int64(0), pool.Outstanding())
}

func TestOutboundRunsTailToHead(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	pool := buffer.NewPool(64)
	ch := NewChannel(a, pool)
	require.NoError(t, ch.Pipeline().AddLast("a", &tagStage{tag: 'a'}))
	require.NoError(t, ch.Pipeline().AddLast("b", &tagStage{tag: 'b'}))

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := b.Read(buf)
		got <- buf[:n]
	}()

	p := ch.Write(pool.Copy([]byte("x")))
	<-p.Done()
	require.NoError(t, p.Err())
	assert.Equal(t, "xba", string(<-got))
	assert.Equal(t, int64(0), pool.Outstanding())
}

func TestOutboundEmptyOutputFailsUnlessAcknowledged(t *testing.T) {
	ch, pool := newDetached(t)
	require.NoError(t, ch.Pipeline().AddLast("drop", &dropWrite{}))
	ch.SetErrorHandler(func(*Channel, error) {})

	p := ch.Write(pool.Copy([]byte("x")))
	assert.ErrorIs(t, p.Err(), ErrNoOutput)

	ch2, pool2 := newDetached(t)
	require.NoError(t, ch2.Pipeline().AddLast("drop", &dropWrite{ack: true}))
	p = ch2.Write(pool2.Copy([]byte("x")))
	assert.True(t, p.IsDone())
	assert.NoError(t, p.Err())
	assert.True(t, ch2.Active())
	assert.Equal(t, int64(0), pool.Outstanding())
	assert.Equal(t, int64(0), pool2.Outstanding())
}

func TestStageErrorClosesChannelAndReleases(t *testing.T) {
	ch, pool := newDetached(t)
	require.NoError(t, ch.Pipeline().AddLast("fail", failRead{}))

	closed := false
	ch.OnClose(func(*Channel) { closed = true })
	err := ch.FireRead(pool.Copy([]byte("x")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage fail")
	assert.True(t, closed)
	assert.False(t, ch.Active())
	assert.Equal(t, int64(0), pool.Outstanding())

	assert.ErrorIs(t, ch.FireRead(pool.Copy([]byte("y"))), ErrClosed)
	assert.Equal(t, int64(0), pool.Outstanding())
}

// moveSelf removes itself and re-adds at the tail on the first frame.
type moveSelf struct{ moved bool }

func (s *moveSelf) HandleRead(ctx *Context, in *buffer.Buffer, out *Output) error {
	if !s.moved {
		s.moved = true
		p := ctx.Pipeline()
		st, err := p.Remove(ctx.Name())
		if err != nil {
			return err
		}
		if err := p.AddLast(ctx.Name(), st); err != nil {
			return err
		}
	}
	b := ctx.Alloc().Copy(in.Bytes())
	b.WriteByte('m')
	out.Add(b)
	return nil
}

func TestReorderAffectsOnlyLaterFrames(t *testing.T) {
	ch, pool := newDetached(t)
	s := &sink{}
	require.NoError(t, ch.Pipeline().AddLast("m", &moveSelf{}))
	require.NoError(t, ch.Pipeline().AddLast("a", &tagStage{tag: 'a'}))
	require.NoError(t, ch.Pipeline().AddLast("sink", s))

	require.NoError(t, ch.FireRead(pool.Copy([]byte("1"))))
	assert.Equal(t, []string{"a", "sink", "m"}, ch.Pipeline().Names())
	require.NoError(t, ch.FireRead(pool.Copy([]byte("2"))))

	require.Len(t, s.got, 2)
	assert.Equal(t, "1ma", string(s.got[0]))
	assert.Equal(t, "2a", string(s.got[1]))
	assert.Equal(t, int64(0), pool.Outstanding())
}

func TestCloseHooksMayCloseEachOther(t *testing.T) {
	a, _ := newDetached(t)
	b, _ := newDetached(t)
	a.OnClose(func(*Channel) { b.Close() })
	b.OnClose(func(*Channel) { a.Close() })

	require.NoError(t, a.Close())
	assert.False(t, a.Active())
	assert.False(t, b.Active())

	ran := false
	a.OnClose(func(*Channel) { ran = true })
	assert.True(t, ran)
}

// splitter emits every byte of a frame as its own frame.
type splitter struct{}

func (splitter) HandleRead(ctx *Context, in *buffer.Buffer, out *Output) error {
	for _, c := range in.Bytes() {
		out.Add(ctx.Alloc().Copy([]byte{c}))
	}
	return nil
}

// inserter adds a tagging stage before the sink when it sees trigger.
type inserter struct{ trigger byte }

func (s inserter) HandleRead(ctx *Context, in *buffer.Buffer, out *Output) error {
	if in.Bytes()[0] == s.trigger {
		if err := ctx.Pipeline().AddBefore("sink", "z", &tagStage{tag: 'z'}); err != nil {
			return err
		}
	}
	out.Add(in.Retain())
	return nil
}

func TestSplitFramesSeeChangesMadeByEarlierSiblings(t *testing.T) {
	ch, pool := newDetached(t)
	s := &sink{}
	p := ch.Pipeline()
	require.NoError(t, p.AddLast("split", splitter{}))
	require.NoError(t, p.AddLast("insert", inserter{trigger: 'c'}))
	require.NoError(t, p.AddLast("sink", s))

	require.NoError(t, ch.FireRead(pool.Copy([]byte("bcd"))))
	assert.Equal(t, []string{"split", "insert", "z", "sink"}, p.Names())
	require.Len(t, s.got, 3)
	assert.Equal(t, "b", string(s.got[0]))
	assert.Equal(t, "c", string(s.got[1]))
	assert.Equal(t, "dz", string(s.got[2]))
	assert.Equal(t, int64(0), pool.Outstanding())
}
