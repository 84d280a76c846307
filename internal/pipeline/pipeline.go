// Package pipeline implements the per-transport stage chain.
//
// Stages are kept in an ordered list of uniquely named entries. Inbound
// stages run head to tail, outbound stages run tail to head. A frame runs
// against the snapshot of the chain taken when it entered, so reordering
// the chain while a frame is in flight only affects later frames.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"versionbridge/internal/buffer"
)

var (
	ErrDuplicateName = errors.New("pipeline: duplicate stage name")
	ErrStageNotFound = errors.New("pipeline: stage not found")
	ErrNoOutput      = errors.New("pipeline: outbound stage produced no output")
	ErrClosed        = errors.New("pipeline: channel closed")
)

// Stage is any value implementing InboundHandler, OutboundHandler or both.
type Stage interface{}

// InboundHandler processes frames travelling from the transport towards the
// application. The runner releases in after HandleRead returns; a stage that
// forwards in unchanged must Retain it first.
type InboundHandler interface {
	HandleRead(ctx *Context, in *buffer.Buffer, out *Output) error
}

// OutboundHandler processes frames travelling towards the transport. The
// ownership rules match InboundHandler. A stage that drops a frame on purpose
// completes p itself; otherwise an empty output fails the write.
type OutboundHandler interface {
	HandleWrite(ctx *Context, in *buffer.Buffer, out *Output, p *Promise) error
}

// Output collects the buffers a stage forwards to the next stage.
type Output struct {
	bufs []*buffer.Buffer
}

// Add transfers ownership of b to the next stage.
func (o *Output) Add(b *buffer.Buffer) {
	o.bufs = append(o.bufs, b)
}

// Len returns the number of collected buffers.
func (o *Output) Len() int {
	return len(o.bufs)
}

func (o *Output) release() {
	o.bufs = buffer.ReleaseAll(o.bufs)
}

type entry struct {
	name  string
	stage Stage
	ctx   *Context
}

// Pipeline is the ordered stage chain of one Channel.
type Pipeline struct {
	mu      sync.RWMutex
	entries []*entry
	channel *Channel
}

func newPipeline(ch *Channel) *Pipeline {
	return &Pipeline{channel: ch}
}

// Channel returns the owning channel.
func (p *Pipeline) Channel() *Channel {
	return p.channel
}

// AddFirst inserts stage at the head.
func (p *Pipeline) AddFirst(name string, stage Stage) error {
	return p.insert(name, stage, func() (int, error) { return 0, nil })
}

// AddLast appends stage at the tail.
func (p *Pipeline) AddLast(name string, stage Stage) error {
	return p.insert(name, stage, func() (int, error) { return len(p.entries), nil })
}

// AddBefore inserts stage immediately before anchor.
func (p *Pipeline) AddBefore(anchor, name string, stage Stage) error {
	return p.insert(name, stage, func() (int, error) { return p.indexLocked(anchor) })
}

// AddAfter inserts stage immediately after anchor.
func (p *Pipeline) AddAfter(anchor, name string, stage Stage) error {
	return p.insert(name, stage, func() (int, error) {
		i, err := p.indexLocked(anchor)
		return i + 1, err
	})
}

func (p *Pipeline) insert(name string, stage Stage, at func() (int, error)) error {
	if stage == nil {
		return fmt.Errorf("pipeline: nil stage %q", name)
	}
	_, in := stage.(InboundHandler)
	_, out := stage.(OutboundHandler)
	if !in && !out {
		return fmt.Errorf("pipeline: stage %q handles neither direction", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.indexLocked(name); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	i, err := at()
	if err != nil {
		return err
	}

	e := &entry{name: name, stage: stage}
	e.ctx = &Context{name: name, pipeline: p}
	p.entries = append(p.entries, nil)
	copy(p.entries[i+1:], p.entries[i:])
	p.entries[i] = e
	return nil
}

// Remove detaches the named stage and returns it.
func (p *Pipeline) Remove(name string) (Stage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexLocked(name)
	if err != nil {
		return nil, err
	}
	e := p.entries[i]
	p.entries = append(p.entries[:i], p.entries[i+1:]...)
	e.ctx.removed.Store(true)
	return e.stage, nil
}

// Get returns the named stage.
func (p *Pipeline) Get(name string) (Stage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i, err := p.indexLocked(name)
	if err != nil {
		return nil, false
	}
	return p.entries[i].stage, true
}

// Context returns the context of the named stage.
func (p *Pipeline) Context(name string) (*Context, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i, err := p.indexLocked(name)
	if err != nil {
		return nil, false
	}
	return p.entries[i].ctx, true
}

// Index returns the head-to-tail position of name, or -1.
func (p *Pipeline) Index(name string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i, err := p.indexLocked(name)
	if err != nil {
		return -1
	}
	return i
}

// Names lists stage names head to tail.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.entries))
	for i, e := range p.entries {
		names[i] = e.name
	}
	return names
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *Pipeline) indexLocked(name string) (int, error) {
	for i, e := range p.entries {
		if e.name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrStageNotFound, name)
}

func (p *Pipeline) snapshot() []*entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*entry, len(p.entries))
	copy(out, p.entries)
	return out
}

// fireRead runs in through the inbound stages. Buffers left over at the
// tail are released.
func (p *Pipeline) fireRead(in *buffer.Buffer) error {
	return p.readFrom(p.snapshot(), 0, in)
}

// readFrom runs in through entries[i:]. When a stage splits a frame, the
// first part keeps the current snapshot and every later part continues on
// the chain as it stands when that part resumes, so a stage reacting to one
// frame can reshape the path of the frames behind it.
func (p *Pipeline) readFrom(entries []*entry, i int, in *buffer.Buffer) error {
	for ; i < len(entries); i++ {
		e := entries[i]
		h, ok := e.stage.(InboundHandler)
		if !ok {
			continue
		}
		var out Output
		err := h.HandleRead(e.ctx, in, &out)
		in.Release()
		if err != nil {
			out.release()
			return fmt.Errorf("stage %s: %w", e.name, err)
		}
		switch len(out.bufs) {
		case 0:
			return nil
		case 1:
			in = out.bufs[0]
			continue
		}
		for j, b := range out.bufs {
			rest, k := entries, i+1
			if j > 0 {
				rest, k = p.resume(e, entries, i)
			}
			if err := p.readFrom(rest, k, b); err != nil {
				buffer.ReleaseAll(out.bufs[j+1:])
				return err
			}
		}
		return nil
	}
	in.Release()
	return nil
}

// resume returns a fresh snapshot positioned after e, or the old snapshot
// when e has been removed meanwhile.
func (p *Pipeline) resume(e *entry, old []*entry, i int) ([]*entry, int) {
	live := p.snapshot()
	for k, x := range live {
		if x == e {
			return live, k + 1
		}
	}
	return old, i + 1
}

// fireWrite runs in through the outbound stages and returns the buffers
// that reached the head. The caller owns the returned buffers.
func (p *Pipeline) fireWrite(in *buffer.Buffer, promise *Promise) ([]*buffer.Buffer, error) {
	entries := p.snapshot()
	msgs := []*buffer.Buffer{in}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		h, ok := e.stage.(OutboundHandler)
		if !ok {
			continue
		}
		var next Output
		for j, m := range msgs {
			err := h.HandleWrite(e.ctx, m, &next, promise)
			m.Release()
			if err != nil {
				buffer.ReleaseAll(msgs[j+1:])
				next.release()
				return nil, fmt.Errorf("stage %s: %w", e.name, err)
			}
		}
		msgs = next.bufs
		if len(msgs) == 0 {
			if promise.IsDone() {
				return nil, nil
			}
			return nil, fmt.Errorf("stage %s: %w", e.name, ErrNoOutput)
		}
	}
	return msgs, nil
}
