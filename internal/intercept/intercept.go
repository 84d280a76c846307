// Package intercept implements the two stages that hand every frame of an
// injected channel to the transformation engine.
//
// The decoder sits right before the inbound packet anchor and the encoder
// right before the outbound one. Both consult the session to decide whether
// a frame is admitted and whether it needs rewriting. Rewriting always
// happens on a private copy so the original frame is never mutated.
//
// When the host enables compression after injection, its stages land
// behind the interceptors and the interceptors start seeing compressed
// bytes. The first interceptor to notice moves both of them behind the
// compression stages and repairs the frame it is holding.
package intercept

import (
	"errors"
	"fmt"
	"sync"

	"versionbridge/internal/buffer"
	"versionbridge/internal/codec"
	"versionbridge/internal/pipeline"
)

// Stage names.
const (
	DecoderName = "via-decoder"
	EncoderName = "via-encoder"
)

var errCompressionStage = errors.New("intercept: compression stage does not expose its codec")

// Side tells which interceptor triggered a correction.
type Side string

const (
	SideInbound  Side = "inbound"
	SideOutbound Side = "outbound"
)

// compressionFix moves the interceptors behind the compression stages once
// per connection. It is shared by the decoder and encoder of one channel.
type compressionFix struct {
	mu   sync.Mutex
	done bool
}

// apply checks the stage order and, when the interceptor holding buf runs
// on the compressed side, decompresses buf in place and reorders the chain.
// It reports whether buf must be recompressed after transformation.
func (f *compressionFix) apply(ctx *pipeline.Context, buf *buffer.Buffer, side Side) (bool, error) {
	p := ctx.Pipeline()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		if !ctx.Removed() {
			return false, nil
		}
		// frame entered before the reorder and is still compressed here
		return true, decompressInto(p, buf)
	}

	dec := p.Index(codec.DecompressName)
	enc := p.Index(codec.CompressName)
	if dec < 0 || enc < 0 {
		// compression not enabled yet; it may be later
		return false, nil
	}
	if dec < p.Index(DecoderName) && enc < p.Index(EncoderName) {
		f.done = true
		return false, nil
	}

	if err := decompressInto(p, buf); err != nil {
		return false, err
	}
	if err := reorder(p); err != nil {
		return false, err
	}
	f.done = true
	p.Channel().Logger().Debug().Str("side", string(side)).Strs("stages", p.Names()).Msg("moved interceptors behind compression")
	return true, nil
}

// Done reports whether the correction has been settled.
func (f *compressionFix) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func reorder(p *pipeline.Pipeline) error {
	decoder, ok := p.Get(DecoderName)
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrStageNotFound, DecoderName)
	}
	encoder, ok := p.Get(EncoderName)
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrStageNotFound, EncoderName)
	}
	p.Remove(DecoderName)
	p.Remove(EncoderName)
	if err := p.AddAfter(codec.DecompressName, DecoderName, decoder); err != nil {
		return err
	}
	return p.AddAfter(codec.CompressName, EncoderName, encoder)
}

// decompressInto replaces buf with its decompressed form.
func decompressInto(p *pipeline.Pipeline, buf *buffer.Buffer) error {
	d, err := decompressor(p)
	if err != nil {
		return err
	}
	plain := p.Channel().Alloc().Get()
	defer plain.Release()
	if err := d.Decompress(buf.Bytes(), plain); err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	buf.Set(plain.Bytes())
	return nil
}

func decompressor(p *pipeline.Pipeline) (codec.Decompressor, error) {
	st, _ := p.Get(codec.DecompressName)
	d, ok := st.(codec.Decompressor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errCompressionStage, codec.DecompressName)
	}
	return d, nil
}

func compressor(p *pipeline.Pipeline) (codec.Compressor, error) {
	st, _ := p.Get(codec.CompressName)
	c, ok := st.(codec.Compressor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errCompressionStage, codec.CompressName)
	}
	return c, nil
}

// recompressInto replaces buf with its compressed form.
func recompressInto(p *pipeline.Pipeline, buf *buffer.Buffer) error {
	c, err := compressor(p)
	if err != nil {
		return err
	}
	packed := p.Channel().Alloc().Get()
	defer packed.Release()
	if err := c.Compress(buf.Bytes(), packed); err != nil {
		return fmt.Errorf("recompress: %w", err)
	}
	buf.Set(packed.Bytes())
	return nil
}
