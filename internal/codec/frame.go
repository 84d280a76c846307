package codec

import (
	"errors"
	"fmt"

	"versionbridge/internal/buffer"
	"versionbridge/internal/pipeline"
)

// MaxFrameSize bounds a single frame; the length prefix is at most 3 bytes.
const MaxFrameSize = 1<<21 - 1

var (
	ErrFrameTooLarge = errors.New("codec: frame too large")
	ErrEmptyFrame    = errors.New("codec: empty frame")
)

// FrameDecoder splits the inbound byte stream into length-prefixed frames.
// It keeps per-channel state and must not be shared between channels.
type FrameDecoder struct {
	cum []byte
}

// HandleRead implements pipeline.InboundHandler.
func (d *FrameDecoder) HandleRead(ctx *pipeline.Context, in *buffer.Buffer, out *pipeline.Output) error {
	d.cum = append(d.cum, in.Bytes()...)
	off := 0
	for off < len(d.cum) {
		l, n, err := ReadVarInt(d.cum[off:])
		if errors.Is(err, ErrShortBuffer) {
			if len(d.cum)-off >= 3 {
				return ErrFrameTooLarge
			}
			break
		}
		if err != nil {
			return err
		}
		if n > 3 || l > MaxFrameSize || l < 0 {
			return fmt.Errorf("%w: %d", ErrFrameTooLarge, l)
		}
		if l == 0 {
			return ErrEmptyFrame
		}
		end := off + n + int(l)
		if end > len(d.cum) {
			break
		}
		out.Add(ctx.Alloc().Copy(d.cum[off+n : end]))
		off = end
	}
	d.cum = append(d.cum[:0], d.cum[off:]...)
	return nil
}

// FramePrepender prefixes outbound frames with their varint length.
type FramePrepender struct{}

// HandleWrite implements pipeline.OutboundHandler.
func (FramePrepender) HandleWrite(ctx *pipeline.Context, in *buffer.Buffer, out *pipeline.Output, p *pipeline.Promise) error {
	if in.Len() > MaxFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, in.Len())
	}
	b := ctx.Alloc().Get()
	var prefix [3]byte
	b.Write(AppendVarInt(prefix[:0], int32(in.Len())))
	b.Write(in.Bytes())
	out.Add(b)
	return nil
}

// PacketDecoder is the inbound anchor. It checks that each frame starts with
// a packet id and forwards it unchanged.
type PacketDecoder struct{}

// HandleRead implements pipeline.InboundHandler.
func (PacketDecoder) HandleRead(ctx *pipeline.Context, in *buffer.Buffer, out *pipeline.Output) error {
	if _, _, err := ReadVarInt(in.Bytes()); err != nil {
		return fmt.Errorf("packet id: %w", err)
	}
	out.Add(in.Retain())
	return nil
}

// PacketEncoder is the outbound anchor.
type PacketEncoder struct{}

// HandleWrite implements pipeline.OutboundHandler.
func (PacketEncoder) HandleWrite(ctx *pipeline.Context, in *buffer.Buffer, out *pipeline.Output, p *pipeline.Promise) error {
	if _, _, err := ReadVarInt(in.Bytes()); err != nil {
		return fmt.Errorf("packet id: %w", err)
	}
	out.Add(in.Retain())
	return nil
}
