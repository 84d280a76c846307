package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"

	"versionbridge/internal/buffer"
	"versionbridge/internal/pipeline"
)

// MaxUncompressedSize bounds the declared size of a compressed packet.
const MaxUncompressedSize = 8 * 1024 * 1024

var ErrBadlyCompressed = errors.New("codec: badly compressed packet")

// Compressor turns a packet into its compressed wire form.
type Compressor interface {
	Compress(src []byte, dst *buffer.Buffer) error
}

// Decompressor reverses Compressor.
type Decompressor interface {
	Decompress(src []byte, dst *buffer.Buffer) error
}

// ZlibCompressor is the outbound compression stage. Packets of at least
// threshold bytes are deflated and prefixed with their uncompressed length;
// smaller packets get a zero prefix.
type ZlibCompressor struct {
	mu        sync.Mutex
	threshold int
	level     int
	zw        *zlib.Writer
}

// NewZlibCompressor creates a compressor with the given threshold.
func NewZlibCompressor(threshold, level int) *ZlibCompressor {
	if level < zlib.HuffmanOnly || level > zlib.BestCompression {
		level = zlib.DefaultCompression
	}
	return &ZlibCompressor{threshold: threshold, level: level}
}

// SetThreshold updates the threshold.
func (c *ZlibCompressor) SetThreshold(threshold int) {
	c.mu.Lock()
	c.threshold = threshold
	c.mu.Unlock()
}

// Threshold returns the current threshold.
func (c *ZlibCompressor) Threshold() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

// Compress implements Compressor.
func (c *ZlibCompressor) Compress(src []byte, dst *buffer.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prefix [maxVarIntLen]byte
	if len(src) < c.threshold {
		dst.Write(AppendVarInt(prefix[:0], 0))
		dst.Write(src)
		return nil
	}

	dst.Write(AppendVarInt(prefix[:0], int32(len(src))))
	if c.zw == nil {
		zw, err := zlib.NewWriterLevel(dst, c.level)
		if err != nil {
			return fmt.Errorf("zlib writer: %w", err)
		}
		c.zw = zw
	} else {
		c.zw.Reset(dst)
	}
	if _, err := c.zw.Write(src); err != nil {
		return fmt.Errorf("deflate: %w", err)
	}
	if err := c.zw.Close(); err != nil {
		return fmt.Errorf("deflate: %w", err)
	}
	return nil
}

// HandleWrite implements pipeline.OutboundHandler.
func (c *ZlibCompressor) HandleWrite(ctx *pipeline.Context, in *buffer.Buffer, out *pipeline.Output, p *pipeline.Promise) error {
	b := ctx.Alloc().Get()
	if err := c.Compress(in.Bytes(), b); err != nil {
		b.Release()
		return err
	}
	out.Add(b)
	return nil
}

// ZlibDecompressor is the inbound decompression stage.
type ZlibDecompressor struct {
	mu        sync.Mutex
	threshold int
}

// NewZlibDecompressor creates a decompressor with the given threshold.
func NewZlibDecompressor(threshold int) *ZlibDecompressor {
	return &ZlibDecompressor{threshold: threshold}
}

// SetThreshold updates the threshold.
func (d *ZlibDecompressor) SetThreshold(threshold int) {
	d.mu.Lock()
	d.threshold = threshold
	d.mu.Unlock()
}

// Decompress implements Decompressor.
func (d *ZlibDecompressor) Decompress(src []byte, dst *buffer.Buffer) error {
	d.mu.Lock()
	threshold := d.threshold
	d.mu.Unlock()

	size, n, err := ReadVarInt(src)
	if err != nil {
		return fmt.Errorf("data length: %w", err)
	}
	if size == 0 {
		dst.Write(src[n:])
		return nil
	}
	if int(size) < threshold {
		return fmt.Errorf("%w: size %d below threshold %d", ErrBadlyCompressed, size, threshold)
	}
	if size < 0 || size > MaxUncompressedSize {
		return fmt.Errorf("%w: size %d", ErrBadlyCompressed, size)
	}

	zr, err := zlib.NewReader(bytes.NewReader(src[n:]))
	if err != nil {
		return fmt.Errorf("inflate: %w", err)
	}
	defer zr.Close()

	start := dst.Len()
	if _, err := io.Copy(dst, io.LimitReader(zr, int64(size)+1)); err != nil {
		return fmt.Errorf("inflate: %w", err)
	}
	if got := dst.Len() - start; got != int(size) {
		return fmt.Errorf("%w: declared %d, inflated %d", ErrBadlyCompressed, size, got)
	}
	return nil
}

// HandleRead implements pipeline.InboundHandler.
func (d *ZlibDecompressor) HandleRead(ctx *pipeline.Context, in *buffer.Buffer, out *pipeline.Output) error {
	b := ctx.Alloc().Get()
	if err := d.Decompress(in.Bytes(), b); err != nil {
		b.Release()
		return err
	}
	out.Add(b)
	return nil
}

// SetCompression installs, updates or removes the compression stages of p.
// New stages are added right before the packet anchors. A negative
// threshold removes them.
func SetCompression(p *pipeline.Pipeline, threshold int) error {
	if threshold < 0 {
		p.Remove(DecompressName)
		p.Remove(CompressName)
		return nil
	}

	if st, ok := p.Get(DecompressName); ok {
		if d, ok := st.(*ZlibDecompressor); ok {
			d.SetThreshold(threshold)
		}
	} else if err := p.AddBefore(PacketDecoderName, DecompressName, NewZlibDecompressor(threshold)); err != nil {
		return err
	}

	if st, ok := p.Get(CompressName); ok {
		if c, ok := st.(*ZlibCompressor); ok {
			c.SetThreshold(threshold)
		}
	} else if err := p.AddBefore(PacketEncoderName, CompressName, NewZlibCompressor(threshold, zlib.DefaultCompression)); err != nil {
		return err
	}
	return nil
}
