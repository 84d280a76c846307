package intercept

import (
	"errors"

	"versionbridge/internal/buffer"
	"versionbridge/internal/engine"
	"versionbridge/internal/metrics"
	"versionbridge/internal/pipeline"
)

// Decoder is the inbound interceptor.
type Decoder struct {
	session engine.Session
	fix     *compressionFix
}

// HandleRead implements pipeline.InboundHandler.
func (d *Decoder) HandleRead(ctx *pipeline.Context, in *buffer.Buffer, out *pipeline.Output) error {
	if !d.session.CheckInbound() {
		metrics.IncFrame(string(SideInbound), metrics.OutcomeCancelled)
		return nil
	}
	if !d.session.ShouldTransform() {
		metrics.IncFrame(string(SideInbound), metrics.OutcomePassthrough)
		out.Add(in.Retain())
		return nil
	}

	b := ctx.Alloc().Copy(in.Bytes())
	defer b.Release()

	recompress, err := d.fix.apply(ctx, b, SideInbound)
	if err != nil {
		metrics.IncFrame(string(SideInbound), metrics.OutcomeFailed)
		return err
	}
	if recompress {
		metrics.IncCompressionCorrection(string(SideInbound))
	}
	if err := d.session.TransformInbound(b, engine.Cancel); err != nil {
		if errors.Is(err, engine.ErrCancelled) {
			metrics.IncFrame(string(SideInbound), metrics.OutcomeCancelled)
			return nil
		}
		metrics.IncFrame(string(SideInbound), metrics.OutcomeFailed)
		return err
	}
	if recompress {
		if err := recompressInto(ctx.Pipeline(), b); err != nil {
			metrics.IncFrame(string(SideInbound), metrics.OutcomeFailed)
			return err
		}
	}
	metrics.IncFrame(string(SideInbound), metrics.OutcomeTransformed)
	out.Add(b.Retain())
	return nil
}
