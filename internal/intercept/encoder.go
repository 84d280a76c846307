package intercept

import (
	"errors"

	"versionbridge/internal/buffer"
	"versionbridge/internal/engine"
	"versionbridge/internal/metrics"
	"versionbridge/internal/pipeline"
)

// Encoder is the outbound interceptor. A cancelled frame completes the write
// successfully without reaching the transport.
type Encoder struct {
	session engine.Session
	fix     *compressionFix
}

// HandleWrite implements pipeline.OutboundHandler.
func (e *Encoder) HandleWrite(ctx *pipeline.Context, in *buffer.Buffer, out *pipeline.Output, p *pipeline.Promise) error {
	if !e.session.CheckOutbound() {
		metrics.IncFrame(string(SideOutbound), metrics.OutcomeCancelled)
		p.Succeed()
		return nil
	}
	if !e.session.ShouldTransform() {
		metrics.IncFrame(string(SideOutbound), metrics.OutcomePassthrough)
		out.Add(in.Retain())
		return nil
	}

	b := ctx.Alloc().Copy(in.Bytes())
	defer b.Release()

	recompress, err := e.fix.apply(ctx, b, SideOutbound)
	if err != nil {
		metrics.IncFrame(string(SideOutbound), metrics.OutcomeFailed)
		return err
	}
	if recompress {
		metrics.IncCompressionCorrection(string(SideOutbound))
	}
	if err := e.session.TransformOutbound(b, engine.Cancel); err != nil {
		if errors.Is(err, engine.ErrCancelled) {
			metrics.IncFrame(string(SideOutbound), metrics.OutcomeCancelled)
			p.Succeed()
			return nil
		}
		metrics.IncFrame(string(SideOutbound), metrics.OutcomeFailed)
		return err
	}
	if recompress {
		if err := recompressInto(ctx.Pipeline(), b); err != nil {
			metrics.IncFrame(string(SideOutbound), metrics.OutcomeFailed)
			return err
		}
	}
	metrics.IncFrame(string(SideOutbound), metrics.OutcomeTransformed)
	out.Add(b.Retain())
	return nil
}
