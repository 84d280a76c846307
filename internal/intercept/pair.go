package intercept

import (
	"versionbridge/internal/engine"
	"versionbridge/internal/pipeline"
)

// Pair is the decoder and encoder of one channel. They share the
// compression correction state.
type Pair struct {
	Decoder *Decoder
	Encoder *Encoder
	fix     *compressionFix
}

// New creates the interceptors for one session.
func New(s engine.Session) *Pair {
	fix := &compressionFix{}
	return &Pair{
		Decoder: &Decoder{session: s, fix: fix},
		Encoder: &Encoder{session: s, fix: fix},
		fix:     fix,
	}
}

// Corrected reports whether the compression order has been settled.
func (p *Pair) Corrected() bool { return p.fix.Done() }

// Install adds the decoder before inboundAnchor and the encoder before
// outboundAnchor. On failure the pipeline is left as it was.
func (p *Pair) Install(pl *pipeline.Pipeline, inboundAnchor, outboundAnchor string) error {
	if err := pl.AddBefore(inboundAnchor, DecoderName, p.Decoder); err != nil {
		return err
	}
	if err := pl.AddBefore(outboundAnchor, EncoderName, p.Encoder); err != nil {
		pl.Remove(DecoderName)
		return err
	}
	return nil
}

// Installed reports whether pl already carries interceptors.
func Installed(pl *pipeline.Pipeline) bool {
	_, dec := pl.Get(DecoderName)
	_, enc := pl.Get(EncoderName)
	return dec || enc
}
