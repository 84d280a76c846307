// Package codec implements the native stages of the relay pipeline: varint
// framing, packet anchors and zlib compression.
package codec

// Native stage names. The packet decoder and encoder are the anchors other
// subsystems insert relative to.
const (
	FrameDecoderName   = "frame-decoder"
	FramePrependerName = "frame-prepender"
	DecompressName     = "decompress"
	CompressName       = "compress"
	PacketDecoderName  = "packet-decoder"
	PacketEncoderName  = "packet-encoder"
	InboundBossName    = "inbound-boss"
)
