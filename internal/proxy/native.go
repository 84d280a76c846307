package proxy

import (
	"github.com/pkg/errors"

	"versionbridge/internal/buffer"
	"versionbridge/internal/codec"
	"versionbridge/internal/pipeline"
)

// Login state packet ids the relay itself has to interpret.
const (
	encryptionRequestPacketID = 0x01
	loginSuccessPacketID      = 0x02
	setCompressionPacketID    = 0x03
)

var (
	errNoBridge              = errors.New("proxy: backend channel has no bridge")
	ErrEncryptionUnsupported = errors.New("proxy: backend requested encryption, only offline-mode backends are supported")
)

// installNative adds the native stages shared by both sides, head first.
func installNative(p *pipeline.Pipeline, boss pipeline.InboundHandler) error {
	stages := []struct {
		name  string
		stage pipeline.Stage
	}{
		{codec.FrameDecoderName, &codec.FrameDecoder{}},
		{codec.FramePrependerName, codec.FramePrepender{}},
		{codec.PacketDecoderName, codec.PacketDecoder{}},
		{codec.PacketEncoderName, codec.PacketEncoder{}},
		{codec.InboundBossName, boss},
	}
	for _, st := range stages {
		if err := p.AddLast(st.name, st.stage); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) initFrontend(ch *pipeline.Channel) error {
	return installNative(ch.Pipeline(), &frontendBoss{server: s})
}

func (s *Server) initBackend(ch *pipeline.Channel) error {
	return installNative(ch.Pipeline(), &backendBoss{server: s})
}

// frontendBoss ends the player pipeline. The first packet must be the
// handshake; it opens the bridge. Everything after is relayed to the
// backend. Reads of one channel are serial so the bridge needs no lock.
type frontendBoss struct {
	server *Server
	bridge *Bridge
}

func (b *frontendBoss) HandleRead(ctx *pipeline.Context, in *buffer.Buffer, _ *pipeline.Output) error {
	if b.bridge != nil {
		b.bridge.Backend.Write(in.Retain())
		return nil
	}

	pkt := in.Bytes()
	id, n, err := codec.ReadVarInt(pkt)
	if err != nil {
		return err
	}
	if id != codec.HandshakePacketID {
		return errors.Errorf("proxy: expected handshake, got packet 0x%02x", id)
	}
	hs, err := codec.ParseHandshake(pkt[n:])
	if err != nil {
		return err
	}

	bridge, err := b.server.connect(ctx.Channel(), hs)
	if err != nil {
		return err
	}
	b.bridge = bridge
	bridge.Backend.Write(in.Retain())
	return nil
}

// backendBoss ends the backend pipeline and relays to the player. During
// login it mirrors Set Compression onto both channels and reports the
// finished login.
type backendBoss struct {
	server *Server
}

func (b *backendBoss) HandleRead(ctx *pipeline.Context, in *buffer.Buffer, _ *pipeline.Output) error {
	bridge, ok := BridgeOf(ctx.Channel())
	if !ok {
		return errNoBridge
	}
	if !bridge.LoggingIn() {
		bridge.Frontend.Write(in.Retain())
		return nil
	}

	pkt := in.Bytes()
	id, n, err := codec.ReadVarInt(pkt)
	if err != nil {
		return err
	}
	switch id {
	case encryptionRequestPacketID:
		return errors.Wrapf(ErrEncryptionUnsupported, "server %s", bridge.Server.Name)
	case setCompressionPacketID:
		threshold, _, err := codec.ReadVarInt(pkt[n:])
		if err != nil {
			return errors.Wrap(err, "proxy: set compression threshold")
		}
		// The packet itself travels uncompressed.
		if err := bridge.Frontend.Write(in.Retain()).Err(); err != nil {
			return err
		}
		return bridge.setCompression(int(threshold))
	case loginSuccessPacketID:
		bridge.loggingIn.Store(false)
		bridge.Frontend.Write(in.Retain())
		b.server.fireServerConnected(bridge)
		return nil
	}
	bridge.Frontend.Write(in.Retain())
	return nil
}
