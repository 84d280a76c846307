package engine

import (
	"fmt"

	"versionbridge/internal/codec"
	"versionbridge/internal/version"
)

const loginSuccessPacketID = 0x02

// base tracks the connection state and negotiates versions. It runs before
// the protocol path on every packet.
func (s *UserConnection) base(pkt *Packet) error {
	switch {
	case pkt.State == StateHandshake && pkt.Dir == Serverbound && pkt.ID == codec.HandshakePacketID:
		return s.handshake(pkt)
	case pkt.State == StateLogin && pkt.Dir == Clientbound && pkt.ID == loginSuccessPacketID:
		s.info.SetState(StatePlay)
	}
	return nil
}

func (s *UserConnection) handshake(pkt *Packet) error {
	hs, err := codec.ParseHandshake(pkt.Data)
	if err != nil {
		return err
	}
	switch hs.NextState {
	case codec.NextStatus:
		s.info.SetState(StateStatus)
	case codec.NextLogin, codec.NextTransfer:
		s.info.SetState(StateLogin)
	default:
		return fmt.Errorf("engine: invalid next state %d", hs.NextState)
	}

	peer := s.lookup(int(hs.Protocol))
	s.info.SetProtocolVersion(peer)

	server := peer
	if s.provider != nil {
		v, err := s.provider.ClosestServerProtocol(s)
		if err != nil {
			return fmt.Errorf("negotiate: %w", err)
		}
		if v.Known() {
			server = v
		}
	}
	s.info.SetServerVersion(server)

	path, ok := s.protocols.Path(peer, server)
	if !ok {
		s.log.Debug().Stringer("peer", peer).Stringer("server", server).Msg("no protocol path")
	}
	s.info.setPath(path)

	if len(path) == 0 {
		s.SetActive(false)
		return nil
	}
	hs.Protocol = int32(server.ID)
	pkt.Data = codec.AppendHandshake(make([]byte, 0, len(pkt.Data)+5), hs)
	s.log.Debug().Stringer("peer", peer).Stringer("server", server).Int("steps", len(path)).Msg("protocol path set")
	return nil
}

func (s *UserConnection) lookup(id int) version.Version {
	if s.versions == nil {
		return version.Version{ID: id}
	}
	return s.versions.Lookup(id)
}
