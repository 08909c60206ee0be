package slashtags

import (
	"context"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ProtocolDescriptor names a pluggable per-connection behavior. The
// factory is invoked once per new connection with the channel's stream
// and the peer's identity; the returned handle is closed when the
// connection goes away.
type ProtocolDescriptor struct {
	Name          string
	CreateChannel func(stream network.Stream, peer PeerInfo) (io.Closer, error)
}

// Protocol is the singleton instance of a registered descriptor for
// one local identity. Per-connection state lives in channels, never
// here.
type Protocol struct {
	name string
	desc ProtocolDescriptor
	st   *Slashtag
	id   protocol.ID
}

// Name returns the registered protocol name.
func (p *Protocol) Name() string {
	return p.name
}

// ID returns the transport-level stream protocol id.
func (p *Protocol) ID() protocol.ID {
	return p.id
}

// Protocol registers desc for this identity, returning the cached
// singleton when the name is already registered. Registration does not
// attach to connections that are already open.
func (s *Slashtag) Protocol(desc ProtocolDescriptor) (*Protocol, error) {
	if s.remote {
		return nil, WrapError(ErrRemoteIdentity, "protocol registration requires the secret key")
	}
	name := strings.TrimSpace(desc.Name)
	if name == "" {
		return nil, WrapError(ErrInvalidIdentity, "protocol name is required")
	}
	if desc.CreateChannel == nil {
		return nil, WrapError(ErrInvalidIdentity, "protocol %q has no channel factory", name)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, WrapError(ErrAlreadyClosed, "protocol after close")
	}
	if existing, ok := s.protocols[name]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	p := &Protocol{
		name: name,
		desc: desc,
		st:   s,
		id:   protocol.ID(protocolStreamPrefix + name + protocolStreamSuffix),
	}
	s.protocols[name] = p
	sess := s.sess
	s.mu.Unlock()

	if sess != nil {
		sess.setProtocolHandler(p)
	}
	return p, nil
}

// openProtocolChannels creates one channel per protocol registered at
// the moment the connection opened. Store replication is already wired
// by the time this runs.
func (s *Slashtag) openProtocolChannels(c *Connection) {
	s.mu.RLock()
	snapshot := make([]*Protocol, 0, len(s.protocols))
	for _, name := range sortedProtocolNames(s.protocols) {
		snapshot = append(snapshot, s.protocols[name])
	}
	sess := s.sess
	s.mu.RUnlock()

	info := PeerInfo{PeerID: c.peerID, Slashtag: c.remote}
	for _, p := range snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		stream, err := sess.host.NewStream(ctx, c.peerID, p.id)
		cancel()
		if err != nil {
			// The remote side has not registered this protocol.
			s.logger.Debug("open protocol channel failed",
				"protocol", p.name, "peer_id", c.peerID.String(), "err", err)
			continue
		}
		handle, err := p.desc.CreateChannel(stream, info)
		if err != nil {
			s.logger.Warn("create protocol channel failed",
				"protocol", p.name, "peer_id", c.peerID.String(), "err", err)
			_ = stream.Reset()
			continue
		}
		channelID := uuid.NewString()
		c.addChannel(channelID, handle)
		s.logger.Debug("protocol channel open",
			"protocol", p.name, "peer_id", c.peerID.String(), "channel_id", channelID)
	}
}

// handleProtocolStream serves the inbound side of a channel.
func (s *Slashtag) handleProtocolStream(p *Protocol, stream network.Stream) {
	remotePub := remotePublicKeyOf(stream.Conn().RemotePublicKey())
	if remotePub == nil {
		s.logger.Warn("reject protocol stream from non-ed25519 peer",
			"protocol", p.name, "peer_id", stream.Conn().RemotePeer().String())
		_ = stream.Reset()
		return
	}

	s.mu.RLock()
	c := s.sockets[toKey(remotePub)]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		_ = stream.Reset()
		return
	}

	var info PeerInfo
	if c != nil {
		info = PeerInfo{PeerID: c.peerID, Slashtag: c.remote}
	} else {
		remoteID, err := New(Config{
			PublicKey:   remotePub,
			Store:       s.store,
			DisableDHT:  true,
			DisableMDNS: true,
			Logger:      s.logger,
		})
		if err != nil {
			_ = stream.Reset()
			return
		}
		info = PeerInfo{PeerID: stream.Conn().RemotePeer(), Slashtag: remoteID}
	}

	handle, err := p.desc.CreateChannel(stream, info)
	if err != nil {
		s.logger.Warn("create inbound protocol channel failed",
			"protocol", p.name, "peer_id", info.PeerID.String(), "err", err)
		_ = stream.Reset()
		return
	}
	channelID := uuid.NewString()
	if c != nil {
		c.addChannel(channelID, handle)
	}
	s.logger.Debug("protocol channel open",
		"protocol", p.name, "peer_id", info.PeerID.String(), "channel_id", channelID)
}
