package slashtags

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// syncWithPeer performs one snapshot exchange with a connected peer:
// write our store snapshot, half-close, read theirs, merge.
func (s *session) syncWithPeer(ctx context.Context, pid peer.ID) error {
	snap, err := s.st.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	stream, err := s.host.NewStream(ctx, pid, protocol.ID(ProtocolReplicateIDV1))
	if err != nil {
		return fmt.Errorf("open replicate stream: %w", err)
	}
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().UTC().Add(s.st.cfg.ReplicateTimeout))

	if err := verifyRemotePeerOnStream(stream, pid); err != nil {
		_ = stream.Reset()
		return err
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := stream.Write(raw); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := stream.CloseWrite(); err != nil {
		return fmt.Errorf("close snapshot write: %w", err)
	}

	respRaw, tooLarge, err := readAllLimited(stream, s.st.cfg.MaxReplicationBytes)
	if err != nil {
		return fmt.Errorf("read remote snapshot: %w", err)
	}
	if tooLarge {
		return fmt.Errorf("remote snapshot exceeds %d bytes", s.st.cfg.MaxReplicationBytes)
	}

	var remote StoreSnapshot
	if err := json.Unmarshal(respRaw, &remote); err != nil {
		return fmt.Errorf("decode remote snapshot: %w", err)
	}
	applied, err := s.st.store.Merge(ctx, remote)
	if err != nil {
		return err
	}
	if applied > 0 {
		s.st.logger.Debug("replication pulled records", "peer_id", pid.String(), "applied", applied)
	}
	return nil
}

// handleReplicateStream answers an inbound snapshot exchange: read the
// remote snapshot, merge, reply with our own.
func (s *Slashtag) handleReplicateStream(stream network.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().UTC().Add(s.cfg.ReplicateTimeout))

	remotePeer := stream.Conn().RemotePeer()
	if err := verifyRemotePeerOnStream(stream, remotePeer); err != nil {
		s.logger.Warn("reject replication due to peer mismatch", "peer_id", remotePeer.String(), "err", err)
		_ = stream.Reset()
		return
	}

	raw, tooLarge, err := readAllLimited(stream, s.cfg.MaxReplicationBytes)
	if err != nil {
		s.logger.Warn("read replication snapshot failed", "peer_id", remotePeer.String(), "err", err)
		return
	}
	if tooLarge {
		s.logger.Warn("replication snapshot too large", "peer_id", remotePeer.String())
		_ = stream.Reset()
		return
	}

	ctx := context.Background()
	var remote StoreSnapshot
	if err := json.Unmarshal(raw, &remote); err != nil {
		s.logger.Warn("invalid replication snapshot", "peer_id", remotePeer.String(), "err", err)
		return
	}
	if _, err := s.store.Merge(ctx, remote); err != nil {
		s.logger.Warn("merge replication snapshot failed", "peer_id", remotePeer.String(), "err", err)
		return
	}

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("snapshot for replication reply failed", "peer_id", remotePeer.String(), "err", err)
		return
	}
	respRaw, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("marshal replication reply failed", "peer_id", remotePeer.String(), "err", err)
		return
	}
	if _, err := stream.Write(respRaw); err != nil {
		s.logger.Warn("write replication reply failed", "peer_id", remotePeer.String(), "err", err)
	}
}

func verifyRemotePeerOnStream(stream network.Stream, expected peer.ID) error {
	actual := stream.Conn().RemotePeer()
	if actual != expected {
		return fmt.Errorf("remote peer mismatch: expected=%s actual=%s", expected.String(), actual.String())
	}
	remotePub := stream.Conn().RemotePublicKey()
	if remotePub == nil {
		return fmt.Errorf("remote public key is missing")
	}
	derived, err := peer.IDFromPublicKey(remotePub)
	if err != nil {
		return fmt.Errorf("derive peer id from remote public key: %w", err)
	}
	if derived != expected {
		return fmt.Errorf("remote public key does not match peer id")
	}
	return nil
}

func readAllLimited(reader io.Reader, maxBytes int) ([]byte, bool, error) {
	if maxBytes <= 0 {
		maxBytes = MaxReplicationBytesV1
	}
	limited := io.LimitReader(reader, int64(maxBytes)+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if len(data) > maxBytes {
		return data, true, nil
	}
	return data, false, nil
}
