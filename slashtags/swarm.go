package slashtags

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	dhtproviders "github.com/libp2p/go-libp2p-kad-dht/providers"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	ma "github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"
)

// session is the live discovery+transport context. Exactly one exists
// per Slashtag, created by the first Ready call.
type session struct {
	st   *Slashtag
	host host.Host
	dht  *dht.IpfsDHT
	mdns mdns.Service
	ps   *pubsub.PubSub

	mu        sync.Mutex
	topics    map[Key]*pubsub.Topic
	subs      map[Key]*pubsub.Subscription
	listening bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type driveUpdateNotice struct {
	DriveKey  string    `json:"drive_key"`
	Path      string    `json:"path"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newSession(st *Slashtag) (*session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		st:     st,
		topics: map[Key]*pubsub.Topic{},
		subs:   map[Key]*pubsub.Subscription{},
		ctx:    ctx,
		cancel: cancel,
	}

	priv, err := st.sessionPrivKey()
	if err != nil {
		cancel()
		return nil, err
	}

	cm, err := connmgr.NewConnManager(32, 256)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.NoListenAddrs,
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(cm),
	}
	if !st.cfg.DisableDHT {
		hostOpts = append(hostOpts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			s.dht, err = dht.New(ctx, h,
				dht.Mode(dht.ModeAuto),
				dht.ProtocolPrefix(protocol.ID("/slashtags")),
			)
			return s.dht, err
		}))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	s.host = h

	if s.dht != nil {
		if err := s.dht.Bootstrap(ctx); err != nil {
			st.logger.Warn("dht bootstrap failed", "err", err)
		}
		s.connectBootstrapPeers()
	}

	s.ps, err = pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	if !st.cfg.DisableMDNS {
		svc := mdns.NewMdnsService(h, MDNSServiceName, &mdnsNotifee{session: s})
		if err := svc.Start(); err != nil {
			st.logger.Warn("mdns start failed", "err", err)
		} else {
			s.mdns = svc
		}
	}

	s.seedStaticPeers()

	h.SetStreamHandler(protocol.ID(ProtocolReplicateIDV1), st.handleReplicateStream)
	h.Network().Notify(&connNotifee{session: s})

	return s, nil
}

func (s *session) seedStaticPeers() {
	for _, raw := range s.st.cfg.StaticPeers {
		info, err := peer.AddrInfoFromString(raw)
		if err != nil {
			s.st.logger.Warn("invalid static peer address", "addr", raw, "err", err)
			continue
		}
		s.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	}
}

func (s *session) connectBootstrapPeers() {
	for _, raw := range s.st.cfg.BootstrapPeers {
		info, err := peer.AddrInfoFromString(raw)
		if err != nil {
			s.st.logger.Warn("invalid bootstrap address", "addr", raw, "err", err)
			continue
		}
		s.wg.Add(1)
		go func(info peer.AddrInfo) {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(s.ctx, s.st.cfg.DialAddrTimeout)
			defer cancel()
			if err := s.host.Connect(ctx, info); err != nil {
				s.st.logger.Debug("bootstrap connect failed", "peer_id", info.ID.String(), "err", err)
			}
		}(*info)
	}
}

// listen starts accepting inbound connections. Safe to call repeatedly;
// the transport listeners are bound once.
func (s *session) listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return nil
	}
	addrs := make([]ma.Multiaddr, 0, len(s.st.cfg.ListenAddrs))
	for _, raw := range s.st.cfg.ListenAddrs {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			return fmt.Errorf("invalid listen address %q: %w", raw, err)
		}
		addrs = append(addrs, addr)
	}
	if err := s.host.Network().Listen(addrs...); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listening = true
	return nil
}

// connectPeer dials the peer owning publicKey, resolving addresses from
// the peerstore first and the DHT as fallback.
func (s *session) connectPeer(ctx context.Context, publicKey []byte) (network.Conn, error) {
	pid, err := peerIDFromPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	if conns := s.host.Network().ConnsToPeer(pid); len(conns) > 0 {
		return conns[0], nil
	}

	addrs := s.host.Peerstore().Addrs(pid)
	if len(addrs) == 0 && s.dht != nil {
		info, err := s.dht.FindPeer(ctx, pid)
		if err != nil {
			return nil, WrapError(ErrConnect, "peer lookup for %s: %v", pid.String(), err)
		}
		s.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
		addrs = info.Addrs
	}
	if len(addrs) == 0 {
		return nil, WrapError(ErrConnect, "no known addresses for %s", pid.String())
	}

	if err := s.host.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: addrs}); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, WrapError(ErrConnectTimeout, "connect to %s: %v", pid.String(), err)
		}
		return nil, WrapError(ErrConnect, "connect to %s: %v", pid.String(), err)
	}
	conns := s.host.Network().ConnsToPeer(pid)
	if len(conns) == 0 {
		return nil, WrapError(ErrConnect, "connect to %s: no live connection after dial", pid.String())
	}
	return conns[0], nil
}

func (s *session) setProtocolHandler(p *Protocol) {
	s.host.SetStreamHandler(p.id, func(stream network.Stream) {
		s.st.handleProtocolStream(p, stream)
	})
}

// announceDrive joins the drive's discovery topic and publishes a
// provider record for its discovery key. Called at most once per drive;
// the drive cache guards re-entry.
func (s *session) announceDrive(ctx context.Context, d *Drive) error {
	key := toKey(d.discoveryKey)
	topicName := driveTopicName(d.discoveryKey)

	s.mu.Lock()
	if _, ok := s.topics[key]; ok {
		s.mu.Unlock()
		return nil
	}
	topic, err := s.ps.Join(topicName)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("join drive topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		s.mu.Unlock()
		return fmt.Errorf("subscribe drive topic: %w", err)
	}
	s.topics[key] = topic
	s.subs[key] = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readDriveTopic(sub)

	if s.dht != nil {
		c, err := discoveryCID(d.discoveryKey)
		if err != nil {
			return err
		}
		announceCtx, cancel := context.WithTimeout(ctx, s.st.cfg.AnnounceTimeout)
		defer cancel()
		if err := s.dht.Provide(announceCtx, c, true); err != nil {
			// A lone node has no routing table yet; the record is
			// republished once peers appear via the topic mesh.
			s.st.logger.Debug("dht provide failed", "drive", hex.EncodeToString(d.key), "err", err)
		}
		s.wg.Add(1)
		go s.findDrivePeers(c)
	}
	return nil
}

func (s *session) findDrivePeers(c cid.Cid) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.ctx, s.st.cfg.AnnounceTimeout)
	defer cancel()
	for info := range s.dht.FindProvidersAsync(ctx, c, 16) {
		if info.ID == s.host.ID() || len(info.Addrs) == 0 {
			continue
		}
		s.host.Peerstore().AddAddrs(info.ID, info.Addrs, dhtproviders.ProviderAddrTTL)
		connectCtx, connectCancel := context.WithTimeout(s.ctx, s.st.cfg.DialAddrTimeout)
		if err := s.host.Connect(connectCtx, info); err != nil {
			s.st.logger.Debug("drive peer connect failed", "peer_id", info.ID.String(), "err", err)
		}
		connectCancel()
	}
}

func (s *session) readDriveTopic(sub *pubsub.Subscription) {
	defer s.wg.Done()
	for {
		msg, err := sub.Next(s.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}
		var notice driveUpdateNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			s.st.logger.Debug("invalid drive update notice", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		syncCtx, cancel := context.WithTimeout(s.ctx, s.st.cfg.ReplicateTimeout)
		if err := s.syncWithPeer(syncCtx, msg.ReceivedFrom); err != nil {
			s.st.logger.Debug("sync after update notice failed", "from", msg.ReceivedFrom.String(), "err", err)
		}
		cancel()
	}
}

func (s *session) publishDriveUpdate(d *Drive, path string, now time.Time) {
	s.mu.Lock()
	topic := s.topics[toKey(d.discoveryKey)]
	s.mu.Unlock()
	if topic == nil {
		return
	}
	notice := driveUpdateNotice{
		DriveKey:  hex.EncodeToString(d.key),
		Path:      path,
		UpdatedAt: now,
	}
	raw, err := json.Marshal(notice)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.st.cfg.AnnounceTimeout)
	defer cancel()
	if err := topic.Publish(ctx, raw); err != nil {
		s.st.logger.Debug("publish drive update failed", "drive", notice.DriveKey, "err", err)
	}
}

func (s *session) close() error {
	s.cancel()

	var errs []error
	if s.mdns != nil {
		if err := s.mdns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mdns: %w", err))
		}
	}
	s.mu.Lock()
	subs := s.subs
	topics := s.topics
	s.subs = map[Key]*pubsub.Subscription{}
	s.topics = map[Key]*pubsub.Topic{}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
	for _, topic := range topics {
		if err := topic.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close drive topic: %w", err))
		}
	}
	if s.dht != nil {
		if err := s.dht.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dht: %w", err))
		}
	}
	if err := s.host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close host: %w", err))
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

func driveTopicName(discoveryKey []byte) string {
	return "slashtags/drive/" + hex.EncodeToString(discoveryKey)
}

func discoveryCID(discoveryKey []byte) (cid.Cid, error) {
	mhash, err := mh.Encode(discoveryKey, mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("encode discovery multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mhash), nil
}

// mdnsNotifee records LAN-discovered peer addresses so later dials can
// reach them without the DHT.
type mdnsNotifee struct {
	session *session
}

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == m.session.host.ID() {
		return
	}
	m.session.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
}

// connNotifee forwards transport connection lifecycle into the
// Slashtag's registries.
type connNotifee struct {
	session *session
}

func (n *connNotifee) Listen(network.Network, ma.Multiaddr)      {}
func (n *connNotifee) ListenClose(network.Network, ma.Multiaddr) {}

func (n *connNotifee) Connected(_ network.Network, conn network.Conn) {
	s := n.session
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.st.handleConn(conn); err != nil {
			s.st.logger.Debug("inbound connection rejected", "peer_id", conn.RemotePeer().String(), "err", err)
		}
	}()
}

func (n *connNotifee) Disconnected(_ network.Network, conn network.Conn) {
	n.session.st.handleDisconnect(conn)
}

// sortedProtocolNames gives deterministic channel setup order.
func sortedProtocolNames(protocols map[string]*Protocol) []string {
	names := make([]string, 0, len(protocols))
	for name := range protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
