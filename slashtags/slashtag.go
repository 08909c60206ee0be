// Package slashtags implements self-sovereign peer identities: key-pair
// derived addressable handles, encrypted peer connections with protocol
// multiplexing, and discoverable replicated drives per identity.
package slashtags

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ma "github.com/multiformats/go-multiaddr"
)

// Slashtag is a single identity and everything bound to it: its session,
// live connections, registered protocols and open drives.
type Slashtag struct {
	cfg       Config
	keyPair   *KeyPair
	publicKey []byte
	remote    bool
	url       string
	logger    *slog.Logger
	store     Store
	ownsStore bool

	readyOnce sync.Once
	readyErr  error

	mu        sync.RWMutex
	closed    bool
	sess      *session
	sockets   map[Key]*Connection
	drives    map[Key]*Drive
	protocols map[string]*Protocol

	subMu     sync.Mutex
	subSeq    int
	connSubs  []connSubscriber
	closeSubs []closeSubscriber
}

type connSubscriber struct {
	id int
	fn func(*Connection, PeerInfo)
}

type closeSubscriber struct {
	id int
	fn func()
}

// Connection is the authoritative live link to one remote public key.
type Connection struct {
	st              *Slashtag
	remotePublicKey []byte
	peerID          peer.ID
	conn            network.Conn
	remote          *Slashtag

	chanMu   sync.Mutex
	channels []protocolChannel

	teardownOnce sync.Once
}

// protocolChannel pairs a channel handle with the id it was opened
// under, so open and close log lines correlate.
type protocolChannel struct {
	id     string
	handle io.Closer
}

// New constructs a Slashtag from whichever of KeyPair, PublicKey or URL
// is supplied, in that precedence. Identities built without a key pair
// are remote: addressable but unable to sign.
func New(cfg Config) (*Slashtag, error) {
	cfg = normalizeConfig(cfg)

	var keyPair *KeyPair
	var publicKey []byte
	remote := false
	switch {
	case cfg.KeyPair != nil:
		if !cfg.KeyPair.valid() {
			return nil, WrapError(ErrInvalidIdentity, "malformed key pair")
		}
		kp := KeyPair{
			PublicKey: append([]byte(nil), cfg.KeyPair.PublicKey...),
			SecretKey: append([]byte(nil), cfg.KeyPair.SecretKey...),
		}
		keyPair = &kp
		publicKey = kp.PublicKey
	case len(cfg.PublicKey) > 0:
		if len(cfg.PublicKey) != KeySize {
			return nil, WrapError(ErrInvalidIdentity, "public key must be %d bytes, got %d", KeySize, len(cfg.PublicKey))
		}
		publicKey = append([]byte(nil), cfg.PublicKey...)
		remote = true
	case cfg.URL != "":
		key, err := ParseURL(cfg.URL)
		if err != nil {
			return nil, WrapError(ErrInvalidIdentity, "%v", err)
		}
		publicKey = key
		remote = true
	default:
		return nil, ErrInvalidIdentity
	}

	url, err := FormatURL(publicKey)
	if err != nil {
		return nil, err
	}

	store := cfg.Store
	ownsStore := false
	if store == nil {
		ownsStore = true
		if cfg.StorageDir != "" {
			store = NewFileStore(cfg.StorageDir)
		} else {
			store = NewMemoryStore()
		}
	}

	return &Slashtag{
		cfg:       cfg,
		keyPair:   keyPair,
		publicKey: publicKey,
		remote:    remote,
		url:       url,
		logger:    cfg.Logger,
		store:     store,
		ownsStore: ownsStore,
		sockets:   map[Key]*Connection{},
		drives:    map[Key]*Drive{},
		protocols: map[string]*Protocol{},
	}, nil
}

// PublicKey returns the identity's 32-byte public key.
func (s *Slashtag) PublicKey() []byte {
	return append([]byte(nil), s.publicKey...)
}

// URL returns the identity's canonical slash URL.
func (s *Slashtag) URL() string {
	return s.url
}

// Remote reports whether this identity lacks signing capability.
func (s *Slashtag) Remote() bool {
	return s.remote
}

// Ready bootstraps the discovery/transport session. The first caller
// performs initialization; every other caller, concurrent ones
// included, observes that single outcome.
func (s *Slashtag) Ready(ctx context.Context) error {
	if s.isClosed() {
		return WrapError(ErrAlreadyClosed, "ready after close")
	}
	s.readyOnce.Do(func() {
		s.readyErr = s.init(ctx)
	})
	return s.readyErr
}

func (s *Slashtag) init(ctx context.Context) error {
	if err := s.store.Ensure(ctx); err != nil {
		return err
	}
	sess, err := newSession(s)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sess.close()
		return WrapError(ErrAlreadyClosed, "closed during initialization")
	}
	s.sess = sess
	pending := make([]*Protocol, 0, len(s.protocols))
	for _, name := range sortedProtocolNames(s.protocols) {
		pending = append(pending, s.protocols[name])
	}
	s.mu.Unlock()

	for _, p := range pending {
		sess.setProtocolHandler(p)
	}

	if !s.remote {
		if _, err := s.openDrive(ctx, DriveOptions{Name: DefaultDriveName}); err != nil {
			return fmt.Errorf("open default drive: %w", err)
		}
	}
	return nil
}

// sessionPrivKey is the transport identity: the identity's own key for
// local slashtags, an ephemeral key for remote ones (a remote identity
// can still originate an outbound session identifying who is asking).
func (s *Slashtag) sessionPrivKey() (ic.PrivKey, error) {
	if s.keyPair != nil {
		return s.keyPair.libp2pPrivKey()
	}
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return ephemeral.libp2pPrivKey()
}

func (s *Slashtag) session() *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess
}

func (s *Slashtag) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Listen begins accepting inbound connections.
func (s *Slashtag) Listen(ctx context.Context) error {
	if s.remote {
		return WrapError(ErrRemoteIdentity, "listen requires the secret key")
	}
	if err := s.Ready(ctx); err != nil {
		return err
	}
	if s.isClosed() {
		return WrapError(ErrAlreadyClosed, "listen after close")
	}
	return s.session().listen()
}

// Connect resolves target (a slash URL or a base58 key) and connects.
func (s *Slashtag) Connect(ctx context.Context, target string) (*Connection, error) {
	key, err := resolveTargetKey(target)
	if err != nil {
		return nil, err
	}
	return s.ConnectKey(ctx, key)
}

// ConnectKey returns the live connection to publicKey, reusing the
// registered one when present and dialing otherwise.
func (s *Slashtag) ConnectKey(ctx context.Context, publicKey []byte) (*Connection, error) {
	if s.remote {
		return nil, WrapError(ErrRemoteIdentity, "connect requires the secret key")
	}
	if len(publicKey) != KeySize {
		return nil, WrapError(ErrInvalidIdentity, "target key must be %d bytes, got %d", KeySize, len(publicKey))
	}
	if bytes.Equal(publicKey, s.publicKey) {
		return nil, WrapError(ErrSelfConnect, "target is own key")
	}
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	closed := s.closed
	existing := s.sockets[toKey(publicKey)]
	s.mu.RUnlock()
	if closed {
		return nil, WrapError(ErrAlreadyClosed, "connect after close")
	}
	if existing != nil {
		return existing, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, err := s.session().connectPeer(dialCtx, publicKey)
	if err != nil {
		return nil, err
	}
	return s.handleConn(conn)
}

// handleConn registers a transport connection (either direction) and
// runs setup exactly once per remote key: replication first, then
// protocol channels, then the connection event. A concurrent second
// transport connection to the same key returns the authoritative entry.
func (s *Slashtag) handleConn(conn network.Conn) (*Connection, error) {
	remotePub := remotePublicKeyOf(conn.RemotePublicKey())
	if remotePub == nil {
		return nil, WrapError(ErrConnect, "peer %s is not ed25519-identified", conn.RemotePeer().String())
	}
	key := toKey(remotePub)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, WrapError(ErrAlreadyClosed, "connection after close")
	}
	if existing, ok := s.sockets[key]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	remoteID, err := New(Config{
		PublicKey:   remotePub,
		Store:       s.store,
		DisableDHT:  true,
		DisableMDNS: true,
		Logger:      s.logger,
	})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	c := &Connection{
		st:              s,
		remotePublicKey: remotePub,
		peerID:          conn.RemotePeer(),
		conn:            conn,
		remote:          remoteID,
	}
	s.sockets[key] = c
	sess := s.sess
	s.mu.Unlock()

	syncCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ReplicateTimeout)
	if err := sess.syncWithPeer(syncCtx, c.peerID); err != nil {
		s.logger.Debug("initial replication failed", "peer_id", c.peerID.String(), "err", err)
	}
	cancel()

	if conn.Stat().Direction == network.DirOutbound {
		s.openProtocolChannels(c)
	}

	s.emitConnection(c)
	return c, nil
}

func (s *Slashtag) handleDisconnect(conn network.Conn) {
	remotePub := remotePublicKeyOf(conn.RemotePublicKey())
	if remotePub == nil {
		return
	}
	key := toKey(remotePub)

	s.mu.Lock()
	c, ok := s.sockets[key]
	if !ok || c.conn != conn {
		s.mu.Unlock()
		return
	}
	delete(s.sockets, key)
	s.mu.Unlock()

	c.teardown()
}

// OnConnection subscribes fn to connection events. Delivery is in
// registration order; the returned cancel removes the subscription.
func (s *Slashtag) OnConnection(fn func(*Connection, PeerInfo)) func() {
	s.subMu.Lock()
	s.subSeq++
	id := s.subSeq
	s.connSubs = append(s.connSubs, connSubscriber{id: id, fn: fn})
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.connSubs {
			if sub.id == id {
				s.connSubs = append(s.connSubs[:i], s.connSubs[i+1:]...)
				return
			}
		}
	}
}

// OnClose subscribes fn to the close notification.
func (s *Slashtag) OnClose(fn func()) func() {
	s.subMu.Lock()
	s.subSeq++
	id := s.subSeq
	s.closeSubs = append(s.closeSubs, closeSubscriber{id: id, fn: fn})
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.closeSubs {
			if sub.id == id {
				s.closeSubs = append(s.closeSubs[:i], s.closeSubs[i+1:]...)
				return
			}
		}
	}
}

func (s *Slashtag) emitConnection(c *Connection) {
	s.subMu.Lock()
	subs := append([]connSubscriber(nil), s.connSubs...)
	s.subMu.Unlock()
	info := PeerInfo{PeerID: c.peerID, Slashtag: c.remote}
	for _, sub := range subs {
		sub.fn(c, info)
	}
}

func (s *Slashtag) emitClose() {
	s.subMu.Lock()
	subs := append([]closeSubscriber(nil), s.closeSubs...)
	s.subMu.Unlock()
	for _, sub := range subs {
		sub.fn()
	}
}

// Close tears the identity down: local subscribers are notified first
// so dependents stop issuing work, then connections, session and store
// are released best-effort. Repeat calls are no-ops.
func (s *Slashtag) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Connection, 0, len(s.sockets))
	for _, c := range s.sockets {
		conns = append(conns, c)
	}
	s.sockets = map[Key]*Connection{}
	s.drives = map[Key]*Drive{}
	sess := s.sess
	s.mu.Unlock()

	s.emitClose()

	var errs []error
	for _, c := range conns {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection to %s: %w", c.peerID.String(), err))
		}
		c.teardown()
	}
	if sess != nil {
		if err := sess.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// AddrStrings returns the session's dialable addresses, each with the
// /p2p/ component appended. Empty before Ready or Listen.
func (s *Slashtag) AddrStrings() []string {
	sess := s.session()
	if sess == nil {
		return nil
	}
	p2pComponent, err := ma.NewMultiaddr("/p2p/" + sess.host.ID().String())
	if err != nil {
		return nil
	}
	addrs := sess.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Encapsulate(p2pComponent).String())
	}
	sort.Strings(out)
	return out
}

// AddPeerAddress records a known dial address (a full multiaddr with a
// /p2p/ component) so Connect can reach the peer without discovery.
func (s *Slashtag) AddPeerAddress(addr string) error {
	if err := s.Ready(context.Background()); err != nil {
		return err
	}
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	s.session().host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	return nil
}

func resolveTargetKey(target string) ([]byte, error) {
	if key, err := ParseURL(target); err == nil {
		return key, nil
	}
	key, err := ParseURL(URLPrefix + target)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// RemotePublicKey returns the peer's 32-byte ed25519 key.
func (c *Connection) RemotePublicKey() []byte {
	return append([]byte(nil), c.remotePublicKey...)
}

// PeerID returns the transport-level peer id.
func (c *Connection) PeerID() peer.ID {
	return c.peerID
}

// Remote returns the remote-mode Slashtag attached to this connection.
func (c *Connection) Remote() *Slashtag {
	return c.remote
}

// Close shuts the underlying transport connection; deregistration and
// observer teardown follow from the disconnect notification.
func (c *Connection) Close() error {
	err := c.conn.Close()
	c.st.handleDisconnect(c.conn)
	return err
}

func (c *Connection) addChannel(channelID string, handle io.Closer) {
	if handle == nil {
		return
	}
	c.chanMu.Lock()
	c.channels = append(c.channels, protocolChannel{id: channelID, handle: handle})
	c.chanMu.Unlock()
}

// teardown runs the close observers exactly once: channels first, then
// the attached remote identity.
func (c *Connection) teardown() {
	c.teardownOnce.Do(func() {
		c.chanMu.Lock()
		channels := c.channels
		c.channels = nil
		c.chanMu.Unlock()
		for _, ch := range channels {
			if err := ch.handle.Close(); err != nil {
				c.st.logger.Debug("close protocol channel failed",
					"peer_id", c.peerID.String(), "channel_id", ch.id, "err", err)
				continue
			}
			c.st.logger.Debug("protocol channel closed",
				"peer_id", c.peerID.String(), "channel_id", ch.id)
		}
		if err := c.remote.Close(); err != nil {
			c.st.logger.Debug("close remote identity failed", "peer_id", c.peerID.String(), "err", err)
		}
	})
}
