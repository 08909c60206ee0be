package slashtags

import (
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	URLPrefix = "slash:"

	ProtocolReplicateIDV1 = "/slashtags/replicate/1.0.0"
	protocolStreamPrefix  = "/slashtags/proto/"
	protocolStreamSuffix  = "/1.0.0"

	DiscoveryNamespace = "slashtags/1.0.0"
	MDNSServiceName    = "slashtags-mdns"

	DefaultDriveName = "public"
	ProfilePath      = "profile.json"

	DefaultConnectTimeout   = 10 * time.Second
	DefaultDialAddrTimeout  = 3 * time.Second
	DefaultAnnounceTimeout  = 10 * time.Second
	DefaultReplicateTimeout = 10 * time.Second
	MaxReplicationBytesV1   = 4 * 1024 * 1024

	storeFileVersion = 1
)

// KeyPair is an ed25519 signing pair. PublicKey is 32 bytes, SecretKey
// is the 64-byte ed25519 private key.
type KeyPair struct {
	PublicKey []byte
	SecretKey []byte
}

// Key is a fixed-size registry key with structural equality, so two
// byte slices with identical content land on the same entry.
type Key [KeySize]byte

const KeySize = 32

func toKey(b []byte) Key {
	var k Key
	copy(k[:], b)
	return k
}

// PeerInfo accompanies every connection event. Slashtag is a remote
// identity constructed from the peer's public key; callers address the
// peer through it instead of raw bytes.
type PeerInfo struct {
	PeerID   peer.ID
	Slashtag *Slashtag
}

// Config configures a Slashtag. Exactly one of KeyPair, PublicKey or
// URL must resolve to a key; precedence follows that order.
type Config struct {
	KeyPair   *KeyPair
	PublicKey []byte
	URL       string

	// Store overrides the persistence collaborator. When nil, a
	// FileStore under StorageDir is used, or an in-memory store when
	// StorageDir is empty too.
	Store      Store
	StorageDir string

	ListenAddrs    []string
	StaticPeers    []string
	BootstrapPeers []string

	DisableDHT  bool
	DisableMDNS bool

	ConnectTimeout      time.Duration
	DialAddrTimeout     time.Duration
	AnnounceTimeout     time.Duration
	ReplicateTimeout    time.Duration
	MaxReplicationBytes int

	Logger *slog.Logger
}

// DriveOptions selects a drive. Key resolves a drive by its raw public
// key; otherwise Name derives one under the local identity (empty Name
// means the default drive).
type DriveOptions struct {
	Name      string
	Key       []byte
	Encrypted bool
}

func normalizeConfig(cfg Config) Config {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.DialAddrTimeout <= 0 {
		cfg.DialAddrTimeout = DefaultDialAddrTimeout
	}
	if cfg.AnnounceTimeout <= 0 {
		cfg.AnnounceTimeout = DefaultAnnounceTimeout
	}
	if cfg.ReplicateTimeout <= 0 {
		cfg.ReplicateTimeout = DefaultReplicateTimeout
	}
	if cfg.MaxReplicationBytes <= 0 {
		cfg.MaxReplicationBytes = MaxReplicationBytesV1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = defaultListenAddrs()
	}
	return cfg
}

func defaultListenAddrs() []string {
	return []string{
		"/ip4/0.0.0.0/udp/0/quic-v1",
		"/ip4/0.0.0.0/tcp/0",
	}
}
