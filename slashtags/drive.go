package slashtags

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	driveNameDomain    = "drive:"
	discoveryKeyDomain = "slashtags-discovery-v1"
)

// Drive is a discoverable replicated key-value store scoped to one
// identity. Handles are cached per key: every Drive call with the same
// resolved key returns the same in-memory instance.
type Drive struct {
	st           *Slashtag
	key          []byte
	discoveryKey []byte
	encrypted    bool
	writable     bool

	findMu  sync.Mutex
	finding int
}

// Drive resolves (and on first use creates and announces) the drive
// selected by opts.
func (s *Slashtag) Drive(ctx context.Context, opts DriveOptions) (*Drive, error) {
	if s.isClosed() {
		return nil, WrapError(ErrAlreadyClosed, "drive after close")
	}
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}
	return s.openDrive(ctx, opts)
}

// openDrive assumes Ready has completed. Exists separately so session
// initialization can create the default drive without re-entering
// Ready.
func (s *Slashtag) openDrive(ctx context.Context, opts DriveOptions) (*Drive, error) {
	var key []byte
	writable := false
	switch {
	case len(opts.Key) > 0:
		if len(opts.Key) != KeySize {
			return nil, WrapError(ErrInvalidIdentity, "drive key must be %d bytes, got %d", KeySize, len(opts.Key))
		}
		key = append([]byte(nil), opts.Key...)
	default:
		if s.remote {
			return nil, WrapError(ErrRemoteIdentity, "deriving a named drive requires the secret key")
		}
		name := opts.Name
		if name == "" {
			name = DefaultDriveName
		}
		// Named under the identity's own key pair, so equally-named
		// drives of different identities never collide.
		kp, err := DeriveKeyPair(s.keyPair.SecretKey, driveNameDomain+name)
		if err != nil {
			return nil, err
		}
		key = kp.PublicKey
		writable = true
	}

	registryKey := toKey(key)
	s.mu.RLock()
	cached := s.drives[registryKey]
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	d := &Drive{
		st:           s,
		key:          key,
		discoveryKey: deriveDiscoveryKey(key),
		encrypted:    opts.Encrypted,
		writable:     writable,
	}
	if err := d.Ready(ctx); err != nil {
		return nil, err
	}

	// Recheck after the readiness suspension point: a concurrent
	// caller may have won; the fresh handle is discarded so exactly
	// one shared instance exists per key.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, WrapError(ErrAlreadyClosed, "drive after close")
	}
	if existing, ok := s.drives[registryKey]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.drives[registryKey] = d
	sess := s.sess
	s.mu.Unlock()

	done := d.FindingPeers()
	if err := sess.announceDrive(ctx, d); err != nil {
		s.logger.Warn("drive announce failed", "drive", hex.EncodeToString(d.key), "err", err)
	}
	done()

	if err := d.Update(ctx); err != nil {
		s.logger.Debug("initial drive update failed", "drive", hex.EncodeToString(d.key), "err", err)
	}
	return d, nil
}

// Key returns the drive's public key.
func (d *Drive) Key() []byte {
	return append([]byte(nil), d.key...)
}

// DiscoveryKey returns the topic key announced on the discovery
// network. It does not reveal the drive key.
func (d *Drive) DiscoveryKey() []byte {
	return append([]byte(nil), d.discoveryKey...)
}

// Encrypted reports whether the drive's content is end-to-end sealed
// by the store collaborator.
func (d *Drive) Encrypted() bool {
	return d.encrypted
}

// Writable reports whether this identity holds the drive's secret key.
func (d *Drive) Writable() bool {
	return d.writable
}

// Ready prepares the underlying store.
func (d *Drive) Ready(ctx context.Context) error {
	return d.st.store.Ensure(ctx)
}

// Get reads path. Absence is reported as ok=false, not as an error.
func (d *Drive) Get(ctx context.Context, path string) ([]byte, bool, error) {
	if d.st.isClosed() {
		return nil, false, WrapError(ErrAlreadyClosed, "drive get after close")
	}
	return d.st.store.Get(ctx, d.key, path)
}

// Put writes path and notifies drive subscribers over the discovery
// topic.
func (d *Drive) Put(ctx context.Context, path string, value []byte) error {
	if d.st.isClosed() {
		return WrapError(ErrAlreadyClosed, "drive put after close")
	}
	if !d.writable {
		return WrapError(ErrReadOnlyDrive, "missing secret key for drive %s", hex.EncodeToString(d.key))
	}
	now := time.Now().UTC()
	if err := d.st.store.Put(ctx, d.key, path, value, now); err != nil {
		return err
	}
	if sess := d.st.session(); sess != nil {
		sess.publishDriveUpdate(d, path, now)
	}
	return nil
}

// Update pulls already-available remote state by replicating with every
// live connection.
func (d *Drive) Update(ctx context.Context) error {
	if d.st.isClosed() {
		return WrapError(ErrAlreadyClosed, "drive update after close")
	}
	sess := d.st.session()
	if sess == nil {
		return nil
	}
	d.st.mu.RLock()
	conns := make([]*Connection, 0, len(d.st.sockets))
	for _, c := range d.st.sockets {
		conns = append(conns, c)
	}
	d.st.mu.RUnlock()

	for _, c := range conns {
		syncCtx, cancel := context.WithTimeout(ctx, d.st.cfg.ReplicateTimeout)
		if err := sess.syncWithPeer(syncCtx, c.peerID); err != nil {
			d.st.logger.Debug("drive update sync failed", "peer_id", c.peerID.String(), "err", err)
		}
		cancel()
	}
	return nil
}

// FindingPeers marks a discovery round in flight; the returned done
// callback resolves it. Update callers can consult Finding to decide
// whether a swarm flush is still pending.
func (d *Drive) FindingPeers() func() {
	d.findMu.Lock()
	d.finding++
	d.findMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.findMu.Lock()
			d.finding--
			d.findMu.Unlock()
		})
	}
}

// Finding reports whether a discovery round is still pending.
func (d *Drive) Finding() bool {
	d.findMu.Lock()
	defer d.findMu.Unlock()
	return d.finding > 0
}

func deriveDiscoveryKey(driveKey []byte) []byte {
	h, err := blake2b.New256(driveKey)
	if err != nil {
		// Drive keys are length-validated before any drive is
		// constructed, so this cannot happen for a live drive.
		panic("derive discovery key: " + err.Error())
	}
	h.Write([]byte(discoveryKeyDomain))
	return h.Sum(nil)
}
