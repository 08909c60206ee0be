package slashtags

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"fmt"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/blake2b"
)

const keyDerivationDomain = "slashtags-keypair-v1"

// GenerateKeyPair returns a fresh random ed25519 pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	return KeyPair{PublicKey: pub, SecretKey: priv}, nil
}

// DeriveKeyPair derives a named sub-identity from a primary secret.
// The same (primarySecret, name) always yields the same pair; distinct
// names yield unlinkable pairs.
func DeriveKeyPair(primarySecret []byte, name string) (KeyPair, error) {
	if len(primarySecret) == 0 {
		return KeyPair{}, WrapError(ErrInvalidIdentity, "empty primary secret")
	}
	secret := primarySecret
	if len(secret) > blake2b.Size {
		sum := blake2b.Sum256(secret)
		secret = sum[:]
	}
	h, err := blake2b.New256(secret)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive key pair: %w", err)
	}
	h.Write([]byte(keyDerivationDomain))
	h.Write([]byte(name))
	seed := h.Sum(nil)
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return KeyPair{PublicKey: pub, SecretKey: priv}, nil
}

func (kp KeyPair) valid() bool {
	return len(kp.PublicKey) == KeySize && len(kp.SecretKey) == ed25519.PrivateKeySize
}

func (kp KeyPair) libp2pPrivKey() (ic.PrivKey, error) {
	priv, err := ic.UnmarshalEd25519PrivateKey(kp.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("bridge ed25519 secret key: %w", err)
	}
	return priv, nil
}

func peerIDFromPublicKey(publicKey []byte) (peer.ID, error) {
	if len(publicKey) != KeySize {
		return "", WrapError(ErrInvalidIdentity, "public key must be %d bytes, got %d", KeySize, len(publicKey))
	}
	pub, err := ic.UnmarshalEd25519PublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("bridge ed25519 public key: %w", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("derive peer id: %w", err)
	}
	return id, nil
}

// remotePublicKeyOf extracts the raw ed25519 key a transport connection
// authenticated, or nil when the peer is not ed25519-identified.
func remotePublicKeyOf(pub ic.PubKey) []byte {
	if pub == nil || pub.Type() != ic.Ed25519 {
		return nil
	}
	raw, err := pub.Raw()
	if err != nil || len(raw) != KeySize {
		return nil
	}
	return raw
}
