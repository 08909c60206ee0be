package slashtags

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
)

func TestDeriveKeyPair_Deterministic(t *testing.T) {
	t.Parallel()

	secret := bytes.Repeat([]byte{7}, 32)
	first, err := DeriveKeyPair(secret, "wallet")
	if err != nil {
		t.Fatalf("DeriveKeyPair() error = %v", err)
	}
	second, err := DeriveKeyPair(secret, "wallet")
	if err != nil {
		t.Fatalf("DeriveKeyPair() error = %v", err)
	}
	if !bytes.Equal(first.PublicKey, second.PublicKey) || !bytes.Equal(first.SecretKey, second.SecretKey) {
		t.Fatalf("derivation is not deterministic")
	}
}

func TestDeriveKeyPair_NameSeparation(t *testing.T) {
	t.Parallel()

	secret := bytes.Repeat([]byte{7}, 32)
	wallet, err := DeriveKeyPair(secret, "wallet")
	if err != nil {
		t.Fatalf("DeriveKeyPair(wallet) error = %v", err)
	}
	chat, err := DeriveKeyPair(secret, "chat")
	if err != nil {
		t.Fatalf("DeriveKeyPair(chat) error = %v", err)
	}
	if bytes.Equal(wallet.PublicKey, chat.PublicKey) {
		t.Fatalf("different names yielded the same public key")
	}
}

func TestDeriveKeyPair_LongSecret(t *testing.T) {
	t.Parallel()

	secret := bytes.Repeat([]byte{9}, 128)
	kp, err := DeriveKeyPair(secret, "")
	if err != nil {
		t.Fatalf("DeriveKeyPair() error = %v", err)
	}
	if !kp.valid() {
		t.Fatalf("derived pair is malformed: pub=%d sec=%d", len(kp.PublicKey), len(kp.SecretKey))
	}
}

func TestDeriveKeyPair_EmptySecret(t *testing.T) {
	t.Parallel()

	_, err := DeriveKeyPair(nil, "wallet")
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestGenerateKeyPair_Shape(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if len(kp.PublicKey) != KeySize {
		t.Fatalf("public key length = %d, want %d", len(kp.PublicKey), KeySize)
	}
	if len(kp.SecretKey) != ed25519.PrivateKeySize {
		t.Fatalf("secret key length = %d, want %d", len(kp.SecretKey), ed25519.PrivateKeySize)
	}
}

func TestPeerIDFromPublicKey_MatchesHostIdentity(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	pid, err := peerIDFromPublicKey(kp.PublicKey)
	if err != nil {
		t.Fatalf("peerIDFromPublicKey() error = %v", err)
	}
	priv, err := kp.libp2pPrivKey()
	if err != nil {
		t.Fatalf("libp2pPrivKey() error = %v", err)
	}
	raw := remotePublicKeyOf(priv.GetPublic())
	if !bytes.Equal(raw, kp.PublicKey) {
		t.Fatalf("remotePublicKeyOf mismatch: got %x want %x", raw, kp.PublicKey)
	}
	derived, err := peerIDFromPublicKey(raw)
	if err != nil {
		t.Fatalf("peerIDFromPublicKey(raw) error = %v", err)
	}
	if derived != pid {
		t.Fatalf("peer id mismatch: got %s want %s", derived.String(), pid.String())
	}
}
