package slashtags

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
)

func testConfig(t *testing.T, kp *KeyPair) Config {
	t.Helper()
	return Config{
		KeyPair:     kp,
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		DisableDHT:  true,
		DisableMDNS: true,
	}
}

func newTestSlashtag(t *testing.T) *Slashtag {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	st, err := New(testConfig(t, &kp))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestNew_KeyResolutionPrecedence(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	otherURL, err := FormatURL(other.PublicKey)
	if err != nil {
		t.Fatalf("FormatURL() error = %v", err)
	}

	// KeyPair wins over PublicKey and URL.
	st, err := New(Config{KeyPair: &kp, PublicKey: other.PublicKey, URL: otherURL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !bytes.Equal(st.PublicKey(), kp.PublicKey) {
		t.Fatalf("key pair should take precedence")
	}
	if st.Remote() {
		t.Fatalf("identity with key pair must not be remote")
	}

	// PublicKey wins over URL.
	st, err = New(Config{PublicKey: other.PublicKey, URL: otherURL})
	if err != nil {
		t.Fatalf("New(public key) error = %v", err)
	}
	if !st.Remote() {
		t.Fatalf("identity without key pair must be remote")
	}

	// URL alone resolves.
	st, err = New(Config{URL: otherURL})
	if err != nil {
		t.Fatalf("New(url) error = %v", err)
	}
	if !bytes.Equal(st.PublicKey(), other.PublicKey) {
		t.Fatalf("url key mismatch")
	}
}

func TestNew_NoKeyFails(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestNew_URLRoundTripsIdentity(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	key, err := ParseURL(st.URL())
	if err != nil {
		t.Fatalf("ParseURL(%q) error = %v", st.URL(), err)
	}
	if !bytes.Equal(key, st.PublicKey()) {
		t.Fatalf("identity url does not round trip")
	}
}

func TestReady_ConcurrentCallersConverge(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.Ready(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Ready() caller %d error = %v", i, err)
		}
	}
	if st.session() == nil {
		t.Fatalf("expected a live session after Ready")
	}
	first := st.session()
	if err := st.Ready(ctx); err != nil {
		t.Fatalf("Ready() repeat error = %v", err)
	}
	if st.session() != first {
		t.Fatalf("repeat Ready created a second session")
	}
}

func TestReady_CreatesDefaultDrive(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	if err := st.Ready(context.Background()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	st.mu.RLock()
	driveCount := len(st.drives)
	st.mu.RUnlock()
	if driveCount != 1 {
		t.Fatalf("drive count after Ready = %d, want 1", driveCount)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	if err := st.Ready(context.Background()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestClose_WithoutReady(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	if err := st.Close(); err != nil {
		t.Fatalf("Close() before Ready error = %v", err)
	}
}

func TestClose_NotifiesSubscribersOnce(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	notified := 0
	st.OnClose(func() { notified++ })
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if notified != 1 {
		t.Fatalf("close notifications = %d, want 1", notified)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	ctx := context.Background()
	if err := st.Ready(ctx); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := st.Ready(ctx); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("Ready() after close = %v, want ErrAlreadyClosed", err)
	}
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if _, err := st.ConnectKey(ctx, other.PublicKey); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("ConnectKey() after close = %v, want ErrAlreadyClosed", err)
	}
	if _, err := st.Drive(ctx, DriveOptions{}); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("Drive() after close = %v, want ErrAlreadyClosed", err)
	}
	if _, err := st.Protocol(ProtocolDescriptor{Name: "chat", CreateChannel: discardChannel}); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("Protocol() after close = %v, want ErrAlreadyClosed", err)
	}
}

func TestRemoteIdentity_GatedOperations(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	st, err := New(Config{PublicKey: kp.PublicKey, DisableDHT: true, DisableMDNS: true})
	if err != nil {
		t.Fatalf("New(remote) error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	if err := st.Listen(ctx); !errors.Is(err, ErrRemoteIdentity) {
		t.Fatalf("Listen() on remote = %v, want ErrRemoteIdentity", err)
	}
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if _, err := st.ConnectKey(ctx, other.PublicKey); !errors.Is(err, ErrRemoteIdentity) {
		t.Fatalf("ConnectKey() on remote = %v, want ErrRemoteIdentity", err)
	}
	if _, err := st.Protocol(ProtocolDescriptor{Name: "chat", CreateChannel: discardChannel}); !errors.Is(err, ErrRemoteIdentity) {
		t.Fatalf("Protocol() on remote = %v, want ErrRemoteIdentity", err)
	}
	if err := st.SetProfile(ctx, map[string]any{"name": "x"}); !errors.Is(err, ErrRemoteIdentity) {
		t.Fatalf("SetProfile() on remote = %v, want ErrRemoteIdentity", err)
	}
}

func TestRemoteIdentity_ReadyStillSucceeds(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	st, err := New(Config{PublicKey: kp.PublicKey, DisableDHT: true, DisableMDNS: true})
	if err != nil {
		t.Fatalf("New(remote) error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.Ready(context.Background()); err != nil {
		t.Fatalf("Ready() on remote = %v, want success", err)
	}
	if st.session() == nil {
		t.Fatalf("remote identity should own an outbound session")
	}
}

func TestConnect_SelfFails(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	if _, err := st.ConnectKey(context.Background(), st.PublicKey()); !errors.Is(err, ErrSelfConnect) {
		t.Fatalf("ConnectKey(self) = %v, want ErrSelfConnect", err)
	}
}

func TestConnect_RejectsBadKeyLength(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	if _, err := st.ConnectKey(context.Background(), []byte{1, 2, 3}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("ConnectKey(short key) = %v, want ErrInvalidIdentity", err)
	}
}

func TestSymbolOf_WrappedErrors(t *testing.T) {
	t.Parallel()

	err := WrapError(ErrConnectTimeout, "dial %s", "peer")
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("wrapped error lost its symbol")
	}
	if SymbolOf(err) != ErrConnectTimeoutSymbol {
		t.Fatalf("SymbolOf() = %q, want %q", SymbolOf(err), ErrConnectTimeoutSymbol)
	}
	if SymbolOf(errors.New("plain")) != "" {
		t.Fatalf("foreign errors must have no symbol")
	}
}
