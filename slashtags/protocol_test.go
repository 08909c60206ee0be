package slashtags

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
)

type nopChannel struct{}

func (nopChannel) Close() error { return nil }

func discardChannel(stream network.Stream, _ PeerInfo) (io.Closer, error) {
	return nopChannel{}, nil
}

func TestProtocol_SingletonPerName(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	first, err := st.Protocol(ProtocolDescriptor{Name: "chat", CreateChannel: discardChannel})
	if err != nil {
		t.Fatalf("Protocol() error = %v", err)
	}
	second, err := st.Protocol(ProtocolDescriptor{Name: "chat", CreateChannel: discardChannel})
	if err != nil {
		t.Fatalf("Protocol() repeat error = %v", err)
	}
	if first != second {
		t.Fatalf("expected cached singleton per protocol name")
	}
	if first.Name() != "chat" {
		t.Fatalf("Name() = %q, want %q", first.Name(), "chat")
	}
}

func TestProtocol_DistinctNames(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	chat, err := st.Protocol(ProtocolDescriptor{Name: "chat", CreateChannel: discardChannel})
	if err != nil {
		t.Fatalf("Protocol(chat) error = %v", err)
	}
	feed, err := st.Protocol(ProtocolDescriptor{Name: "feed", CreateChannel: discardChannel})
	if err != nil {
		t.Fatalf("Protocol(feed) error = %v", err)
	}
	if chat == feed {
		t.Fatalf("distinct names must yield distinct instances")
	}
	if chat.ID() == feed.ID() {
		t.Fatalf("distinct names must yield distinct stream ids")
	}
}

func TestProtocol_RejectsMissingNameOrFactory(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	if _, err := st.Protocol(ProtocolDescriptor{CreateChannel: discardChannel}); err == nil {
		t.Fatalf("expected error for missing name")
	}
	if _, err := st.Protocol(ProtocolDescriptor{Name: "chat"}); err == nil {
		t.Fatalf("expected error for missing channel factory")
	}
}

func TestProtocol_RegistrationBeforeReady(t *testing.T) {
	t.Parallel()

	st := newTestSlashtag(t)
	if _, err := st.Protocol(ProtocolDescriptor{Name: "early", CreateChannel: discardChannel}); err != nil {
		t.Fatalf("Protocol() before Ready error = %v", err)
	}
	if err := st.Ready(context.Background()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if _, err := st.Protocol(ProtocolDescriptor{Name: "late", CreateChannel: discardChannel}); err != nil {
		t.Fatalf("Protocol() after Ready error = %v", err)
	}
}

func TestWrapError_NilBase(t *testing.T) {
	t.Parallel()

	err := WrapError(nil, "plain %d", 7)
	if err == nil {
		t.Fatalf("expected an error")
	}
	var symErr *Error
	if errors.As(err, &symErr) {
		t.Fatalf("nil base must not invent a symbol")
	}
}
