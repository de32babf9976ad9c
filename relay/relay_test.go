package relay_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"

	"github.com/mailroom/mailroom/relay"
)

func TestNewRejectsSSLWithLMTP(t *testing.T) {
	if _, err := relay.New(relay.Config{SSL: true, LMTP: true}); !errors.Is(err, relay.ErrIncompatibleOptions) {
		t.Fatalf("New(SSL+LMTP) error = %v, want ErrIncompatibleOptions", err)
	}
}

func TestNewRejectsSSLWithStartTLS(t *testing.T) {
	if _, err := relay.New(relay.Config{SSL: true, StartTLS: true}); !errors.Is(err, relay.ErrIncompatibleOptions) {
		t.Fatalf("New(SSL+StartTLS) error = %v, want ErrIncompatibleOptions", err)
	}
}

func TestNewAcceptsPlainConfig(t *testing.T) {
	r, err := relay.New(relay.Config{Host: "127.0.0.1", Port: "2525", Resolver: &mockdns.Resolver{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.String() == "" {
		t.Error("String() should describe the relay destination")
	}
}

func TestDeliverRejectsMissingRecipient(t *testing.T) {
	r, err := relay.New(relay.Config{Host: "127.0.0.1", Resolver: &mockdns.Resolver{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("From: alice@example.com\r\nSubject: hi\r\n\r\nhello\r\n")
	if err := r.Deliver(context.Background(), data, "", ""); err == nil {
		t.Fatal("Deliver should fail when no recipient can be found anywhere")
	}
}

func TestDeliverFallsBackToHeadersWhenArgsEmpty(t *testing.T) {
	// No listener is running on this port, so the dial itself fails; this
	// test only asserts that host resolution + header fallback get far
	// enough to attempt a connection rather than bailing out early on a
	// missing recipient.
	r, err := relay.New(relay.Config{Host: "127.0.0.1", Port: "1", Resolver: &mockdns.Resolver{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("To: bob@example.com\r\nFrom: alice@example.com\r\nSubject: hi\r\n\r\nhello\r\n")
	err = r.Deliver(context.Background(), data, "", "")
	if err == nil {
		t.Fatal("Deliver should fail to connect to a closed port")
	}
	var netErr *net.OpError
	if !errors.As(err, &netErr) {
		t.Errorf("Deliver error = %v (%T), want a net.OpError from the failed dial", err, err)
	}
}

func TestDeliverRejectsPostmasterRecipient(t *testing.T) {
	// "postmaster" without a domain part is a valid forward-path per RFC
	// 5321, but relay has nowhere to resolve an MX/A record for it.
	r, err := relay.New(relay.Config{Port: "1", Resolver: &mockdns.Resolver{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("From: alice@example.com\r\nSubject: hi\r\n\r\nhello\r\n")
	if err := r.Deliver(context.Background(), data, "postmaster", ""); err == nil {
		t.Fatal("Deliver should fail to resolve a host for a bare postmaster recipient")
	}
}

func TestResolveHostFallsBackToARecordWhenNoMX(t *testing.T) {
	resolver := &mockdns.Resolver{
		Zones: map[string]mockdns.Zone{
			"example.net.": {A: []string{"203.0.113.10"}},
		},
	}

	var dialed string
	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialed = addr
		return nil, errors.New("test dialer refuses every connection")
	}
	r, err := relay.New(relay.Config{Port: "1", Resolver: resolver, Dialer: dialer})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data := []byte("To: bob@example.net\r\nFrom: alice@example.com\r\nSubject: hi\r\n\r\nhello\r\n")
	if err := r.Deliver(context.Background(), data, "", ""); err == nil {
		t.Fatal("Deliver should fail once the test dialer refuses the connection")
	}
	if dialed != "example.net:1" {
		t.Errorf("dialed %q, want %q (the bare domain, found via its A record)", dialed, "example.net:1")
	}
}
