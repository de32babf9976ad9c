// Package relay delivers outbound mail to a configured smart host or,
// lacking one, to whatever the recipient domain's MX (or bare A/AAAA)
// records resolve to.
//
// Grounded on salmon's server.py Relay class: same constructor-time check
// that ssl excludes both starttls and lmtp, the same host-resolution
// order (configured host, else MX, else A/AAAA), and the same
// explicit-argument-beats-header precedence for the recipient and sender
// addresses.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mailroom/mailroom/encoding"
	"github.com/mailroom/mailroom/framework/address"
	"github.com/mailroom/mailroom/internal/metrics"
	"github.com/mailroom/mailroom/message"
)

// ErrIncompatibleOptions is returned by New when SSL is combined with
// StartTLS or LMTP.
var ErrIncompatibleOptions = errors.New("relay: ssl cannot be combined with starttls or lmtp")

// Config configures a Relay.
type Config struct {
	// Host is the smart host to deliver to. If empty, the recipient
	// domain's MX (falling back to A/AAAA) is resolved per delivery.
	Host string
	// Port defaults to "25".
	Port string

	SSL      bool
	StartTLS bool
	LMTP     bool

	Username string
	Password string

	Hostname  string // sent in EHLO/LHLO; defaults to "localhost.localdomain"
	TLSConfig *tls.Config

	Resolver Resolver
	Dialer   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Relay delivers messages to a single configured destination.
type Relay struct {
	cfg Config
}

// New validates cfg and returns a Relay. SSL cannot be combined with
// StartTLS or LMTP, mirroring smtplib's inability to do LMTP-over-SSL or
// STARTTLS-over-an-already-implicit-TLS-connection.
func New(cfg Config) (*Relay, error) {
	if cfg.SSL && cfg.LMTP {
		return nil, fmt.Errorf("%w: LMTP over SSL is not supported", ErrIncompatibleOptions)
	}
	if cfg.SSL && cfg.StartTLS {
		return nil, fmt.Errorf("%w: SSL already implies an encrypted channel", ErrIncompatibleOptions)
	}

	if cfg.Port == "" {
		cfg.Port = "25"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost.localdomain"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = (&net.Dialer{}).DialContext
	}
	if cfg.Resolver == nil {
		r, err := NewResolver()
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
		cfg.Resolver = r
	}

	return &Relay{cfg: cfg}, nil
}

// String identifies the relay's destination for logging, mirroring
// salmon's Relay.__repr__.
func (r *Relay) String() string {
	host := r.cfg.Host
	if host == "" {
		host = "<MX>"
	}
	return fmt.Sprintf("<Relay to (%s:%s)>", host, r.cfg.Port)
}

// Deliver sends data (a fully formed RFC 5322 message) to to, from the
// given sender. Either may be left empty, in which case Deliver falls back
// to the corresponding header parsed out of data. Any socket- or
// protocol-level failure is returned unchanged; Deliver never swallows a
// delivery error.
func (r *Relay) Deliver(ctx context.Context, data []byte, to, from string) (err error) {
	defer func() {
		outcome := "delivered"
		if err != nil {
			outcome = "failed"
		}
		metrics.RelayDeliveries.WithLabelValues(outcome).Inc()
	}()

	if to == "" || from == "" {
		if base, err := encoding.Parse(data); err == nil {
			if to == "" {
				to, _ = base.Get("To")
			}
			if from == "" {
				from, _ = base.Get("From")
			}
		}
	}
	if to == "" {
		return errors.New("relay: no recipient address (not given, and none found in the To header)")
	}

	host, err := r.resolveHost(ctx, to)
	if err != nil {
		return err
	}

	client, err := r.connect(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()

	if r.cfg.Username != "" && r.cfg.Password != "" {
		if err := client.Auth(sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)); err != nil {
			return fmt.Errorf("relay: AUTH failed: %w", err)
		}
	}

	if err := client.Mail(from, &smtp.MailOptions{}); err != nil {
		return err
	}

	if r.cfg.LMTP {
		return r.sendLMTP(client, to, data)
	}
	return r.sendSMTP(client, to, data)
}

func (r *Relay) sendSMTP(client *smtp.Client, to string, data []byte) error {
	if err := client.Rcpt(to); err != nil {
		return err
	}
	wc, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// singleStatus collects the one per-recipient status LMTPData reports for
// a single-recipient delivery.
type singleStatus struct {
	to  string
	err *smtp.SMTPError
}

func (s *singleStatus) SetStatus(rcptTo string, err *smtp.SMTPError) {
	if rcptTo == s.to {
		s.err = err
	}
}

func (r *Relay) sendLMTP(client *smtp.Client, to string, data []byte) error {
	if err := client.Rcpt(to); err != nil {
		return err
	}
	status := &singleStatus{to: to}
	wc, err := client.LMTPData(status.SetStatus)
	if err != nil {
		return err
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	if status.err != nil {
		return status.err
	}
	return client.Quit()
}

func (r *Relay) resolveHost(ctx context.Context, to string) (string, error) {
	if r.cfg.Host != "" {
		return r.cfg.Host, nil
	}

	_, domain, err := address.Split(to)
	if err != nil {
		return "", fmt.Errorf("relay: recipient %q: %w", to, err)
	}
	if domain == "" {
		return "", fmt.Errorf("relay: recipient %q has no domain part", to)
	}

	mxs, err := r.cfg.Resolver.LookupMX(ctx, domain)
	if err == nil && len(mxs) > 0 {
		sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
		return strings.TrimSuffix(mxs[0].Host, "."), nil
	}

	// RFC 5321 5.1: no MX means the domain itself is the implicit MX,
	// provided it resolves to an address.
	if _, err := r.cfg.Resolver.LookupHost(ctx, domain); err != nil {
		return "", fmt.Errorf("relay: no MX and no address for %q: %w", domain, err)
	}
	return domain, nil
}

func (r *Relay) connect(ctx context.Context, host string) (*smtp.Client, error) {
	conn, err := r.cfg.Dialer(ctx, "tcp", net.JoinHostPort(host, r.cfg.Port))
	if err != nil {
		return nil, err
	}

	if r.cfg.SSL {
		cfg := r.tlsConfig(host)
		conn = tls.Client(conn, cfg)
	}

	var client *smtp.Client
	if r.cfg.LMTP {
		client, err = smtp.NewClientLMTP(conn, host)
	} else {
		client, err = smtp.NewClient(conn, host)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := client.Hello(r.cfg.Hostname); err != nil {
		client.Close()
		return nil, err
	}

	if r.cfg.StartTLS && !r.cfg.SSL {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(r.tlsConfig(host)); err != nil {
				client.Close()
				return nil, err
			}
		}
	}

	return client, nil
}

func (r *Relay) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if r.cfg.TLSConfig != nil {
		cfg = r.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = host
	return cfg
}

// Send builds a response message and delivers it, equivalent to salmon's
// Relay.send.
func (r *Relay) Send(ctx context.Context, to, from, subject, body string) error {
	resp := message.NewResponse(to, from, subject, body)
	data, err := resp.Serialize()
	if err != nil {
		return fmt.Errorf("relay: could not serialize message: %w", err)
	}
	return r.Deliver(ctx, data, to, from)
}

// Reply sends a response to the sender of original, with From and To
// reversed, equivalent to salmon's Relay.reply.
func (r *Relay) Reply(ctx context.Context, original *message.MailRequest, from, subject, body string) error {
	return r.Send(ctx, original.From, from, subject, body)
}
