package relay

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver is the subset of DNS lookups the relay needs to turn a recipient
// domain into a connectable host. It is intentionally narrow so that
// *mockdns.Resolver (used in tests) satisfies it without any adapter.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
}

// dnsResolver answers Resolver using github.com/miekg/dns directly against
// the servers in /etc/resolv.conf, rather than net.DefaultResolver's cgo/pure-Go
// resolver, so that MX preference ordering and the raw RR set are available
// without re-deriving them from net.LookupMX's already-sorted answer.
type dnsResolver struct {
	cl  *dns.Client
	cfg *dns.ClientConfig
}

// NewResolver builds a Resolver backed by the system's configured
// nameservers.
func NewResolver() (Resolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1"}
	}

	return &dnsResolver{
		cl:  &dns.Client{Timeout: 10 * time.Second},
		cfg: cfg,
	}, nil
}

func (r *dnsResolver) exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	var (
		resp    *dns.Msg
		lastErr error
	)
	for _, srv := range r.cfg.Servers {
		resp, _, lastErr = r.cl.ExchangeContext(ctx, q, net.JoinHostPort(srv, r.cfg.Port))
		if lastErr != nil {
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = &net.DNSError{Err: dns.RcodeToString[resp.Rcode], Name: q.Question[0].Name}
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (r *dnsResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeMX)

	resp, err := r.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	mxs := make([]*net.MX, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		mxs = append(mxs, &net.MX{Host: mx.Mx, Pref: mx.Preference})
	}
	return mxs, nil
}

func (r *dnsResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	addrs := make([]string, 0, 2)

	aMsg := new(dns.Msg)
	aMsg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	if resp, err := r.exchange(ctx, aMsg); err == nil {
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				addrs = append(addrs, a.A.String())
			}
		}
	}

	aaaaMsg := new(dns.Msg)
	aaaaMsg.SetQuestion(dns.Fqdn(host), dns.TypeAAAA)
	if resp, err := r.exchange(ctx, aaaaMsg); err == nil {
		for _, rr := range resp.Answer {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				addrs = append(addrs, aaaa.AAAA.String())
			}
		}
	}

	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}
