// Package resolver performs the one-shot forward lookups used when a redirection rule is
// activated. Lookups fail fast and are never retried.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// ErrNoAddress is returned when a lookup succeeds but yields no address
var ErrNoAddress = errors.New("no address found for host")

// System resolves through the operating system resolver.
type System struct {
	resolver *net.Resolver
}

// NewSystem returns a System resolver backed by net.DefaultResolver.
func NewSystem() *System {
	return &System{resolver: net.DefaultResolver}
}

// LookupHost returns the addresses of host. IP literals resolve to themselves.
func (s *System) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}
	addrs, err := s.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s : %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolving %s : %w", host, ErrNoAddress)
	}
	return addrs, nil
}

func (s *System) String() string {
	return "system resolver"
}

// Upstream resolves by querying a single DNS server for A and AAAA records.
type Upstream struct {
	client *dns.Client
	server string
}

// NewUpstream returns a resolver that queries server (host:port). A zero timeout keeps
// the miekg/dns default.
func NewUpstream(server string, timeout time.Duration) *Upstream {
	client := &dns.Client{}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &Upstream{
		client: client,
		server: server,
	}
}

// LookupHost returns the A and AAAA addresses of host. IP literals resolve to themselves.
func (u *Upstream) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}

	var addrs []string
	var errs []error
	for _, qType := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := u.lookupType(ctx, host, qType)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addrs = append(addrs, found...)
	}

	if len(addrs) == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("resolving %s : %w", host, errors.Join(errs...))
		}
		return nil, fmt.Errorf("resolving %s : %w", host, ErrNoAddress)
	}
	return addrs, nil
}

func (u *Upstream) lookupType(ctx context.Context, host string, qType uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qType)

	res, _, err := u.client.ExchangeContext(ctx, msg, u.server)
	if err != nil {
		return nil, fmt.Errorf("exchanging %s query : %w", dns.TypeToString[qType], err)
	}
	if res.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s query returned %s", dns.TypeToString[qType], dns.RcodeToString[res.Rcode])
	}

	var addrs []string
	for _, rr := range res.Answer {
		switch record := rr.(type) {
		case *dns.A:
			addrs = append(addrs, record.A.String())
		case *dns.AAAA:
			addrs = append(addrs, record.AAAA.String())
		}
	}
	return addrs, nil
}

func (u *Upstream) String() string {
	return fmt.Sprintf("upstream resolver(%s)", u.server)
}
