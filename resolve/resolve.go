// Package resolve turns peer endpoints written as host:port into addresses.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

var ErrNoAddress = errors.New("no address found")

// Resolver looks up endpoint hosts over DNS. It asks for A records first and
// falls back to AAAA.
type Resolver struct {
	server string
	client *dns.Client
}

// New returns a Resolver that queries server (host:port) over UDP.
func New(server string) *Resolver {
	return &Resolver{server: server, client: new(dns.Client)}
}

// FromResolvConf returns a Resolver using the first nameserver in the
// resolv.conf at path.
func FromResolvConf(path string) (*Resolver, error) {
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(cc.Servers) == 0 {
		return nil, fmt.Errorf("%s: no nameservers", path)
	}
	return New(net.JoinHostPort(cc.Servers[0], cc.Port)), nil
}

// Endpoint resolves hostport. A literal address is returned without a query.
func (r *Resolver) Endpoint(ctx context.Context, hostport string) (netip.AddrPort, error) {
	host, portS, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portS, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("port %q: %w", portS, err)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
	}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addr, err := r.lookup(ctx, host, qtype)
		if errors.Is(err, ErrNoAddress) {
			continue
		}
		if err != nil {
			return netip.AddrPort{}, err
		}
		return netip.AddrPortFrom(addr, uint16(port)), nil
	}
	return netip.AddrPort{}, fmt.Errorf("resolving %s: %w", host, ErrNoAddress)
}

func (r *Resolver) lookup(ctx context.Context, host string, qtype uint16) (netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true
	zap.S().Debugf("resolving %s (%s) via %s.", host, dns.TypeToString[qtype], r.server)
	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolving %s: %w", host, err)
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return netip.Addr{}, fmt.Errorf("resolving %s: %w", host, ErrNoAddress)
	default:
		return netip.Addr{}, fmt.Errorf("resolving %s: %s", host, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		var ip net.IP
		switch rr := rr.(type) {
		case *dns.A:
			ip = rr.A
		case *dns.AAAA:
			ip = rr.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, ErrNoAddress
}
