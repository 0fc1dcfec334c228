package wg

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/nyiyui/wgtree/abi"
)

// AllowedIP is an address range routed to a peer. Bits is not checked
// against the address family; the system does that.
type AllowedIP struct {
	Addr netip.Addr
	Bits uint8
}

func NewAllowedIP(addr netip.Addr, bits uint8) AllowedIP {
	return AllowedIP{Addr: addr, Bits: bits}
}

// ParseAllowedIP parses "addr/bits". The address is kept as written, not
// masked.
func ParseAllowedIP(s string) (AllowedIP, error) {
	addrS, bitsS, ok := strings.Cut(s, "/")
	if !ok {
		return AllowedIP{}, fmt.Errorf("allowed IP %q: missing prefix length", s)
	}
	addr, err := netip.ParseAddr(addrS)
	if err != nil {
		return AllowedIP{}, fmt.Errorf("allowed IP %q: %w", s, err)
	}
	bits, err := strconv.ParseUint(bitsS, 10, 8)
	if err != nil {
		return AllowedIP{}, fmt.Errorf("allowed IP %q: prefix length: %w", s, err)
	}
	return AllowedIP{Addr: addr, Bits: uint8(bits)}, nil
}

func (a AllowedIP) String() string {
	return a.Addr.String() + "/" + strconv.Itoa(int(a.Bits))
}

// Prefix returns a as a netip.Prefix. The result is invalid if Bits is too
// large for the address family.
func (a AllowedIP) Prefix() netip.Prefix {
	return netip.PrefixFrom(a.Addr, int(a.Bits))
}

func (a AllowedIP) Equal(o AllowedIP) bool { return a == o }

func (a AllowedIP) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AllowedIP) UnmarshalText(text []byte) error {
	a2, err := ParseAllowedIP(string(text))
	if err != nil {
		return err
	}
	*a = a2
	return nil
}

func (a AllowedIP) toABI() abi.AllowedIP {
	var r abi.AllowedIP
	abi.PutAddr(&r.Family, &r.Addr, a.Addr)
	r.Cidr = a.Bits
	return r
}

func allowedIPFromABI(r *abi.AllowedIP) AllowedIP {
	return AllowedIP{Addr: abi.Addr(r.Family, r.Addr), Bits: r.Cidr}
}
