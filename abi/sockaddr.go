package abi

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// SizeofSockaddr is the size of the endpoint union, which is as large as
// struct sockaddr_in6.
const SizeofSockaddr = 28

// Sockaddr is the union { struct sockaddr; struct sockaddr_in; struct sockaddr_in6; }
// of wg_peer.endpoint, kept as raw bytes.
//
// Layout (linux):
//
//	sockaddr_in:  family[0:2] port[2:4] addr[4:8] zero[8:16]
//	sockaddr_in6: family[0:2] port[2:4] flowinfo[4:8] addr[8:24] scope_id[24:28]
//
// The family is in host order; port and flowinfo are in network order.
type Sockaddr [SizeofSockaddr]byte

// Family returns sa_family.
func (s *Sockaddr) Family() uint16 {
	return binary.NativeEndian.Uint16(s[0:2])
}

// SetAddrPort encodes ap. An invalid ap leaves the union zeroed, which reads
// back as no endpoint. An IPv6 zone is dropped: sin6_scope_id is always
// written as 0, so a link-local endpoint reads back without its interface.
func (s *Sockaddr) SetAddrPort(ap netip.AddrPort) {
	*s = Sockaddr{}
	if !ap.IsValid() {
		return
	}
	addr := ap.Addr()
	binary.BigEndian.PutUint16(s[2:4], ap.Port())
	if addr.Is4() {
		binary.NativeEndian.PutUint16(s[0:2], AFInet)
		a4 := addr.As4()
		copy(s[4:8], a4[:])
		return
	}
	binary.NativeEndian.PutUint16(s[0:2], AFInet6)
	a16 := addr.As16()
	copy(s[8:24], a16[:])
}

// AddrPort decodes the union. A zero family means no endpoint is set.
// Any family other than AF_INET, AF_INET6 or zero means the record is
// corrupt, and AddrPort panics.
func (s *Sockaddr) AddrPort() (netip.AddrPort, bool) {
	port := binary.BigEndian.Uint16(s[2:4])
	switch f := s.Family(); f {
	case AFUnspec:
		return netip.AddrPort{}, false
	case AFInet:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(s[4:8])), port), true
	case AFInet6:
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(s[8:24])), port), true
	default:
		panic(fmt.Sprintf("abi: unknown endpoint address family %d", f))
	}
}

// PutAddr writes addr into the family tag and address union of a
// wg_allowedip. An invalid addr is written as AF_UNSPEC with a zero union.
func PutAddr(family *uint16, buf *[16]byte, addr netip.Addr) {
	*buf = [16]byte{}
	switch {
	case !addr.IsValid():
		*family = AFUnspec
	case addr.Is4():
		*family = AFInet
		a4 := addr.As4()
		copy(buf[:4], a4[:])
	default:
		*family = AFInet6
		*buf = addr.As16()
	}
}

// Addr reads the address union of a wg_allowedip. It panics on any family
// other than AF_INET or AF_INET6.
func Addr(family uint16, buf [16]byte) netip.Addr {
	switch family {
	case AFInet:
		return netip.AddrFrom4([4]byte(buf[:4]))
	case AFInet6:
		return netip.AddrFrom16(buf)
	default:
		panic(fmt.Sprintf("abi: unknown allowed IP address family %d", family))
	}
}
