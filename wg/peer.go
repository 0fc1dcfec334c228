package wg

import (
	"net/netip"
	"time"

	"github.com/nyiyui/wgtree/abi"
)

type Peer struct {
	// PublicKey is nil only for peers read from a system that did not report
	// one. Saving a peer without a public key is rejected by the system.
	PublicKey    *Key
	PresharedKey *Key

	// Endpoint is the zero AddrPort when the peer has no endpoint. An IPv6
	// zone is not saved.
	Endpoint netip.AddrPort

	// PersistentKeepalive is rounded down to whole seconds. 0 disables it.
	PersistentKeepalive time.Duration

	AllowedIPs []AllowedIP
}

func NewPeer(publicKey Key, endpoint netip.AddrPort) Peer {
	return Peer{PublicKey: &publicKey, Endpoint: endpoint}
}

func (p *Peer) SetEndpoint(endpoint netip.AddrPort) {
	p.Endpoint = endpoint
}

func (p *Peer) AddAllowedIP(a AllowedIP) {
	p.AllowedIPs = append(p.AllowedIPs, a)
}

// appendTo encodes p into a and returns the record. Its allowed IPs are
// appended to a's slab; the record itself is not.
func (p *Peer) appendTo(a *abi.Arena) abi.Peer {
	var r abi.Peer
	o := peerOptions{
		hasPublicKey:           p.PublicKey != nil,
		hasPresharedKey:        p.PresharedKey != nil,
		hasPersistentKeepalive: p.PersistentKeepalive > 0,
		replaceAllowedIPs:      true,
	}
	r.Flags = o.flags()
	if p.PublicKey != nil {
		r.PublicKey = *p.PublicKey
	}
	if p.PresharedKey != nil {
		r.PresharedKey = *p.PresharedKey
	}
	r.Endpoint.SetAddrPort(p.Endpoint)
	if o.hasPersistentKeepalive {
		r.PersistentKeepaliveInterval = keepaliveSeconds(p.PersistentKeepalive)
	}
	recs := make([]abi.AllowedIP, len(p.AllowedIPs))
	for i, ip := range p.AllowedIPs {
		recs[i] = ip.toABI()
	}
	r.FirstAllowedIP, r.LastAllowedIP = a.AppendAllowedIPs(recs...)
	return r
}

// Equal reports whether p and o are identical, allowed IP order included.
func (p Peer) Equal(o Peer) bool {
	if !keyPtrEqual(p.PublicKey, o.PublicKey) || !keyPtrEqual(p.PresharedKey, o.PresharedKey) ||
		p.Endpoint != o.Endpoint || p.PersistentKeepalive != o.PersistentKeepalive ||
		len(p.AllowedIPs) != len(o.AllowedIPs) {
		return false
	}
	for i := range p.AllowedIPs {
		if p.AllowedIPs[i] != o.AllowedIPs[i] {
			return false
		}
	}
	return true
}

func keepaliveSeconds(d time.Duration) uint16 {
	s := d / time.Second
	if s > 0xffff {
		return 0xffff
	}
	return uint16(s)
}

func peerFromABI(a *abi.Arena, r *abi.Peer) Peer {
	var p Peer
	o := peerOptionsFrom(r.Flags)
	if o.hasPublicKey {
		k := Key(r.PublicKey)
		p.PublicKey = &k
	}
	if o.hasPresharedKey {
		k := Key(r.PresharedKey)
		p.PresharedKey = &k
	}
	if ap, ok := r.Endpoint.AddrPort(); ok {
		p.Endpoint = ap
	}
	p.PersistentKeepalive = time.Duration(r.PersistentKeepaliveInterval) * time.Second
	for ip := range a.AllowedIPs(r) {
		p.AllowedIPs = append(p.AllowedIPs, allowedIPFromABI(ip))
	}
	return p
}
