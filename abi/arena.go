package abi

import (
	"fmt"
	"iter"
)

// Arena owns every record one device tree links into: the device record, a
// contiguous slab of peers and a contiguous slab of allowed IPs. Links in the
// device and peer records index into PeerBuf, links in peer and allowed IP
// records index into AllowedIPBuf.
//
// An Arena handed to an external call must not be modified until the call
// returns, and must not be handed to a second call.
type Arena struct {
	Device       Device
	PeerBuf      []Peer
	AllowedIPBuf []AllowedIP
}

// AppendAllowedIPs appends recs to the allowed IP slab as one contiguous run,
// links each record to the next, and returns the first and last links of the
// run. The last record's Next is Nil. An empty recs appends nothing and
// returns Nil, Nil.
func (a *Arena) AppendAllowedIPs(recs ...AllowedIP) (first, last Link) {
	if len(recs) == 0 {
		return Nil, Nil
	}
	base := len(a.AllowedIPBuf)
	a.AllowedIPBuf = append(a.AllowedIPBuf, recs...)
	for i := base; i < len(a.AllowedIPBuf); i++ {
		if i+1 < len(a.AllowedIPBuf) {
			a.AllowedIPBuf[i].Next = LinkTo(i + 1)
		} else {
			a.AllowedIPBuf[i].Next = Nil
		}
	}
	return LinkTo(base), LinkTo(len(a.AllowedIPBuf) - 1)
}

// AppendPeers is AppendAllowedIPs for the peer slab.
func (a *Arena) AppendPeers(recs ...Peer) (first, last Link) {
	if len(recs) == 0 {
		return Nil, Nil
	}
	base := len(a.PeerBuf)
	a.PeerBuf = append(a.PeerBuf, recs...)
	for i := base; i < len(a.PeerBuf); i++ {
		if i+1 < len(a.PeerBuf) {
			a.PeerBuf[i].Next = LinkTo(i + 1)
		} else {
			a.PeerBuf[i].Next = Nil
		}
	}
	return LinkTo(base), LinkTo(len(a.PeerBuf) - 1)
}

// Peers walks the peer list from Device.FirstPeer. The walk panics on a link
// outside PeerBuf or on a cycle.
func (a *Arena) Peers() iter.Seq[*Peer] {
	return func(yield func(*Peer) bool) {
		l := a.Device.FirstPeer
		for steps := 0; l != Nil; steps++ {
			if steps >= len(a.PeerBuf) {
				panic("abi: peer list is longer than its slab (cycle?)")
			}
			p := &a.PeerBuf[mustIndex(l, len(a.PeerBuf), "peer")]
			if !yield(p) {
				return
			}
			l = p.Next
		}
	}
}

// AllowedIPs walks the allowed IP list of p. The walk panics on a link
// outside AllowedIPBuf or on a cycle.
func (a *Arena) AllowedIPs(p *Peer) iter.Seq[*AllowedIP] {
	return func(yield func(*AllowedIP) bool) {
		l := p.FirstAllowedIP
		for steps := 0; l != Nil; steps++ {
			if steps >= len(a.AllowedIPBuf) {
				panic("abi: allowed IP list is longer than its slab (cycle?)")
			}
			ip := &a.AllowedIPBuf[mustIndex(l, len(a.AllowedIPBuf), "allowed IP")]
			if !yield(ip) {
				return
			}
			l = ip.Next
		}
	}
}

func mustIndex(l Link, n int, what string) int {
	i, _ := l.Index()
	if i >= n {
		panic(fmt.Sprintf("abi: %s link %d out of range (slab has %d)", what, l, n))
	}
	return i
}
