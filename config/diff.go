package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nyiyui/wgtree/wg"
)

type ChangeOp int

const (
	ChangeOpNoChange ChangeOp = iota
	ChangeOpAdd
	ChangeOpRemove
)

type Change[T any] struct {
	Op    ChangeOp
	Value T
}

type PeerDiff struct {
	PublicKey                  wg.Key
	PresharedKeyChanged        bool
	EndpointChanged            bool
	PersistentKeepaliveChanged bool
	AllowedIPsChanged          []Change[wg.AllowedIP]
	AllowedIPsNoChange         bool
}

func (pd PeerDiff) empty() bool {
	return !pd.PresharedKeyChanged && !pd.EndpointChanged && !pd.PersistentKeepaliveChanged && pd.AllowedIPsNoChange
}

type DeviceDiff struct {
	Name                string
	PrivateKeyChanged   bool
	ListenPortChanged   bool
	FirewallMarkChanged bool
	PeersAdded          []wg.Key
	PeersRemoved        []wg.Key
	PeersChanged        []PeerDiff
}

// Empty reports whether applying the diff would change nothing.
func (dd DeviceDiff) Empty() bool {
	return !dd.PrivateKeyChanged && !dd.ListenPortChanged && !dd.FirewallMarkChanged &&
		len(dd.PeersAdded) == 0 && len(dd.PeersRemoved) == 0 && len(dd.PeersChanged) == 0
}

// String lists the changes, one line each.
func (dd DeviceDiff) String() string {
	var b strings.Builder
	if dd.PrivateKeyChanged {
		fmt.Fprintf(&b, "%s: private key changed\n", dd.Name)
	}
	if dd.ListenPortChanged {
		fmt.Fprintf(&b, "%s: listen port changed\n", dd.Name)
	}
	if dd.FirewallMarkChanged {
		fmt.Fprintf(&b, "%s: firewall mark changed\n", dd.Name)
	}
	for _, k := range dd.PeersRemoved {
		fmt.Fprintf(&b, "%s: - peer %s\n", dd.Name, k)
	}
	for _, k := range dd.PeersAdded {
		fmt.Fprintf(&b, "%s: + peer %s\n", dd.Name, k)
	}
	for _, pd := range dd.PeersChanged {
		var what []string
		if pd.PresharedKeyChanged {
			what = append(what, "preshared key")
		}
		if pd.EndpointChanged {
			what = append(what, "endpoint")
		}
		if pd.PersistentKeepaliveChanged {
			what = append(what, "persistent keepalive")
		}
		for _, c := range pd.AllowedIPsChanged {
			switch c.Op {
			case ChangeOpAdd:
				what = append(what, "+"+c.Value.String())
			case ChangeOpRemove:
				what = append(what, "-"+c.Value.String())
			}
		}
		fmt.Fprintf(&b, "%s: ~ peer %s: %s\n", dd.Name, pd.PublicKey, strings.Join(what, " "))
	}
	return b.String()
}

// Diff returns the changes from a to b. Peers are matched by public key and
// the order of peers and allowed IPs is ignored. Allowed IPs are compared
// and reported masked.
func Diff(a, b Device) DeviceDiff {
	dd := DeviceDiff{
		Name:                b.Name,
		PrivateKeyChanged:   !keyPtrEqual(a.PrivateKey, b.PrivateKey),
		ListenPortChanged:   !portPtrEqual(a.ListenPort, b.ListenPort),
		FirewallMarkChanged: a.FirewallMark != b.FirewallMark,
	}
	for _, pa := range a.Peers {
		if !slices.ContainsFunc(b.Peers, func(pb Peer) bool { return pb.PublicKey == pa.PublicKey }) {
			dd.PeersRemoved = append(dd.PeersRemoved, pa.PublicKey)
		}
	}
	for i := range b.Peers {
		pb := &b.Peers[i]
		j := slices.IndexFunc(a.Peers, func(pa Peer) bool { return pa.PublicKey == pb.PublicKey })
		if j < 0 {
			dd.PeersAdded = append(dd.PeersAdded, pb.PublicKey)
			continue
		}
		if pd := DiffPeer(&a.Peers[j], pb); !pd.empty() {
			dd.PeersChanged = append(dd.PeersChanged, pd)
		}
	}
	return dd
}

func DiffPeer(a, b *Peer) PeerDiff {
	pd := PeerDiff{
		PublicKey:                  b.PublicKey,
		PresharedKeyChanged:        !keyPtrEqual(a.PresharedKey, b.PresharedKey),
		EndpointChanged:            a.Endpoint != b.Endpoint,
		PersistentKeepaliveChanged: a.PersistentKeepalive != b.PersistentKeepalive,
		AllowedIPsNoChange:         true,
	}
	aIPs, bIPs := masked(a.AllowedIPs), masked(b.AllowedIPs)
	for _, ip := range aIPs {
		op := ChangeOpNoChange
		if !slices.Contains(bIPs, ip) {
			op = ChangeOpRemove
			pd.AllowedIPsNoChange = false
		}
		pd.AllowedIPsChanged = append(pd.AllowedIPsChanged, Change[wg.AllowedIP]{op, ip})
	}
	for _, ip := range setDifference(bIPs, aIPs) {
		pd.AllowedIPsChanged = append(pd.AllowedIPsChanged, Change[wg.AllowedIP]{ChangeOpAdd, ip})
		pd.AllowedIPsNoChange = false
	}
	return pd
}

// masked returns ips with host bits cleared, as systems report them. Entries
// whose prefix length does not fit the address are kept as is.
func masked(ips []wg.AllowedIP) []wg.AllowedIP {
	if ips == nil {
		return nil
	}
	r := make([]wg.AllowedIP, len(ips))
	for i, ip := range ips {
		r[i] = ip
		if p := ip.Prefix(); p.IsValid() {
			r[i].Addr = p.Masked().Addr()
		}
	}
	return r
}

// setDifference returns the elements of a not in b, in a's order.
func setDifference[T comparable](a, b []T) []T {
	var s []T
	for _, v := range a {
		if !slices.Contains(b, v) {
			s = append(s, v)
		}
	}
	return s
}

func keyPtrEqual(a, b *wg.Key) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func portPtrEqual(a, b *uint16) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
