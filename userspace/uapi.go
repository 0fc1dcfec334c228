package userspace

import (
	"bufio"
	"cmp"
	"encoding/hex"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/nyiyui/wgtree/abi"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// renderSet renders a as the body of a UAPI set operation.
func renderSet(a *abi.Arena) (string, error) {
	var b strings.Builder
	f := a.Device.Flags
	if f&abi.DeviceHasPrivateKey != 0 {
		fmt.Fprintf(&b, "private_key=%x\n", a.Device.PrivateKey[:])
	}
	if f&abi.DeviceHasListenPort != 0 {
		fmt.Fprintf(&b, "listen_port=%d\n", a.Device.ListenPort)
	}
	if f&abi.DeviceHasFwmark != 0 {
		fmt.Fprintf(&b, "fwmark=%d\n", a.Device.Fwmark)
	}
	if f&abi.DeviceReplacePeers != 0 {
		b.WriteString("replace_peers=true\n")
	}
	for p := range a.Peers() {
		if p.Flags&abi.PeerHasPublicKey == 0 {
			return "", fmt.Errorf("peer without public key: %w", unix.EINVAL)
		}
		fmt.Fprintf(&b, "public_key=%x\n", p.PublicKey[:])
		if p.Flags&abi.PeerRemoveMe != 0 {
			b.WriteString("remove=true\n")
			continue
		}
		if p.Flags&abi.PeerHasPresharedKey != 0 {
			fmt.Fprintf(&b, "preshared_key=%x\n", p.PresharedKey[:])
		}
		switch p.Endpoint.Family() {
		case abi.AFUnspec:
		case abi.AFInet, abi.AFInet6:
			ap, _ := p.Endpoint.AddrPort()
			fmt.Fprintf(&b, "endpoint=%s\n", ap)
		default:
			return "", fmt.Errorf("endpoint family %d: %w", p.Endpoint.Family(), unix.EINVAL)
		}
		if p.Flags&abi.PeerHasPersistentKeepaliveInterval != 0 {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", p.PersistentKeepaliveInterval)
		}
		if p.Flags&abi.PeerReplaceAllowedIPs != 0 {
			b.WriteString("replace_allowed_ips=true\n")
		}
		for ip := range a.AllowedIPs(p) {
			if ip.Family != abi.AFInet && ip.Family != abi.AFInet6 {
				return "", fmt.Errorf("allowed IP family %d: %w", ip.Family, unix.EINVAL)
			}
			fmt.Fprintf(&b, "allowed_ip=%s/%d\n", abi.Addr(ip.Family, ip.Addr), ip.Cidr)
		}
	}
	return b.String(), nil
}

// parseGet parses the output of a UAPI get operation into an arena named
// name. Flags are set the way the kernel reports them.
func parseGet(name, s string) (*abi.Arena, error) {
	a := new(abi.Arena)
	a.Device.SetName(name)
	var peers []abi.Peer
	var ips [][]abi.AllowedIP
	var zero [abi.KeyLen]byte

	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %q: missing =", line)
		}
		if key == "public_key" {
			k, err := parseHexKey(value)
			if err != nil {
				return nil, err
			}
			peers = append(peers, abi.Peer{Flags: abi.PeerHasPublicKey, PublicKey: k})
			ips = append(ips, nil)
			continue
		}
		if len(peers) == 0 {
			if err := parseDeviceLine(&a.Device, key, value); err != nil {
				return nil, err
			}
			continue
		}
		p := &peers[len(peers)-1]
		if key == "allowed_ip" {
			prefix, err := netip.ParsePrefix(value)
			if err != nil {
				return nil, fmt.Errorf("allowed_ip: %w", err)
			}
			var r abi.AllowedIP
			abi.PutAddr(&r.Family, &r.Addr, prefix.Addr())
			r.Cidr = uint8(prefix.Bits())
			ips[len(ips)-1] = append(ips[len(ips)-1], r)
			continue
		}
		if err := parsePeerLine(p, key, value); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if a.Device.PrivateKey != zero {
		a.Device.Flags |= abi.DeviceHasPrivateKey | abi.DeviceHasPublicKey
		a.Device.PublicKey = wgtypes.Key(a.Device.PrivateKey).PublicKey()
	}
	for i := range peers {
		if peers[i].PresharedKey != zero {
			peers[i].Flags |= abi.PeerHasPresharedKey
		}
		if peers[i].PersistentKeepaliveInterval != 0 {
			peers[i].Flags |= abi.PeerHasPersistentKeepaliveInterval
		}
		peers[i].FirstAllowedIP, peers[i].LastAllowedIP = a.AppendAllowedIPs(ips[i]...)
	}
	a.Device.FirstPeer, a.Device.LastPeer = a.AppendPeers(peers...)
	return a, nil
}

func parseDeviceLine(d *abi.Device, key, value string) error {
	switch key {
	case "private_key":
		k, err := parseHexKey(value)
		if err != nil {
			return err
		}
		d.PrivateKey = k
	case "listen_port":
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("listen_port: %w", err)
		}
		d.ListenPort = uint16(port)
		if port != 0 {
			d.Flags |= abi.DeviceHasListenPort
		}
	case "fwmark":
		mark, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("fwmark: %w", err)
		}
		d.Fwmark = uint32(mark)
		if mark != 0 {
			d.Flags |= abi.DeviceHasFwmark
		}
	}
	return nil
}

func parsePeerLine(p *abi.Peer, key, value string) error {
	var err error
	switch key {
	case "preshared_key":
		p.PresharedKey, err = parseHexKey(value)
	case "endpoint":
		var ap netip.AddrPort
		ap, err = netip.ParseAddrPort(value)
		if err == nil {
			p.Endpoint.SetAddrPort(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
		}
	case "persistent_keepalive_interval":
		var v uint64
		v, err = strconv.ParseUint(value, 10, 16)
		p.PersistentKeepaliveInterval = uint16(v)
	case "last_handshake_time_sec":
		p.LastHandshakeTime.Sec, err = strconv.ParseInt(value, 10, 64)
	case "last_handshake_time_nsec":
		p.LastHandshakeTime.Nsec, err = strconv.ParseInt(value, 10, 64)
	case "rx_bytes":
		p.RxBytes, err = strconv.ParseUint(value, 10, 64)
	case "tx_bytes":
		p.TxBytes, err = strconv.ParseUint(value, 10, 64)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func parseHexKey(s string) ([abi.KeyLen]byte, error) {
	var k [abi.KeyLen]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("key: %w", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("key length must be %d but was %d", len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}

// order remembers the order peers and their allowed IPs were last
// configured in. wireguard-go reports peers in map order and allowed IPs in
// trie order.
type order struct {
	peers [][abi.KeyLen]byte
	ips   map[[abi.KeyLen]byte][]netip.Prefix
}

// update applies a successful set operation.
func (o *order) update(a *abi.Arena) {
	if o.ips == nil {
		o.ips = map[[abi.KeyLen]byte][]netip.Prefix{}
	}
	if a.Device.Flags&abi.DeviceReplacePeers != 0 {
		o.peers = nil
		clear(o.ips)
	}
	for p := range a.Peers() {
		i := slices.Index(o.peers, p.PublicKey)
		if p.Flags&abi.PeerRemoveMe != 0 {
			if i >= 0 {
				o.peers = slices.Delete(o.peers, i, i+1)
			}
			delete(o.ips, p.PublicKey)
			continue
		}
		if i < 0 {
			o.peers = append(o.peers, p.PublicKey)
		}
		if p.Flags&abi.PeerReplaceAllowedIPs != 0 {
			o.ips[p.PublicKey] = nil
		}
		for ip := range a.AllowedIPs(p) {
			prefix := netip.PrefixFrom(abi.Addr(ip.Family, ip.Addr), int(ip.Cidr)).Masked()
			o.ips[p.PublicKey] = append(o.ips[p.PublicKey], prefix)
		}
	}
}

// apply returns a copy of a with its lists in configured order. Entries o
// does not know sort last, by value.
func (o *order) apply(a *abi.Arena) *abi.Arena {
	type peer struct {
		rec abi.Peer
		ips []abi.AllowedIP
	}
	var peers []peer
	for p := range a.Peers() {
		pe := peer{rec: *p}
		for ip := range a.AllowedIPs(p) {
			pe.ips = append(pe.ips, *ip)
		}
		peers = append(peers, pe)
	}
	peerRank := func(k [abi.KeyLen]byte) int {
		if i := slices.Index(o.peers, k); i >= 0 {
			return i
		}
		return len(o.peers)
	}
	slices.SortStableFunc(peers, func(x, y peer) int {
		if c := cmp.Compare(peerRank(x.rec.PublicKey), peerRank(y.rec.PublicKey)); c != 0 {
			return c
		}
		return slices.Compare(x.rec.PublicKey[:], y.rec.PublicKey[:])
	})

	out := &abi.Arena{Device: a.Device}
	recs := make([]abi.Peer, len(peers))
	for i, pe := range peers {
		known := o.ips[pe.rec.PublicKey]
		ipRank := func(r abi.AllowedIP) int {
			prefix := netip.PrefixFrom(abi.Addr(r.Family, r.Addr), int(r.Cidr)).Masked()
			if j := slices.Index(known, prefix); j >= 0 {
				return j
			}
			return len(known)
		}
		slices.SortStableFunc(pe.ips, func(x, y abi.AllowedIP) int {
			if c := cmp.Compare(ipRank(x), ipRank(y)); c != 0 {
				return c
			}
			if c := cmp.Compare(x.Family, y.Family); c != 0 {
				return c
			}
			if c := slices.Compare(x.Addr[:], y.Addr[:]); c != 0 {
				return c
			}
			return cmp.Compare(x.Cidr, y.Cidr)
		})
		recs[i] = pe.rec
		recs[i].FirstAllowedIP, recs[i].LastAllowedIP = out.AppendAllowedIPs(pe.ips...)
	}
	out.Device.FirstPeer, out.Device.LastPeer = out.AppendPeers(recs...)
	return out
}
