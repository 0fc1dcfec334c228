package kernel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/nyiyui/wgtree/abi"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// arenaFromDevice converts a device as reported by wgctrl.
func arenaFromDevice(d *wgtypes.Device) *abi.Arena {
	a := new(abi.Arena)
	a.Device.SetName(d.Name)
	if d.PrivateKey != (wgtypes.Key{}) {
		a.Device.Flags |= abi.DeviceHasPrivateKey | abi.DeviceHasPublicKey
		a.Device.PrivateKey = d.PrivateKey
		a.Device.PublicKey = d.PublicKey
	}
	if d.ListenPort != 0 {
		a.Device.Flags |= abi.DeviceHasListenPort
		a.Device.ListenPort = uint16(d.ListenPort)
	}
	if d.FirewallMark != 0 {
		a.Device.Flags |= abi.DeviceHasFwmark
		a.Device.Fwmark = uint32(d.FirewallMark)
	}
	recs := make([]abi.Peer, len(d.Peers))
	for i := range d.Peers {
		recs[i] = peerRecord(a, &d.Peers[i])
	}
	a.Device.FirstPeer, a.Device.LastPeer = a.AppendPeers(recs...)
	return a
}

func peerRecord(a *abi.Arena, p *wgtypes.Peer) abi.Peer {
	r := abi.Peer{
		Flags:     abi.PeerHasPublicKey,
		PublicKey: p.PublicKey,
		RxBytes:   uint64(p.ReceiveBytes),
		TxBytes:   uint64(p.TransmitBytes),
	}
	if p.PresharedKey != (wgtypes.Key{}) {
		r.Flags |= abi.PeerHasPresharedKey
		r.PresharedKey = p.PresharedKey
	}
	if p.Endpoint != nil {
		ap := p.Endpoint.AddrPort()
		r.Endpoint.SetAddrPort(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
	}
	if p.PersistentKeepaliveInterval > 0 {
		r.Flags |= abi.PeerHasPersistentKeepaliveInterval
		r.PersistentKeepaliveInterval = uint16(p.PersistentKeepaliveInterval / time.Second)
	}
	if !p.LastHandshakeTime.IsZero() {
		r.LastHandshakeTime = abi.Timespec64{
			Sec:  p.LastHandshakeTime.Unix(),
			Nsec: int64(p.LastHandshakeTime.Nanosecond()),
		}
	}
	recs := make([]abi.AllowedIP, 0, len(p.AllowedIPs))
	for _, ipn := range p.AllowedIPs {
		rec, ok := allowedIPRecord(ipn)
		if !ok {
			continue
		}
		recs = append(recs, rec)
	}
	r.FirstAllowedIP, r.LastAllowedIP = a.AppendAllowedIPs(recs...)
	return r
}

func allowedIPRecord(ipn net.IPNet) (abi.AllowedIP, bool) {
	var r abi.AllowedIP
	addr, ok := netip.AddrFromSlice(ipn.IP)
	if !ok {
		return r, false
	}
	ones, bits := ipn.Mask.Size()
	if bits == 32 {
		addr = addr.Unmap()
	}
	abi.PutAddr(&r.Family, &r.Addr, addr)
	r.Cidr = uint8(ones)
	return r, true
}

// configFromArena converts a for wgctrl. Requests the kernel would reject
// with EINVAL are rejected here, since wgtypes cannot express them.
func configFromArena(a *abi.Arena) (wgtypes.Config, error) {
	var cfg wgtypes.Config
	f := a.Device.Flags
	if f&abi.DeviceHasPrivateKey != 0 {
		k := wgtypes.Key(a.Device.PrivateKey)
		cfg.PrivateKey = &k
	}
	if f&abi.DeviceHasListenPort != 0 {
		port := int(a.Device.ListenPort)
		cfg.ListenPort = &port
	}
	if f&abi.DeviceHasFwmark != 0 {
		mark := int(a.Device.Fwmark)
		cfg.FirewallMark = &mark
	}
	cfg.ReplacePeers = f&abi.DeviceReplacePeers != 0
	for p := range a.Peers() {
		pc, err := peerConfig(a, p)
		if err != nil {
			return wgtypes.Config{}, err
		}
		cfg.Peers = append(cfg.Peers, pc)
	}
	return cfg, nil
}

func peerConfig(a *abi.Arena, p *abi.Peer) (wgtypes.PeerConfig, error) {
	if p.Flags&abi.PeerHasPublicKey == 0 {
		return wgtypes.PeerConfig{}, fmt.Errorf("peer without public key: %w", unix.EINVAL)
	}
	pc := wgtypes.PeerConfig{
		PublicKey:         p.PublicKey,
		Remove:            p.Flags&abi.PeerRemoveMe != 0,
		ReplaceAllowedIPs: p.Flags&abi.PeerReplaceAllowedIPs != 0,
	}
	if p.Flags&abi.PeerHasPresharedKey != 0 {
		k := wgtypes.Key(p.PresharedKey)
		pc.PresharedKey = &k
	}
	if p.Flags&abi.PeerHasPersistentKeepaliveInterval != 0 {
		d := time.Duration(p.PersistentKeepaliveInterval) * time.Second
		pc.PersistentKeepaliveInterval = &d
	}
	switch p.Endpoint.Family() {
	case abi.AFUnspec:
	case abi.AFInet, abi.AFInet6:
		ap, _ := p.Endpoint.AddrPort()
		pc.Endpoint = net.UDPAddrFromAddrPort(ap)
	default:
		return wgtypes.PeerConfig{}, fmt.Errorf("endpoint family %d: %w", p.Endpoint.Family(), unix.EINVAL)
	}
	for ip := range a.AllowedIPs(p) {
		var bits int
		switch ip.Family {
		case abi.AFInet:
			bits = 32
		case abi.AFInet6:
			bits = 128
		default:
			return wgtypes.PeerConfig{}, fmt.Errorf("allowed IP family %d: %w", ip.Family, unix.EINVAL)
		}
		if int(ip.Cidr) > bits {
			return wgtypes.PeerConfig{}, fmt.Errorf("allowed IP prefix /%d: %w", ip.Cidr, unix.EINVAL)
		}
		addr := abi.Addr(ip.Family, ip.Addr)
		pc.AllowedIPs = append(pc.AllowedIPs, net.IPNet{
			IP:   addr.AsSlice(),
			Mask: net.CIDRMask(int(ip.Cidr), bits),
		})
	}
	return pc, nil
}

// mapError turns wgctrl's not-exist error into the errno the kernel uses.
func mapError(err error) error {
	if errors.Is(err, os.ErrNotExist) && !errors.Is(err, unix.ENODEV) {
		return fmt.Errorf("%w: %w", unix.ENODEV, err)
	}
	return err
}

// stringConfig renders cfg for debug logs, without keys.
func stringConfig(cfg *wgtypes.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "private key set: %t\n", cfg.PrivateKey != nil)
	if cfg.ListenPort != nil {
		fmt.Fprintf(&b, "listen port: %d\n", *cfg.ListenPort)
	}
	if cfg.FirewallMark != nil {
		fmt.Fprintf(&b, "fwmark: %#x\n", *cfg.FirewallMark)
	}
	fmt.Fprintf(&b, "replace peers: %t\n", cfg.ReplacePeers)
	for _, pc := range cfg.Peers {
		fmt.Fprintf(&b, "peer %s:", pc.PublicKey)
		if pc.Remove {
			b.WriteString(" remove")
		}
		if pc.Endpoint != nil {
			fmt.Fprintf(&b, " endpoint=%s", pc.Endpoint)
		}
		for _, ipn := range pc.AllowedIPs {
			fmt.Fprintf(&b, " %s", &ipn)
		}
		b.WriteString("\n")
	}
	return b.String()
}
