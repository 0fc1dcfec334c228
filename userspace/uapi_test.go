package userspace

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nyiyui/wgtree/abi"
	"golang.org/x/sys/unix"
)

func key(b byte) [abi.KeyLen]byte {
	var k [abi.KeyLen]byte
	k[0] = b
	return k
}

func allowedIP(s string) abi.AllowedIP {
	p := netip.MustParsePrefix(s)
	var r abi.AllowedIP
	abi.PutAddr(&r.Family, &r.Addr, p.Addr())
	r.Cidr = uint8(p.Bits())
	return r
}

func TestRenderSet(t *testing.T) {
	a := new(abi.Arena)
	a.Device.SetName("wg0")
	a.Device.Flags = abi.DeviceReplacePeers | abi.DeviceHasPrivateKey | abi.DeviceHasListenPort
	a.Device.PrivateKey = key(0xaa)
	a.Device.ListenPort = 51820
	p1 := abi.Peer{Flags: abi.PeerHasPublicKey | abi.PeerReplaceAllowedIPs | abi.PeerHasPersistentKeepaliveInterval, PublicKey: key(1)}
	p1.PersistentKeepaliveInterval = 25
	p1.Endpoint.SetAddrPort(netip.MustParseAddrPort("[2001:db8::1]:443"))
	p1.FirstAllowedIP, p1.LastAllowedIP = a.AppendAllowedIPs(allowedIP("10.0.0.2/32"), allowedIP("fd00::/64"))
	p2 := abi.Peer{Flags: abi.PeerHasPublicKey | abi.PeerRemoveMe, PublicKey: key(2)}
	a.Device.FirstPeer, a.Device.LastPeer = a.AppendPeers(p1, p2)

	got, err := renderSet(a)
	if err != nil {
		t.Fatal(err)
	}
	k := func(b byte) string { k := key(b); return hex.EncodeToString(k[:]) }
	want := strings.Join([]string{
		"private_key=" + k(0xaa),
		"listen_port=51820",
		"replace_peers=true",
		"public_key=" + k(1),
		"endpoint=[2001:db8::1]:443",
		"persistent_keepalive_interval=25",
		"replace_allowed_ips=true",
		"allowed_ip=10.0.0.2/32",
		"allowed_ip=fd00::/64",
		"public_key=" + k(2),
		"remove=true",
		"",
	}, "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("rendered (-want +got):\n%s", diff)
	}
}

func TestRenderSetInvalid(t *testing.T) {
	a := new(abi.Arena)
	a.Device.FirstPeer, a.Device.LastPeer = a.AppendPeers(abi.Peer{})
	if _, err := renderSet(a); !errors.Is(err, unix.EINVAL) {
		t.Fatalf("renderSet = %v; want EINVAL", err)
	}
}

func TestParseGet(t *testing.T) {
	priv := key(0x40)
	text := fmt.Sprintf(`private_key=%x
listen_port=51820
fwmark=81
public_key=%x
preshared_key=%x
protocol_version=1
endpoint=203.0.113.5:51820
last_handshake_time_sec=1700000000
last_handshake_time_nsec=5
tx_bytes=20
rx_bytes=10
persistent_keepalive_interval=0
allowed_ip=10.0.0.2/32
allowed_ip=fd00::/64
public_key=%x
preshared_key=%x
protocol_version=1
last_handshake_time_sec=0
last_handshake_time_nsec=0
tx_bytes=0
rx_bytes=0
persistent_keepalive_interval=25
`, priv[:], key(1), key(9), key(2), make([]byte, 32))

	a, err := parseGet("wg0", text)
	if err != nil {
		t.Fatal(err)
	}
	wantFlags := abi.DeviceHasPrivateKey | abi.DeviceHasPublicKey | abi.DeviceHasListenPort | abi.DeviceHasFwmark
	if a.Device.Flags != wantFlags {
		t.Errorf("device flags = %#x; want %#x", a.Device.Flags, wantFlags)
	}
	if a.Device.NameString() != "wg0" || a.Device.ListenPort != 51820 || a.Device.Fwmark != 81 {
		t.Errorf("device = %+v", a.Device)
	}
	if a.Device.PublicKey == ([abi.KeyLen]byte{}) {
		t.Error("public key not derived")
	}
	var peers []*abi.Peer
	for p := range a.Peers() {
		peers = append(peers, p)
	}
	if len(peers) != 2 {
		t.Fatalf("%d peers", len(peers))
	}
	if peers[0].Flags != abi.PeerHasPublicKey|abi.PeerHasPresharedKey {
		t.Errorf("peer 0 flags = %#x", peers[0].Flags)
	}
	if ap, ok := peers[0].Endpoint.AddrPort(); !ok || ap != netip.MustParseAddrPort("203.0.113.5:51820") {
		t.Errorf("peer 0 endpoint = %s", ap)
	}
	if peers[0].RxBytes != 10 || peers[0].TxBytes != 20 || peers[0].LastHandshakeTime.Nsec != 5 {
		t.Errorf("peer 0 = %+v", peers[0])
	}
	var ips []abi.AllowedIP
	for ip := range a.AllowedIPs(peers[0]) {
		r := *ip
		r.Next = abi.Nil
		ips = append(ips, r)
	}
	if diff := cmp.Diff([]abi.AllowedIP{allowedIP("10.0.0.2/32"), allowedIP("fd00::/64")}, ips); diff != "" {
		t.Errorf("allowed IPs (-want +got):\n%s", diff)
	}
	if peers[1].Flags != abi.PeerHasPublicKey|abi.PeerHasPersistentKeepaliveInterval {
		t.Errorf("peer 1 flags = %#x", peers[1].Flags)
	}
	if peers[1].Endpoint.Family() != abi.AFUnspec || peers[1].FirstAllowedIP != abi.Nil {
		t.Errorf("peer 1 = %+v", peers[1])
	}
}

func TestParseGetErrors(t *testing.T) {
	for _, text := range []string{
		"garbage\n",
		"private_key=zz\n",
		"public_key=00\n",
		fmt.Sprintf("public_key=%x\nallowed_ip=10.0.0.0\n", make([]byte, 32)),
		"listen_port=70000\n",
	} {
		if _, err := parseGet("wg0", text); err == nil {
			t.Errorf("parseGet(%q) succeeded", text)
		}
	}
}

func TestOrder(t *testing.T) {
	var o order
	set := func(flags abi.DeviceFlags, peers ...abi.Peer) {
		a := new(abi.Arena)
		a.Device.Flags = flags
		a.Device.FirstPeer, a.Device.LastPeer = a.AppendPeers(peers...)
		o.update(a)
	}
	withIPs := func(a *abi.Arena, p abi.Peer, ips ...string) abi.Peer {
		recs := make([]abi.AllowedIP, len(ips))
		for i, s := range ips {
			recs[i] = allowedIP(s)
		}
		p.FirstAllowedIP, p.LastAllowedIP = a.AppendAllowedIPs(recs...)
		return p
	}

	setArena := new(abi.Arena)
	setArena.Device.Flags = abi.DeviceReplacePeers
	setArena.Device.FirstPeer, setArena.Device.LastPeer = setArena.AppendPeers(
		withIPs(setArena, abi.Peer{PublicKey: key(3)}, "10.3.0.0/16", "10.1.0.0/16"),
		abi.Peer{PublicKey: key(1)},
		abi.Peer{PublicKey: key(2)},
	)
	o.update(setArena)
	set(0, abi.Peer{Flags: abi.PeerRemoveMe, PublicKey: key(1)})

	// as wireguard-go might report it
	got := new(abi.Arena)
	got.Device.FirstPeer, got.Device.LastPeer = got.AppendPeers(
		abi.Peer{PublicKey: key(9)},
		abi.Peer{PublicKey: key(2)},
		withIPs(got, abi.Peer{PublicKey: key(3)}, "10.1.0.0/16", "10.3.0.0/16", "10.2.0.0/16"),
	)
	out := o.apply(got)
	var keys []byte
	var ips []string
	for p := range out.Peers() {
		keys = append(keys, p.PublicKey[0])
		for ip := range out.AllowedIPs(p) {
			ips = append(ips, fmt.Sprintf("%s/%d", abi.Addr(ip.Family, ip.Addr), ip.Cidr))
		}
	}
	if diff := cmp.Diff([]byte{3, 2, 9}, keys); diff != "" {
		t.Errorf("peer order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"10.3.0.0/16", "10.1.0.0/16", "10.2.0.0/16"}, ips); diff != "" {
		t.Errorf("allowed IP order (-want +got):\n%s", diff)
	}
}

type ipcError struct{ code int64 }

func (e ipcError) Error() string    { return "ipc error" }
func (e ipcError) ErrorCode() int64 { return e.code }

func TestMapIPCError(t *testing.T) {
	err := mapIPCError(fmt.Errorf("set: %w", ipcError{code: -int64(unix.EINVAL)}))
	if !errors.Is(err, unix.EINVAL) {
		t.Errorf("mapIPCError = %v; want EINVAL", err)
	}
	plain := errors.New("plain")
	if err := mapIPCError(plain); err != plain {
		t.Errorf("mapIPCError(plain) = %v", err)
	}
}
