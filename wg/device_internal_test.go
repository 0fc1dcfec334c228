package wg

import (
	"net/netip"
	"testing"
	"time"

	"github.com/nyiyui/wgtree/abi"
)

func TestToABIFlags(t *testing.T) {
	priv := GeneratePrivateKey()
	psk := GeneratePrivateKey()
	d := &Device{name: "wg0"}
	d.SetPrivateKey(&priv)
	d.SetListenPort(51820)
	d.SetFirewallMark(7)
	p := NewPeer(GeneratePrivateKey().PublicKey(), netip.MustParseAddrPort("203.0.113.5:51820"))
	p.PresharedKey = &psk
	p.PersistentKeepalive = 25 * time.Second
	p.AddAllowedIP(NewAllowedIP(netip.MustParseAddr("10.0.0.2"), 32))
	d.AddPeer(p)
	d.AddPeer(Peer{})

	a, err := d.toABI()
	if err != nil {
		t.Fatal(err)
	}
	wantDev := abi.DeviceReplacePeers | abi.DeviceHasPrivateKey | abi.DeviceHasPublicKey | abi.DeviceHasListenPort | abi.DeviceHasFwmark
	if a.Device.Flags != wantDev {
		t.Errorf("device flags = %#x; want %#x", a.Device.Flags, wantDev)
	}
	if Key(a.Device.PublicKey) != priv.PublicKey() {
		t.Error("public key not derived")
	}
	if a.Device.NameString() != "wg0" || a.Device.ListenPort != 51820 || a.Device.Fwmark != 7 {
		t.Errorf("device record = %+v", a.Device)
	}
	if len(a.PeerBuf) != 2 || len(a.AllowedIPBuf) != 1 {
		t.Fatalf("slabs = %d peers, %d allowed IPs", len(a.PeerBuf), len(a.AllowedIPBuf))
	}
	wantPeer := abi.PeerReplaceAllowedIPs | abi.PeerHasPublicKey | abi.PeerHasPresharedKey | abi.PeerHasPersistentKeepaliveInterval
	if f := a.PeerBuf[0].Flags; f != wantPeer {
		t.Errorf("peer flags = %#x; want %#x", f, wantPeer)
	}
	if a.PeerBuf[0].PersistentKeepaliveInterval != 25 {
		t.Errorf("keepalive = %d", a.PeerBuf[0].PersistentKeepaliveInterval)
	}
	if f := a.PeerBuf[1].Flags; f != abi.PeerReplaceAllowedIPs {
		t.Errorf("bare peer flags = %#x; want only replace allowed IPs", f)
	}
	if a.PeerBuf[1].Endpoint != (abi.Sockaddr{}) {
		t.Error("bare peer endpoint not zeroed")
	}
	if a.PeerBuf[1].FirstAllowedIP != abi.Nil || a.PeerBuf[1].LastAllowedIP != abi.Nil {
		t.Error("bare peer allowed IP list not Nil")
	}
	if a.PeerBuf[1].Next != abi.Nil || a.Device.LastPeer != abi.LinkTo(1) {
		t.Error("peer list not terminated")
	}
}

func TestToABIEmpty(t *testing.T) {
	d := &Device{name: "wg0"}
	a, err := d.toABI()
	if err != nil {
		t.Fatal(err)
	}
	if want := abi.DeviceReplacePeers | abi.DeviceHasFwmark; a.Device.Flags != want {
		t.Errorf("flags = %#x; want %#x", a.Device.Flags, want)
	}
	if a.Device.Fwmark != 0 {
		t.Errorf("fwmark = %d", a.Device.Fwmark)
	}
	if a.Device.FirstPeer != abi.Nil || a.Device.LastPeer != abi.Nil {
		t.Errorf("first/last peer = %d/%d; want Nil", a.Device.FirstPeer, a.Device.LastPeer)
	}
	if a.PeerBuf != nil || a.AllowedIPBuf != nil {
		t.Error("empty device allocated slabs")
	}
}

func TestOptionsFlags(t *testing.T) {
	for f := abi.DeviceFlags(0); f < 1<<5; f++ {
		if got := deviceOptionsFrom(f).flags(); got != f {
			t.Errorf("device flags %#x became %#x", f, got)
		}
	}
	for f := abi.PeerFlags(0); f < 1<<5; f++ {
		if got := peerOptionsFrom(f).flags(); got != f {
			t.Errorf("peer flags %#x became %#x", f, got)
		}
	}
}

func TestKeepaliveSeconds(t *testing.T) {
	tests := map[time.Duration]uint16{
		0:                       0,
		1500 * time.Millisecond: 1,
		25 * time.Second:        25,
		24 * time.Hour:          0xffff,
	}
	for d, want := range tests {
		if got := keepaliveSeconds(d); got != want {
			t.Errorf("keepaliveSeconds(%s) = %d; want %d", d, got, want)
		}
	}
}
