package wg

import (
	"errors"
	"fmt"

	"github.com/nyiyui/wgtree/abi"
	"go.uber.org/zap"
)

// ErrSaved is returned by Save on a Device that was already saved. Open the
// device again to make further changes.
var ErrSaved = errors.New("device already saved")

// Device is an in-memory snapshot of one WireGuard interface. Changes are
// pushed to the system only by Save, which replaces the interface's whole
// configuration.
type Device struct {
	sys System

	name         string
	privateKey   *Key
	listenPort   uint16
	hasPort      bool
	firewallMark uint32
	peers        []Peer
}

func (d *Device) Name() string { return d.name }

// PublicKey derives the public key from the private key. It reports false if
// no private key is set.
func (d *Device) PublicKey() (Key, bool) {
	if d.privateKey == nil {
		return Key{}, false
	}
	return d.privateKey.PublicKey(), true
}

func (d *Device) PrivateKey() (Key, bool) {
	if d.privateKey == nil {
		return Key{}, false
	}
	return *d.privateKey, true
}

// SetPrivateKey sets the private key, or unsets it if k is nil.
func (d *Device) SetPrivateKey(k *Key) {
	if k == nil {
		d.privateKey = nil
		return
	}
	k2 := *k
	d.privateKey = &k2
}

// ListenPort reports false if no listen port is set. A port of 0 read from
// the system counts as unset.
func (d *Device) ListenPort() (uint16, bool) { return d.listenPort, d.hasPort }

func (d *Device) SetListenPort(port uint16) {
	d.listenPort = port
	d.hasPort = true
}

// FirewallMark returns the fwmark; 0 means unset. Save always sends it, so
// setting 0 clears a mark on the system.
func (d *Device) FirewallMark() uint32 { return d.firewallMark }

func (d *Device) SetFirewallMark(mark uint32) { d.firewallMark = mark }

// Peers returns the peer list. Elements may be modified in place.
func (d *Device) Peers() []Peer { return d.peers }

func (d *Device) AddPeer(p Peer) {
	d.peers = append(d.peers, p)
}

func (d *Device) SetPeers(peers []Peer) {
	d.peers = peers
}

// Save replaces the interface's configuration with d in one call to the
// system. Peers and each peer's allowed IPs are replaced wholesale, so
// changes made by others since Open are lost.
//
// Save consumes d: it returns ErrSaved if called again, whether or not the
// first call succeeded.
func (d *Device) Save() error {
	if d.sys == nil {
		return ErrSaved
	}
	sys := d.sys
	d.sys = nil
	a, err := d.toABI()
	if err != nil {
		return err
	}
	zap.S().Debugf("device %s: saving %d peer(s).", d.name, len(d.peers))
	if err := sys.SetDevice(a); err != nil {
		return fmt.Errorf("set device %s: %w", d.name, err)
	}
	return nil
}

func (d *Device) toABI() (*abi.Arena, error) {
	a := new(abi.Arena)
	if !a.Device.SetName(d.name) {
		return nil, nameError(d.name)
	}
	o := deviceOptions{
		replacePeers:  true,
		hasPrivateKey: d.privateKey != nil,
		hasPublicKey:  d.privateKey != nil,
		hasListenPort: d.hasPort,
		hasFwmark:     true,
	}
	a.Device.Flags = o.flags()
	if d.privateKey != nil {
		a.Device.PrivateKey = *d.privateKey
		a.Device.PublicKey = d.privateKey.PublicKey()
	}
	if d.hasPort {
		a.Device.ListenPort = d.listenPort
	}
	a.Device.Fwmark = d.firewallMark

	recs := make([]abi.Peer, len(d.peers))
	for i := range d.peers {
		recs[i] = d.peers[i].appendTo(a)
	}
	a.Device.FirstPeer, a.Device.LastPeer = a.AppendPeers(recs...)
	return a, nil
}

func deviceFromABI(sys System, a *abi.Arena) *Device {
	d := &Device{sys: sys, name: a.Device.NameString()}
	o := deviceOptionsFrom(a.Device.Flags)
	if o.hasPrivateKey {
		k := Key(a.Device.PrivateKey)
		d.privateKey = &k
	}
	if o.hasListenPort && a.Device.ListenPort != 0 {
		d.listenPort, d.hasPort = a.Device.ListenPort, true
	}
	if o.hasFwmark {
		d.firewallMark = a.Device.Fwmark
	}
	for r := range a.Peers() {
		d.peers = append(d.peers, peerFromABI(a, r))
	}
	return d
}

// Equal reports whether d and o hold the same configuration. Peer and allowed
// IP order matter. The system a Device is bound to is not compared.
func (d *Device) Equal(o *Device) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.name != o.name || !keyPtrEqual(d.privateKey, o.privateKey) ||
		d.hasPort != o.hasPort || d.listenPort != o.listenPort ||
		d.firewallMark != o.firewallMark || len(d.peers) != len(o.peers) {
		return false
	}
	for i := range d.peers {
		if !d.peers[i].Equal(o.peers[i]) {
			return false
		}
	}
	return true
}

func keyPtrEqual(a, b *Key) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
