// Package abi mirrors the foreign data layout of the embeddable WireGuard
// configuration library (wireguard.h): wg_device, wg_peer and wg_allowedip
// records, their flag bitfields, and the sockaddr union used for endpoints.
//
// Records never hold Go pointers. Where the C structures have pointers, the
// records hold a Link into the slabs of an Arena.
package abi

// Address families as written into sa_family and wg_allowedip.family (linux/socket.h).
const (
	AFUnspec uint16 = 0
	AFInet   uint16 = 2
	AFInet6  uint16 = 10
)

const (
	// KeyLen is the length of wg_key.
	KeyLen = 32
	// IfNameSize is the size of wg_interface_name, including the terminating NUL.
	IfNameSize = 16
)

type DeviceFlags uint32

const (
	DeviceReplacePeers DeviceFlags = 1 << iota
	DeviceHasPrivateKey
	DeviceHasPublicKey
	DeviceHasListenPort
	DeviceHasFwmark
)

type PeerFlags uint32

const (
	PeerRemoveMe PeerFlags = 1 << iota
	PeerReplaceAllowedIPs
	PeerHasPublicKey
	PeerHasPresharedKey
	PeerHasPersistentKeepaliveInterval
)

// Link stands in for a record pointer. Nil is the null pointer; any other
// value n refers to slot n-1 of the slab the pointer points into.
type Link uint32

const Nil Link = 0

// LinkTo returns the Link for slot i.
func LinkTo(i int) Link { return Link(i + 1) }

// Index returns the slot l refers to, or false for Nil.
func (l Link) Index() (int, bool) {
	if l == Nil {
		return 0, false
	}
	return int(l - 1), true
}

// AllowedIP is struct wg_allowedip.
type AllowedIP struct {
	Family uint16
	// Addr is the union { struct in_addr ip4; struct in6_addr ip6; }.
	Addr [16]byte
	Cidr uint8
	Next Link
}

// Timespec64 is struct timespec64.
type Timespec64 struct {
	Sec  int64
	Nsec int64
}

// Peer is struct wg_peer.
type Peer struct {
	Flags                       PeerFlags
	PublicKey                   [KeyLen]byte
	PresharedKey                [KeyLen]byte
	Endpoint                    Sockaddr
	LastHandshakeTime           Timespec64
	RxBytes                     uint64
	TxBytes                     uint64
	PersistentKeepaliveInterval uint16
	FirstAllowedIP              Link
	LastAllowedIP               Link
	Next                        Link
}

// Device is struct wg_device.
type Device struct {
	Name       [IfNameSize]byte
	Ifindex    uint32
	Flags      DeviceFlags
	PublicKey  [KeyLen]byte
	PrivateKey [KeyLen]byte
	Fwmark     uint32
	ListenPort uint16
	FirstPeer  Link
	LastPeer   Link
}

// SetName copies name into the NUL-padded name buffer. It reports false if
// name does not fit or contains a NUL byte.
func (d *Device) SetName(name string) bool {
	if len(name) >= IfNameSize {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return false
		}
	}
	d.Name = [IfNameSize]byte{}
	copy(d.Name[:], name)
	return true
}

// NameString returns the name up to the first NUL.
func (d *Device) NameString() string {
	for i, b := range d.Name {
		if b == 0 {
			return string(d.Name[:i])
		}
	}
	return string(d.Name[:])
}
