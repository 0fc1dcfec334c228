package abi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Record sizes and field offsets on LP64 linux. Pointer slots are 8 bytes
// wide and carry a Link.
const (
	SizeofAllowedIP = 32
	SizeofPeer      = 160
	SizeofDevice    = 112

	offAllowedIPFamily = 0
	offAllowedIPAddr   = 4
	offAllowedIPCidr   = 20
	offAllowedIPNext   = 24

	offPeerFlags         = 0
	offPeerPublicKey     = 4
	offPeerPresharedKey  = 36
	offPeerEndpoint      = 68
	offPeerHandshakeSec  = 96
	offPeerHandshakeNsec = 104
	offPeerRxBytes       = 112
	offPeerTxBytes       = 120
	offPeerKeepalive     = 128
	offPeerFirstIP       = 136
	offPeerLastIP        = 144
	offPeerNext          = 152

	offDeviceName       = 0
	offDeviceIfindex    = 16
	offDeviceFlags      = 20
	offDevicePublicKey  = 24
	offDevicePrivateKey = 56
	offDeviceFwmark     = 88
	offDeviceListenPort = 92
	offDeviceFirstPeer  = 96
	offDeviceLastPeer   = 104
)

var ErrShortBuffer = errors.New("abi: short buffer")

var ne = binary.NativeEndian

func putLink(b []byte, l Link) { ne.PutUint64(b, uint64(l)) }

func getLink(b []byte) (Link, error) {
	v := ne.Uint64(b)
	if v > math.MaxUint32 {
		return Nil, fmt.Errorf("abi: link %#x out of range", v)
	}
	return Link(v), nil
}

// AppendBinary appends the wg_allowedip encoding of r to b.
func (r *AllowedIP) AppendBinary(b []byte) []byte {
	var buf [SizeofAllowedIP]byte
	ne.PutUint16(buf[offAllowedIPFamily:], r.Family)
	copy(buf[offAllowedIPAddr:offAllowedIPAddr+16], r.Addr[:])
	buf[offAllowedIPCidr] = r.Cidr
	putLink(buf[offAllowedIPNext:], r.Next)
	return append(b, buf[:]...)
}

func (r *AllowedIP) UnmarshalBinary(b []byte) (err error) {
	if len(b) < SizeofAllowedIP {
		return ErrShortBuffer
	}
	r.Family = ne.Uint16(b[offAllowedIPFamily:])
	copy(r.Addr[:], b[offAllowedIPAddr:offAllowedIPAddr+16])
	r.Cidr = b[offAllowedIPCidr]
	r.Next, err = getLink(b[offAllowedIPNext:])
	return
}

// AppendBinary appends the wg_peer encoding of r to b.
func (r *Peer) AppendBinary(b []byte) []byte {
	var buf [SizeofPeer]byte
	ne.PutUint32(buf[offPeerFlags:], uint32(r.Flags))
	copy(buf[offPeerPublicKey:offPeerPublicKey+KeyLen], r.PublicKey[:])
	copy(buf[offPeerPresharedKey:offPeerPresharedKey+KeyLen], r.PresharedKey[:])
	copy(buf[offPeerEndpoint:offPeerEndpoint+SizeofSockaddr], r.Endpoint[:])
	ne.PutUint64(buf[offPeerHandshakeSec:], uint64(r.LastHandshakeTime.Sec))
	ne.PutUint64(buf[offPeerHandshakeNsec:], uint64(r.LastHandshakeTime.Nsec))
	ne.PutUint64(buf[offPeerRxBytes:], r.RxBytes)
	ne.PutUint64(buf[offPeerTxBytes:], r.TxBytes)
	ne.PutUint16(buf[offPeerKeepalive:], r.PersistentKeepaliveInterval)
	putLink(buf[offPeerFirstIP:], r.FirstAllowedIP)
	putLink(buf[offPeerLastIP:], r.LastAllowedIP)
	putLink(buf[offPeerNext:], r.Next)
	return append(b, buf[:]...)
}

func (r *Peer) UnmarshalBinary(b []byte) (err error) {
	if len(b) < SizeofPeer {
		return ErrShortBuffer
	}
	r.Flags = PeerFlags(ne.Uint32(b[offPeerFlags:]))
	copy(r.PublicKey[:], b[offPeerPublicKey:])
	copy(r.PresharedKey[:], b[offPeerPresharedKey:])
	copy(r.Endpoint[:], b[offPeerEndpoint:])
	r.LastHandshakeTime.Sec = int64(ne.Uint64(b[offPeerHandshakeSec:]))
	r.LastHandshakeTime.Nsec = int64(ne.Uint64(b[offPeerHandshakeNsec:]))
	r.RxBytes = ne.Uint64(b[offPeerRxBytes:])
	r.TxBytes = ne.Uint64(b[offPeerTxBytes:])
	r.PersistentKeepaliveInterval = ne.Uint16(b[offPeerKeepalive:])
	if r.FirstAllowedIP, err = getLink(b[offPeerFirstIP:]); err != nil {
		return
	}
	if r.LastAllowedIP, err = getLink(b[offPeerLastIP:]); err != nil {
		return
	}
	r.Next, err = getLink(b[offPeerNext:])
	return
}

// AppendBinary appends the wg_device encoding of r to b.
func (r *Device) AppendBinary(b []byte) []byte {
	var buf [SizeofDevice]byte
	copy(buf[offDeviceName:offDeviceName+IfNameSize], r.Name[:])
	ne.PutUint32(buf[offDeviceIfindex:], r.Ifindex)
	ne.PutUint32(buf[offDeviceFlags:], uint32(r.Flags))
	copy(buf[offDevicePublicKey:offDevicePublicKey+KeyLen], r.PublicKey[:])
	copy(buf[offDevicePrivateKey:offDevicePrivateKey+KeyLen], r.PrivateKey[:])
	ne.PutUint32(buf[offDeviceFwmark:], r.Fwmark)
	ne.PutUint16(buf[offDeviceListenPort:], r.ListenPort)
	putLink(buf[offDeviceFirstPeer:], r.FirstPeer)
	putLink(buf[offDeviceLastPeer:], r.LastPeer)
	return append(b, buf[:]...)
}

func (r *Device) UnmarshalBinary(b []byte) (err error) {
	if len(b) < SizeofDevice {
		return ErrShortBuffer
	}
	copy(r.Name[:], b[offDeviceName:])
	r.Ifindex = ne.Uint32(b[offDeviceIfindex:])
	r.Flags = DeviceFlags(ne.Uint32(b[offDeviceFlags:]))
	copy(r.PublicKey[:], b[offDevicePublicKey:])
	copy(r.PrivateKey[:], b[offDevicePrivateKey:])
	r.Fwmark = ne.Uint32(b[offDeviceFwmark:])
	r.ListenPort = ne.Uint16(b[offDeviceListenPort:])
	if r.FirstPeer, err = getLink(b[offDeviceFirstPeer:]); err != nil {
		return
	}
	r.LastPeer, err = getLink(b[offDeviceLastPeer:])
	return
}

// MarshalBinary encodes the arena as the device record, the peer and allowed
// IP counts (uint32 each), the peer slab and the allowed IP slab.
func (a *Arena) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, SizeofDevice+8+len(a.PeerBuf)*SizeofPeer+len(a.AllowedIPBuf)*SizeofAllowedIP)
	b = a.Device.AppendBinary(b)
	b = ne.AppendUint32(b, uint32(len(a.PeerBuf)))
	b = ne.AppendUint32(b, uint32(len(a.AllowedIPBuf)))
	for i := range a.PeerBuf {
		b = a.PeerBuf[i].AppendBinary(b)
	}
	for i := range a.AllowedIPBuf {
		b = a.AllowedIPBuf[i].AppendBinary(b)
	}
	return b, nil
}

func (a *Arena) UnmarshalBinary(b []byte) error {
	if len(b) < SizeofDevice+8 {
		return ErrShortBuffer
	}
	if err := a.Device.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	b = b[SizeofDevice:]
	nPeers, nIPs := int(ne.Uint32(b)), int(ne.Uint32(b[4:]))
	b = b[8:]
	if len(b) != nPeers*SizeofPeer+nIPs*SizeofAllowedIP {
		return fmt.Errorf("abi: arena body is %d bytes, want %d peers and %d allowed IPs", len(b), nPeers, nIPs)
	}
	a.PeerBuf = make([]Peer, nPeers)
	for i := range a.PeerBuf {
		if err := a.PeerBuf[i].UnmarshalBinary(b[i*SizeofPeer:]); err != nil {
			return fmt.Errorf("peer %d: %w", i, err)
		}
	}
	b = b[nPeers*SizeofPeer:]
	a.AllowedIPBuf = make([]AllowedIP, nIPs)
	for i := range a.AllowedIPBuf {
		if err := a.AllowedIPBuf[i].UnmarshalBinary(b[i*SizeofAllowedIP:]); err != nil {
			return fmt.Errorf("allowed IP %d: %w", i, err)
		}
	}
	return nil
}
