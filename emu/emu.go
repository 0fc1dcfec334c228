// Package emu is a WireGuard configuration system that needs no kernel
// support or privileges. Devices live in a buntdb database, one key per
// device holding its records in the binary layout of package abi.
//
// SetDevice applies flags the way the kernel does, so a System backed by emu
// behaves like the real thing for everything but traffic.
package emu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/nyiyui/wgtree/abi"
	"github.com/tidwall/buntdb"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	devicePrefix = "device:"
	ifindexKey   = "meta:ifindex"
	ifindexIndex = "ifindex"
	firstIfindex = 100
)

// System is an emulated configuration system. It is safe for concurrent use.
type System struct {
	db *buntdb.DB
}

// Open opens the database at path, creating it if needed. Use ":memory:"
// for a database that is discarded on Close.
func Open(path string) (*System, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.CreateIndex(ifindexIndex, devicePrefix+"*", lessIfindex)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &System{db: db}, nil
}

func (s *System) Close() error {
	return s.db.Close()
}

func lessIfindex(a, b string) bool {
	return ifindexOf(a) < ifindexOf(b)
}

// ifindexOf reads wg_device.ifindex from an encoded arena.
func ifindexOf(v string) uint32 {
	const off = 16
	if len(v) < off+4 {
		return 0
	}
	return binary.NativeEndian.Uint32([]byte(v[off : off+4]))
}

func deviceKey(name string) string { return devicePrefix + name }

func (s *System) DeviceNames() ([]byte, error) {
	var names []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(ifindexIndex, func(key, value string) bool {
			names = append(names, key[len(devicePrefix):])
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return abi.PackNames(names), nil
}

func (s *System) AddDevice(name string) error {
	var d abi.Device
	if name == "" || !d.SetName(name) {
		return unix.EINVAL
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Get(deviceKey(name))
		if err == nil {
			return unix.EEXIST
		}
		if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		ifindex, err := nextIfindex(tx)
		if err != nil {
			return err
		}
		d.Ifindex = ifindex
		zap.S().Debugf("emu: adding device %s (ifindex %d).", name, ifindex)
		return put(tx, &state{dev: d})
	})
}

func nextIfindex(tx *buntdb.Tx) (uint32, error) {
	next := uint64(firstIfindex)
	v, err := tx.Get(ifindexKey)
	switch {
	case err == nil:
		next, err = strconv.ParseUint(v, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("corrupt ifindex counter %q: %w", v, err)
		}
	case !errors.Is(err, buntdb.ErrNotFound):
		return 0, err
	}
	_, _, err = tx.Set(ifindexKey, strconv.FormatUint(next+1, 10), nil)
	return uint32(next), err
}

func (s *System) DelDevice(name string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(deviceKey(name))
		if errors.Is(err, buntdb.ErrNotFound) {
			return unix.ENODEV
		}
		zap.S().Debugf("emu: deleted device %s.", name)
		return err
	})
}

func (s *System) GetDevice(name string) (*abi.Arena, error) {
	var st *state
	err := s.db.View(func(tx *buntdb.Tx) (err error) {
		st, err = get(tx, name)
		return
	})
	if err != nil {
		return nil, err
	}
	return st.arena(), nil
}

func (s *System) SetDevice(a *abi.Arena) error {
	name := a.Device.NameString()
	return s.db.Update(func(tx *buntdb.Tx) error {
		st, err := get(tx, name)
		if err != nil {
			return err
		}
		if err := st.apply(a); err != nil {
			return err
		}
		zap.S().Debugf("emu: device %s now has %d peer(s).", name, len(st.peers))
		return put(tx, st)
	})
}

func get(tx *buntdb.Tx, name string) (*state, error) {
	v, err := tx.Get(deviceKey(name))
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, unix.ENODEV
	}
	if err != nil {
		return nil, err
	}
	var a abi.Arena
	if err := a.UnmarshalBinary([]byte(v)); err != nil {
		return nil, fmt.Errorf("device %s: %w", name, err)
	}
	return stateFrom(&a), nil
}

func put(tx *buntdb.Tx, st *state) error {
	b, err := st.arena().MarshalBinary()
	if err != nil {
		return err
	}
	_, _, err = tx.Set(deviceKey(st.dev.NameString()), string(b), nil)
	return err
}

// state is a device as the system keeps it: records without links, and no
// flags.
type state struct {
	dev   abi.Device
	peers []peerState
}

type peerState struct {
	rec abi.Peer
	ips []abi.AllowedIP
}

func stateFrom(a *abi.Arena) *state {
	st := &state{dev: a.Device}
	st.dev.Flags, st.dev.FirstPeer, st.dev.LastPeer = 0, abi.Nil, abi.Nil
	for p := range a.Peers() {
		ps := peerState{rec: *p}
		for ip := range a.AllowedIPs(p) {
			r := *ip
			r.Next = abi.Nil
			ps.ips = append(ps.ips, r)
		}
		ps.rec.Flags, ps.rec.FirstAllowedIP, ps.rec.LastAllowedIP, ps.rec.Next = 0, abi.Nil, abi.Nil, abi.Nil
		st.peers = append(st.peers, ps)
	}
	return st
}

// arena renders st with the flags a reader of the kernel would see.
func (st *state) arena() *abi.Arena {
	a := &abi.Arena{Device: st.dev}
	var zero [abi.KeyLen]byte
	if st.dev.PrivateKey != zero {
		a.Device.Flags |= abi.DeviceHasPrivateKey | abi.DeviceHasPublicKey
	}
	if st.dev.ListenPort != 0 {
		a.Device.Flags |= abi.DeviceHasListenPort
	}
	if st.dev.Fwmark != 0 {
		a.Device.Flags |= abi.DeviceHasFwmark
	}
	recs := make([]abi.Peer, len(st.peers))
	for i, ps := range st.peers {
		recs[i] = ps.rec
		recs[i].Flags = abi.PeerHasPublicKey
		if ps.rec.PresharedKey != zero {
			recs[i].Flags |= abi.PeerHasPresharedKey
		}
		if ps.rec.PersistentKeepaliveInterval != 0 {
			recs[i].Flags |= abi.PeerHasPersistentKeepaliveInterval
		}
		recs[i].FirstAllowedIP, recs[i].LastAllowedIP = a.AppendAllowedIPs(ps.ips...)
	}
	a.Device.FirstPeer, a.Device.LastPeer = a.AppendPeers(recs...)
	return a
}

// apply updates st from a. On error st may be partly updated; callers
// discard it.
func (st *state) apply(a *abi.Arena) error {
	f := a.Device.Flags
	if f&abi.DeviceHasPrivateKey != 0 {
		st.dev.PrivateKey = a.Device.PrivateKey
		var zero [abi.KeyLen]byte
		if a.Device.PrivateKey == zero {
			st.dev.PublicKey = zero
		} else {
			st.dev.PublicKey = wgtypes.Key(a.Device.PrivateKey).PublicKey()
		}
	}
	if f&abi.DeviceHasListenPort != 0 {
		st.dev.ListenPort = a.Device.ListenPort
	}
	if f&abi.DeviceHasFwmark != 0 {
		st.dev.Fwmark = a.Device.Fwmark
	}
	if f&abi.DeviceReplacePeers != 0 {
		st.peers = nil
	}
	for p := range a.Peers() {
		if err := st.applyPeer(a, p); err != nil {
			return err
		}
	}
	return nil
}

func (st *state) applyPeer(a *abi.Arena, p *abi.Peer) error {
	if p.Flags&abi.PeerHasPublicKey == 0 {
		return unix.EINVAL
	}
	i := st.findPeer(p.PublicKey)
	if p.Flags&abi.PeerRemoveMe != 0 {
		if i >= 0 {
			st.peers = append(st.peers[:i], st.peers[i+1:]...)
		}
		return nil
	}
	if i < 0 {
		st.peers = append(st.peers, peerState{rec: abi.Peer{PublicKey: p.PublicKey}})
		i = len(st.peers) - 1
	}
	ps := &st.peers[i]
	if p.Flags&abi.PeerHasPresharedKey != 0 {
		ps.rec.PresharedKey = p.PresharedKey
	}
	switch p.Endpoint.Family() {
	case abi.AFUnspec:
	case abi.AFInet, abi.AFInet6:
		ps.rec.Endpoint = p.Endpoint
	default:
		return unix.EINVAL
	}
	if p.Flags&abi.PeerHasPersistentKeepaliveInterval != 0 {
		ps.rec.PersistentKeepaliveInterval = p.PersistentKeepaliveInterval
	}
	if p.Flags&abi.PeerReplaceAllowedIPs != 0 {
		ps.ips = nil
	}
	for ip := range a.AllowedIPs(p) {
		if !validPrefix(ip) {
			return unix.EINVAL
		}
		r := *ip
		r.Next = abi.Nil
		ps.ips = append(ps.ips, r)
	}
	return nil
}

func (st *state) findPeer(pub [abi.KeyLen]byte) int {
	for i := range st.peers {
		if st.peers[i].rec.PublicKey == pub {
			return i
		}
	}
	return -1
}

func validPrefix(r *abi.AllowedIP) bool {
	switch r.Family {
	case abi.AFInet:
		return r.Cidr <= 32
	case abi.AFInet6:
		return r.Cidr <= 128
	default:
		return false
	}
}
