// Package userspace is a WireGuard configuration system backed by
// wireguard-go devices running in this process on gVisor netstack TUNs.
// Devices are configured over the UAPI text protocol.
//
// Devices are created down, so configuring one opens no sockets. Call Up to
// start one.
package userspace

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nyiyui/wgtree/abi"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"
)

const DefaultMTU = 1420

type System struct {
	mtu int

	lock    sync.Mutex
	devices map[string]*iface
	names   []string
	ifindex uint32
}

type iface struct {
	dev     *device.Device
	ifindex uint32
	order   order
}

func New(mtu int) *System {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &System{mtu: mtu, devices: map[string]*iface{}, ifindex: 1}
}

// Close closes every device.
func (s *System) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, name := range s.names {
		s.devices[name].dev.Close()
	}
	clear(s.devices)
	s.names = nil
	return nil
}

func (s *System) DeviceNames() ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return abi.PackNames(s.names), nil
}

func (s *System) AddDevice(name string) error {
	var d abi.Device
	if name == "" || !d.SetName(name) {
		return unix.EINVAL
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.devices[name]; ok {
		return unix.EEXIST
	}
	nt, _, err := netstack.CreateNetTUN(nil, nil, s.mtu)
	if err != nil {
		return fmt.Errorf("create netstack TUN: %w", err)
	}
	l := zap.S().Named(name)
	logger := &device.Logger{Verbosef: l.Debugf, Errorf: l.Errorf}
	s.devices[name] = &iface{
		dev:     device.NewDevice(newManualTUN(nt), conn.NewDefaultBind(), logger),
		ifindex: s.ifindex,
	}
	s.ifindex++
	s.names = append(s.names, name)
	zap.S().Debugf("userspace: added device %s.", name)
	return nil
}

func (s *System) DelDevice(name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	ifc, ok := s.devices[name]
	if !ok {
		return unix.ENODEV
	}
	ifc.dev.Close()
	delete(s.devices, name)
	for i, n := range s.names {
		if n == name {
			s.names = append(s.names[:i], s.names[i+1:]...)
			break
		}
	}
	zap.S().Debugf("userspace: deleted device %s.", name)
	return nil
}

// Up brings the named device up, binding its listen port.
func (s *System) Up(name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	ifc, ok := s.devices[name]
	if !ok {
		return unix.ENODEV
	}
	return ifc.dev.Up()
}

func (s *System) GetDevice(name string) (*abi.Arena, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	ifc, ok := s.devices[name]
	if !ok {
		return nil, unix.ENODEV
	}
	text, err := ifc.dev.IpcGet()
	if err != nil {
		return nil, mapIPCError(err)
	}
	a, err := parseGet(name, text)
	if err != nil {
		return nil, fmt.Errorf("parse uapi get: %w", err)
	}
	a = ifc.order.apply(a)
	a.Device.Ifindex = ifc.ifindex
	return a, nil
}

func (s *System) SetDevice(a *abi.Arena) error {
	name := a.Device.NameString()
	s.lock.Lock()
	defer s.lock.Unlock()
	ifc, ok := s.devices[name]
	if !ok {
		return unix.ENODEV
	}
	text, err := renderSet(a)
	if err != nil {
		return err
	}
	zap.S().Debugf("userspace: configuring %s.", name)
	if err := ifc.dev.IpcSet(text); err != nil {
		return mapIPCError(err)
	}
	ifc.order.update(a)
	return nil
}

// manualTUN hides EventUp from the device, which would otherwise come up
// (and bind its port) as soon as it is created.
type manualTUN struct {
	tun.Device
	events chan tun.Event
}

func newManualTUN(dev tun.Device) *manualTUN {
	t := &manualTUN{Device: dev, events: make(chan tun.Event, 10)}
	go func() {
		defer close(t.events)
		for e := range dev.Events() {
			if e &^= tun.EventUp; e != 0 {
				t.events <- e
			}
		}
	}()
	return t
}

func (t *manualTUN) Events() <-chan tun.Event { return t.events }

// mapIPCError exposes the errno carried by a UAPI error. wireguard-go
// reports it negated.
func mapIPCError(err error) error {
	var ipcErr interface{ ErrorCode() int64 }
	if !errors.As(err, &ipcErr) {
		return err
	}
	code := ipcErr.ErrorCode()
	if code < 0 {
		code = -code
	}
	return fmt.Errorf("%w: %w", unix.Errno(code), err)
}
