//go:build linux

// Package kernel configures in-kernel WireGuard interfaces: wgctrl over
// generic netlink for device configuration, rtnetlink for adding and
// removing the interfaces themselves.
package kernel

import (
	"errors"
	"fmt"

	"github.com/nyiyui/wgtree/abi"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

type System struct {
	client *wgctrl.Client
	handle *netlink.Handle
}

func New() (*System, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("wgctrl: %w", err)
	}
	handle, err := netlink.NewHandle()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("netlink: %w", err)
	}
	return &System{client: client, handle: handle}, nil
}

func (s *System) Close() error {
	s.handle.Close()
	return s.client.Close()
}

func (s *System) DeviceNames() ([]byte, error) {
	ds, err := s.client.Devices()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ds))
	for _, d := range ds {
		if d.Type != wgtypes.LinuxKernel {
			continue
		}
		names = append(names, d.Name)
	}
	return abi.PackNames(names), nil
}

// AddDevice does "ip link add dev <name> type wireguard".
func (s *System) AddDevice(name string) error {
	zap.S().Debugf("adding link %s.", name)
	err := s.handle.LinkAdd(&netlink.GenericLink{
		LinkAttrs: netlink.LinkAttrs{
			Name: name,
		},
		LinkType: "wireguard",
	})
	if err != nil {
		return fmt.Errorf("adding link %s: %w", name, err)
	}
	return nil
}

func (s *System) DelDevice(name string) error {
	link, err := s.link(name)
	if err != nil {
		return err
	}
	zap.S().Debugf("deleting link %s.", name)
	return s.handle.LinkDel(link)
}

func (s *System) link(name string) (netlink.Link, error) {
	link, err := s.handle.LinkByName(name)
	var lnf netlink.LinkNotFoundError
	if errors.As(err, &lnf) {
		return nil, fmt.Errorf("link %s: %w", name, unix.ENODEV)
	}
	return link, err
}

func (s *System) GetDevice(name string) (*abi.Arena, error) {
	d, err := s.client.Device(name)
	if err != nil {
		return nil, mapError(err)
	}
	a := arenaFromDevice(d)
	link, err := s.link(name)
	if err != nil {
		return nil, err
	}
	a.Device.Ifindex = uint32(link.Attrs().Index)
	return a, nil
}

func (s *System) SetDevice(a *abi.Arena) error {
	name := a.Device.NameString()
	cfg, err := configFromArena(a)
	if err != nil {
		return err
	}
	zap.S().Debugf("wg interface %s configuration:\n%s", name, stringConfig(&cfg))
	err = s.client.ConfigureDevice(name, cfg)
	if err != nil {
		return mapError(err)
	}
	zap.S().Debugf("wg interface %s configured.", name)
	return nil
}
