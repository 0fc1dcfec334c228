// Package wg is a tree-shaped model of WireGuard interface configuration
// (devices, peers, allowed IPs, keys) and its conversion to and from the
// record layout of package abi.
//
// A System does the actual work: the kernel, a userspace implementation, or
// an emulator. Failures from a System are OS errors (unix.Errno), possibly
// wrapped; test them with errors.Is.
package wg

import (
	"fmt"

	"github.com/nyiyui/wgtree/abi"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// System is an external WireGuard configuration system. Every method is one
// blocking call.
type System interface {
	// DeviceNames returns the names of all devices, packed as read by
	// abi.Names.
	DeviceNames() ([]byte, error)
	AddDevice(name string) error
	DelDevice(name string) error
	// GetDevice returns the current configuration of the named device.
	GetDevice(name string) (*abi.Arena, error)
	// SetDevice applies the configuration in a. The System must not keep a
	// after returning.
	SetDevice(a *abi.Arena) error
}

type Client struct {
	sys System
}

func NewClient(sys System) *Client {
	return &Client{sys: sys}
}

// All opens every device on the system, in the order the system lists them.
// It stops at the first device that fails to open.
func (c *Client) All() ([]*Device, error) {
	buf, err := c.sys.DeviceNames()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var ds []*Device
	for name := range abi.Names(buf) {
		d, err := c.Open(name)
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}
	return ds, nil
}

// Create adds a new interface. The returned Device has no peers and no
// listen port; privateKey may be nil. Nothing but the interface itself
// exists on the system until Save is called.
func (c *Client) Create(name string, privateKey *Key) (*Device, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	zap.S().Debugf("device %s: creating.", name)
	if err := c.sys.AddDevice(name); err != nil {
		return nil, fmt.Errorf("add device %s: %w", name, err)
	}
	d := &Device{sys: c.sys, name: name}
	d.SetPrivateKey(privateKey)
	return d, nil
}

func (c *Client) Open(name string) (*Device, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	a, err := c.sys.GetDevice(name)
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", name, err)
	}
	return deviceFromABI(c.sys, a), nil
}

// Remove deletes the interface.
func (c *Client) Remove(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	zap.S().Debugf("device %s: removing.", name)
	if err := c.sys.DelDevice(name); err != nil {
		return fmt.Errorf("del device %s: %w", name, err)
	}
	return nil
}

// ValidateName checks that name fits an interface name: non-empty, shorter
// than abi.IfNameSize bytes, no NUL. The error wraps unix.EINVAL.
func ValidateName(name string) error {
	var d abi.Device
	if name == "" || !d.SetName(name) {
		return nameError(name)
	}
	return nil
}

func nameError(name string) error {
	return fmt.Errorf("device name %q: %w", name, unix.EINVAL)
}
