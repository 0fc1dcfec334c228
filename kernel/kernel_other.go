//go:build !linux

// Package kernel configures in-kernel WireGuard interfaces. Only linux is
// supported.
package kernel

import (
	"errors"

	"github.com/nyiyui/wgtree/abi"
)

var errUnsupported = errors.New("kernel: in-kernel WireGuard is only supported on linux")

type System struct{}

func New() (*System, error) { return nil, errUnsupported }

func (s *System) Close() error                         { return errUnsupported }
func (s *System) DeviceNames() ([]byte, error)         { return nil, errUnsupported }
func (s *System) AddDevice(name string) error          { return errUnsupported }
func (s *System) DelDevice(name string) error          { return errUnsupported }
func (s *System) GetDevice(string) (*abi.Arena, error) { return nil, errUnsupported }
func (s *System) SetDevice(*abi.Arena) error           { return errUnsupported }
