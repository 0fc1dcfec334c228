// Package config reads declarative device configuration from YAML or JSON
// files and applies it to devices.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/nyiyui/wgtree/wg"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type File struct {
	Devices []Device `yaml:"devices" json:"devices"`
}

type Device struct {
	Name       string  `yaml:"name" json:"name"`
	PrivateKey *wg.Key `yaml:"private_key,omitempty" json:"private_key,omitempty"`
	// ListenPort is left as is on the device when nil.
	ListenPort   *uint16 `yaml:"listen_port,omitempty" json:"listen_port,omitempty"`
	FirewallMark uint32  `yaml:"firewall_mark,omitempty" json:"firewall_mark,omitempty"`
	Peers        []Peer  `yaml:"peers,omitempty" json:"peers,omitempty"`
}

type Peer struct {
	PublicKey    wg.Key  `yaml:"public_key" json:"public_key"`
	PresharedKey *wg.Key `yaml:"preshared_key,omitempty" json:"preshared_key,omitempty"`
	// Endpoint is host:port. The host may be a name to be resolved.
	Endpoint            string         `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	PersistentKeepalive Duration       `yaml:"persistent_keepalive,omitempty" json:"persistent_keepalive,omitempty"`
	AllowedIPs          []wg.AllowedIP `yaml:"allowed_ips,omitempty" json:"allowed_ips,omitempty"`
}

// EndpointResolver turns host:port into an address. *resolve.Resolver
// implements it.
type EndpointResolver interface {
	Endpoint(ctx context.Context, hostport string) (netip.AddrPort, error)
}

// Load reads the file at path. Files ending in .json are read as JSON, all
// others as YAML. Unknown fields are an error.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f := new(File)
	if filepath.Ext(path) == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(f)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(f)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (f *File) validate() error {
	seen := map[string]bool{}
	for i, d := range f.Devices {
		if err := wg.ValidateName(d.Name); err != nil {
			return fmt.Errorf("device %d: %w", i, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("device %s: defined twice", d.Name)
		}
		seen[d.Name] = true
		keys := map[wg.Key]bool{}
		for j, p := range d.Peers {
			if p.PublicKey.IsZero() {
				return fmt.Errorf("device %s: peer %d: public key required", d.Name, j)
			}
			if keys[p.PublicKey] {
				return fmt.Errorf("device %s: peer %s: defined twice", d.Name, p.PublicKey)
			}
			keys[p.PublicKey] = true
			if p.PersistentKeepalive < 0 {
				return fmt.Errorf("device %s: peer %s: negative persistent keepalive", d.Name, p.PublicKey)
			}
		}
	}
	return nil
}

// Apply sets dev's private key, listen port, firewall mark and peers from d.
// A nil private key or listen port leaves the device's own. Endpoints are
// resolved with r; if r is nil only literal addresses are accepted.
//
// Nothing reaches the system until dev.Save is called.
func (d Device) Apply(ctx context.Context, dev *wg.Device, r EndpointResolver) error {
	peers := make([]wg.Peer, 0, len(d.Peers))
	for _, cp := range d.Peers {
		p, err := cp.toPeer(ctx, r)
		if err != nil {
			return fmt.Errorf("device %s: peer %s: %w", d.Name, cp.PublicKey, err)
		}
		peers = append(peers, p)
	}
	if d.PrivateKey != nil {
		dev.SetPrivateKey(d.PrivateKey)
	}
	if d.ListenPort != nil {
		dev.SetListenPort(*d.ListenPort)
	}
	dev.SetFirewallMark(d.FirewallMark)
	dev.SetPeers(peers)
	zap.S().Debugf("device %s: applied %d peer(s) from config.", d.Name, len(peers))
	return nil
}

func (cp Peer) toPeer(ctx context.Context, r EndpointResolver) (wg.Peer, error) {
	var endpoint netip.AddrPort
	if cp.Endpoint != "" {
		var err error
		if r != nil {
			endpoint, err = r.Endpoint(ctx, cp.Endpoint)
		} else {
			endpoint, err = netip.ParseAddrPort(cp.Endpoint)
		}
		if err != nil {
			return wg.Peer{}, fmt.Errorf("endpoint: %w", err)
		}
	}
	p := wg.NewPeer(cp.PublicKey, endpoint)
	if cp.PresharedKey != nil {
		psk := *cp.PresharedKey
		p.PresharedKey = &psk
	}
	p.PersistentKeepalive = time.Duration(cp.PersistentKeepalive)
	p.AllowedIPs = append([]wg.AllowedIP(nil), cp.AllowedIPs...)
	return p, nil
}

// FromDevice describes dev as configuration. Endpoints are written as
// literal addresses. Peers the system reported without a public key get the
// zero key.
func FromDevice(dev *wg.Device) Device {
	d := Device{Name: dev.Name(), FirewallMark: dev.FirewallMark()}
	if k, ok := dev.PrivateKey(); ok {
		d.PrivateKey = &k
	}
	if port, ok := dev.ListenPort(); ok {
		d.ListenPort = &port
	}
	for _, p := range dev.Peers() {
		var cp Peer
		if p.PublicKey != nil {
			cp.PublicKey = *p.PublicKey
		}
		if p.PresharedKey != nil {
			psk := *p.PresharedKey
			cp.PresharedKey = &psk
		}
		if p.Endpoint.IsValid() {
			cp.Endpoint = p.Endpoint.String()
		}
		cp.PersistentKeepalive = Duration(p.PersistentKeepalive)
		cp.AllowedIPs = append([]wg.AllowedIP(nil), p.AllowedIPs...)
		d.Peers = append(d.Peers, cp)
	}
	return d
}
