package config_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nyiyui/wgtree/config"
	"github.com/nyiyui/wgtree/emu"
	"github.com/nyiyui/wgtree/wg"
	"gopkg.in/yaml.v3"
)

type keys struct {
	priv, peerA, peerB, psk wg.Key
}

func newKeys() keys {
	return keys{
		priv:  wg.GeneratePrivateKey(),
		peerA: wg.GeneratePrivateKey().PublicKey(),
		peerB: wg.GeneratePrivateKey().PublicKey(),
		psk:   wg.GeneratePrivateKey(),
	}
}

func (k keys) want() *config.File {
	port := uint16(51820)
	return &config.File{Devices: []config.Device{{
		Name:         "wg0",
		PrivateKey:   &k.priv,
		ListenPort:   &port,
		FirewallMark: 0x51,
		Peers: []config.Peer{
			{
				PublicKey:           k.peerA,
				PresharedKey:        &k.psk,
				Endpoint:            "203.0.113.5:51820",
				PersistentKeepalive: config.Duration(25 * time.Second),
				AllowedIPs: []wg.AllowedIP{
					wg.NewAllowedIP(netip.MustParseAddr("10.0.0.2"), 32),
					wg.NewAllowedIP(netip.MustParseAddr("fd00::"), 64),
				},
			},
			{
				PublicKey: k.peerB,
				Endpoint:  "peer.example:51820",
			},
		},
	}}}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	k := newKeys()
	path := writeFile(t, "wg.yaml", fmt.Sprintf(`devices:
  - name: wg0
    private_key: %q
    listen_port: 51820
    firewall_mark: 81
    peers:
      - public_key: %q
        preshared_key: %q
        endpoint: 203.0.113.5:51820
        persistent_keepalive: 25
        allowed_ips: [10.0.0.2/32, "fd00::/64"]
      - public_key: %q
        endpoint: peer.example:51820
`, k.priv, k.peerA, k.psk, k.peerB))
	f, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(k.want(), f); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestLoadJSON(t *testing.T) {
	k := newKeys()
	path := writeFile(t, "wg.json", fmt.Sprintf(`{"devices": [{
  "name": "wg0",
  "private_key": %q,
  "listen_port": 51820,
  "firewall_mark": 81,
  "peers": [
    {"public_key": %q, "preshared_key": %q, "endpoint": "203.0.113.5:51820",
     "persistent_keepalive": "25s", "allowed_ips": ["10.0.0.2/32", "fd00::/64"]},
    {"public_key": %q, "endpoint": "peer.example:51820"}
  ]
}]}`, k.priv, k.peerA, k.psk, k.peerB))
	f, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(k.want(), f); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	pub := wg.GeneratePrivateKey().PublicKey()
	tests := map[string]string{
		"unknown field":  "devices:\n  - name: wg0\n    mtu: 1420\n",
		"bad name":       "devices:\n  - name: a-name-that-is-too-long\n",
		"empty name":     "devices:\n  - name: \"\"\n",
		"twice":          "devices:\n  - name: wg0\n  - name: wg0\n",
		"bad key":        "devices:\n  - name: wg0\n    private_key: AAAA\n",
		"no public key":  "devices:\n  - name: wg0\n    peers:\n      - endpoint: 192.0.2.1:1\n",
		"peer twice":     fmt.Sprintf("devices:\n  - name: wg0\n    peers:\n      - public_key: %q\n      - public_key: %q\n", pub, pub),
		"bad allowed ip": fmt.Sprintf("devices:\n  - name: wg0\n    peers:\n      - public_key: %q\n        allowed_ips: [10.0.0.1]\n", pub),
		"bad duration":   fmt.Sprintf("devices:\n  - name: wg0\n    peers:\n      - public_key: %q\n        persistent_keepalive: soon\n", pub),
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := config.Load(writeFile(t, "wg.yaml", content)); err == nil {
				t.Fatal("accepted")
			}
		})
	}
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file = %v", err)
	}
}

func TestDuration(t *testing.T) {
	type test struct {
		in   string
		want time.Duration
	}
	tests := []test{
		{"25", 25 * time.Second},
		{"25s", 25 * time.Second},
		{"1m30s", 90 * time.Second},
		{"0", 0},
	}
	for _, tt := range tests {
		var d config.Duration
		if err := yaml.Unmarshal([]byte(tt.in), &d); err != nil {
			t.Errorf("yaml %q: %s", tt.in, err)
		} else if time.Duration(d) != tt.want {
			t.Errorf("yaml %q = %s; want %s", tt.in, time.Duration(d), tt.want)
		}
	}
	var d config.Duration
	if err := d.UnmarshalJSON([]byte("30")); err != nil || time.Duration(d) != 30*time.Second {
		t.Errorf("json 30 = %s, %v", time.Duration(d), err)
	}
	if err := d.UnmarshalJSON([]byte("true")); err == nil {
		t.Error("json true accepted")
	}
	out, err := yaml.Marshal(config.Duration(25 * time.Second))
	if err != nil || string(out) != "25s\n" {
		t.Errorf("marshal = %q, %v", out, err)
	}
}

type fakeResolver map[string]netip.AddrPort

func (r fakeResolver) Endpoint(_ context.Context, hostport string) (netip.AddrPort, error) {
	if ap, ok := r[hostport]; ok {
		return ap, nil
	}
	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		return ap, nil
	}
	return netip.AddrPort{}, errors.New("no address")
}

func TestApply(t *testing.T) {
	sys, err := emu.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sys.Close() })
	c := wg.NewClient(sys)

	k := newKeys()
	cfg := k.want().Devices[0]
	dev, err := c.Create(cfg.Name, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := fakeResolver{"peer.example:51820": netip.MustParseAddrPort("198.51.100.7:51820")}
	if err := cfg.Apply(context.Background(), dev, r); err != nil {
		t.Fatal(err)
	}
	if err := dev.Save(); err != nil {
		t.Fatal(err)
	}

	dev, err = c.Open(cfg.Name)
	if err != nil {
		t.Fatal(err)
	}
	want := cfg
	want.Peers = append([]config.Peer(nil), cfg.Peers...)
	want.Peers[1].Endpoint = "198.51.100.7:51820"
	if diff := cmp.Diff(want, config.FromDevice(dev)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestApplyKeepsUnsetFields(t *testing.T) {
	sys, err := emu.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sys.Close() })
	c := wg.NewClient(sys)

	priv := wg.GeneratePrivateKey()
	dev, err := c.Create("wg0", &priv)
	if err != nil {
		t.Fatal(err)
	}
	dev.SetListenPort(51820)
	if err := (config.Device{Name: "wg0"}).Apply(context.Background(), dev, nil); err != nil {
		t.Fatal(err)
	}
	if k, ok := dev.PrivateKey(); !ok || k != priv {
		t.Errorf("private key = %s, %t", k, ok)
	}
	if port, ok := dev.ListenPort(); !ok || port != 51820 {
		t.Errorf("listen port = %d, %t", port, ok)
	}
	if len(dev.Peers()) != 0 {
		t.Errorf("%d peers", len(dev.Peers()))
	}
}

func TestApplyUnresolved(t *testing.T) {
	pub := wg.GeneratePrivateKey().PublicKey()
	cfg := config.Device{Name: "wg0", Peers: []config.Peer{{PublicKey: pub, Endpoint: "peer.example:1"}}}
	sys, err := emu.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sys.Close() })
	dev, err := wg.NewClient(sys).Create("wg0", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Apply(context.Background(), dev, nil); err == nil {
		t.Error("hostname endpoint accepted without a resolver")
	}
	if err := cfg.Apply(context.Background(), dev, fakeResolver{}); err == nil {
		t.Error("unresolvable endpoint accepted")
	}
}
