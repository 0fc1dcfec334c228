package wg

import "github.com/nyiyui/wgtree/abi"

// deviceOptions says which device fields a configuration request carries.
// It becomes abi.DeviceFlags only when a record is written.
type deviceOptions struct {
	replacePeers  bool
	hasPrivateKey bool
	hasPublicKey  bool
	hasListenPort bool
	hasFwmark     bool
}

func (o deviceOptions) flags() abi.DeviceFlags {
	var f abi.DeviceFlags
	if o.replacePeers {
		f |= abi.DeviceReplacePeers
	}
	if o.hasPrivateKey {
		f |= abi.DeviceHasPrivateKey
	}
	if o.hasPublicKey {
		f |= abi.DeviceHasPublicKey
	}
	if o.hasListenPort {
		f |= abi.DeviceHasListenPort
	}
	if o.hasFwmark {
		f |= abi.DeviceHasFwmark
	}
	return f
}

func deviceOptionsFrom(f abi.DeviceFlags) deviceOptions {
	return deviceOptions{
		replacePeers:  f&abi.DeviceReplacePeers != 0,
		hasPrivateKey: f&abi.DeviceHasPrivateKey != 0,
		hasPublicKey:  f&abi.DeviceHasPublicKey != 0,
		hasListenPort: f&abi.DeviceHasListenPort != 0,
		hasFwmark:     f&abi.DeviceHasFwmark != 0,
	}
}

type peerOptions struct {
	removeMe               bool
	replaceAllowedIPs      bool
	hasPublicKey           bool
	hasPresharedKey        bool
	hasPersistentKeepalive bool
}

func (o peerOptions) flags() abi.PeerFlags {
	var f abi.PeerFlags
	if o.removeMe {
		f |= abi.PeerRemoveMe
	}
	if o.replaceAllowedIPs {
		f |= abi.PeerReplaceAllowedIPs
	}
	if o.hasPublicKey {
		f |= abi.PeerHasPublicKey
	}
	if o.hasPresharedKey {
		f |= abi.PeerHasPresharedKey
	}
	if o.hasPersistentKeepalive {
		f |= abi.PeerHasPersistentKeepaliveInterval
	}
	return f
}

func peerOptionsFrom(f abi.PeerFlags) peerOptions {
	return peerOptions{
		removeMe:               f&abi.PeerRemoveMe != 0,
		replaceAllowedIPs:      f&abi.PeerReplaceAllowedIPs != 0,
		hasPublicKey:           f&abi.PeerHasPublicKey != 0,
		hasPresharedKey:        f&abi.PeerHasPresharedKey != 0,
		hasPersistentKeepalive: f&abi.PeerHasPersistentKeepaliveInterval != 0,
	}
}
