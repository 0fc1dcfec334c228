package wg

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var (
	ErrInvalidLength = errors.New("key length must be 32")
	ErrInvalidBase64 = errors.New("key is not valid base64")
)

// Key is a curve25519 private key, public key, or preshared key.
type Key wgtypes.Key

// GeneratePrivateKey returns a fresh private key. It panics if the system
// random source fails.
func GeneratePrivateKey() Key {
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		panic(fmt.Sprintf("generating private key: %s", err))
	}
	return Key(k)
}

// PublicKey derives the public key paired with private key k.
func (k Key) PublicKey() Key {
	return Key(wgtypes.Key(k).PublicKey())
}

func KeyFromSlice(b []byte) (Key, error) {
	var k Key
	if len(b) != len(k) {
		return Key{}, fmt.Errorf("%w, got %d", ErrInvalidLength, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// ParseKey decodes a standard base64 key.
func ParseKey(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrInvalidBase64, err)
	}
	return KeyFromSlice(b)
}

func (k Key) String() string {
	return wgtypes.Key(k).String()
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	k2, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = k2
	return nil
}

// Compare orders keys bytewise.
func (k Key) Compare(o Key) int {
	return bytes.Compare(k[:], o[:])
}

func (k Key) IsZero() bool {
	return k == Key{}
}
