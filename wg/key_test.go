package wg

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
)

func TestKeyBase64RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	keys := []Key{{}, GeneratePrivateKey()}
	var ones Key
	for i := range ones {
		ones[i] = 0xff
	}
	keys = append(keys, ones)
	for i := 0; i < 100; i++ {
		var k Key
		r.Read(k[:])
		keys = append(keys, k)
	}
	for _, k := range keys {
		got, err := ParseKey(k.String())
		if err != nil {
			t.Fatalf("ParseKey(%s): %s", k, err)
		}
		if got != k {
			t.Fatalf("round trip of %x gave %x", k, got)
		}
	}
}

func TestParseKeyErrors(t *testing.T) {
	type test struct {
		in   string
		want error
	}
	tests := []test{
		{"", ErrInvalidLength},
		{base64.StdEncoding.EncodeToString(make([]byte, 31)), ErrInvalidLength},
		{base64.StdEncoding.EncodeToString(make([]byte, 33)), ErrInvalidLength},
		{base64.StdEncoding.EncodeToString(make([]byte, 64)), ErrInvalidLength},
		{"not base64!", ErrInvalidBase64},
		{"AAAA*AAA", ErrInvalidBase64},
		{"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", ErrInvalidBase64}, // missing padding
	}
	for _, tt := range tests {
		_, err := ParseKey(tt.in)
		if !errors.Is(err, tt.want) {
			t.Errorf("ParseKey(%q) = %v; want %v", tt.in, err, tt.want)
		}
	}
}

func TestKeyFromSlice(t *testing.T) {
	for _, n := range []int{0, 1, 31, 33} {
		if _, err := KeyFromSlice(make([]byte, n)); !errors.Is(err, ErrInvalidLength) {
			t.Errorf("KeyFromSlice(%d bytes) = %v", n, err)
		}
	}
	b := make([]byte, 32)
	b[31] = 9
	k, err := KeyFromSlice(b)
	if err != nil {
		t.Fatal(err)
	}
	if k[31] != 9 {
		t.Fatal("bytes not copied")
	}
}

func TestPublicKeyDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		k := GeneratePrivateKey()
		if k.PublicKey() != k.PublicKey() {
			t.Fatal("derivation is not deterministic")
		}
		if k.PublicKey() == k {
			t.Fatal("public key equals private key")
		}
	}
	a, b := GeneratePrivateKey(), GeneratePrivateKey()
	if a == b || a.PublicKey() == b.PublicKey() {
		t.Fatal("two generated keys collide")
	}
}

func TestKeyText(t *testing.T) {
	k := GeneratePrivateKey()
	b, err := json.Marshal(map[string]Key{"k": k})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]Key
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got["k"] != k {
		t.Fatal("JSON round trip changed the key")
	}
	var k2 Key
	if err := k2.UnmarshalText([]byte("AAAA")); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("UnmarshalText = %v", err)
	}
}

func TestKeyCompare(t *testing.T) {
	var a, b Key
	b[0] = 1
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 || a.Compare(a) != 0 {
		t.Fatal("Compare is not bytewise")
	}
	if !a.IsZero() || b.IsZero() {
		t.Fatal("IsZero")
	}
}
