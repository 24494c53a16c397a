package crypto

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	master, err := NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	key, err := DeriveKey(master, "test")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	sealed, err := Seal(key, []byte("header.payload.signature"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(sealed) != IVSize+TagSize+len("header.payload.signature") {
		t.Fatalf("unexpected sealed length %d", len(sealed))
	}
	plain, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plain) != "header.payload.signature" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestSealUsesFreshIV(t *testing.T) {
	key, _ := DeriveKey([]byte("master"), "test")
	a, err := Seal(key, []byte("same"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := Seal(key, []byte("same"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(a[:IVSize], b[:IVSize]) {
		t.Fatal("expected distinct IVs per seal")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	key, _ := DeriveKey([]byte("master"), "test")
	sealed, err := Seal(key, []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := Open(key, sealed); err == nil {
		t.Fatal("expected authentication failure")
	}
	if _, err := Open(key, []byte("short")); err != ErrShortPayload {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

func TestDeriveKeyIsPurposeBound(t *testing.T) {
	a, _ := DeriveKey([]byte("master"), "one")
	b, _ := DeriveKey([]byte("master"), "two")
	if bytes.Equal(a, b) {
		t.Fatal("expected different keys for different purposes")
	}
	if _, err := DeriveKey(nil, "one"); err == nil {
		t.Fatal("expected error for empty master key")
	}
}
