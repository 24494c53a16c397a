package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of both the master key and the derived AES-256 key.
	KeySize = 32
	// IVSize is the GCM nonce length used for sealed tokens.
	IVSize = 16
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

// ErrShortPayload is returned when a sealed payload cannot hold IV and tag.
var ErrShortPayload = errors.New("crypto: sealed payload too short")

// DeriveKey expands master key material into a purpose-bound AES-256 key.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.New("crypto: empty master key")
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// NewKey returns KeySize random bytes.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

// Seal encrypts plaintext with AES-GCM and returns IV || tag || ciphertext.
func Seal(key []byte, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	// Seal appends the tag after the ciphertext; the stored layout puts it first.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	body, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]
	out := make([]byte, 0, IVSize+TagSize+len(body))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, body...)
	return out, nil
}

// Open reverses Seal.
func Open(key []byte, payload []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(payload) < IVSize+TagSize {
		return nil, ErrShortPayload
	}
	iv := payload[:IVSize]
	tag := payload[IVSize : IVSize+TagSize]
	body := payload[IVSize+TagSize:]
	joined := make([]byte, 0, len(body)+TagSize)
	joined = append(joined, body...)
	joined = append(joined, tag...)
	plain, err := gcm.Open(nil, iv, joined, nil)
	if err != nil {
		return nil, err
	}
	return plain, nil
}
