// Package envelope seals structured relay messages under a per-connection AES-256-GCM key.
//
// Wire form is standard base64 of iv || ciphertext || tag with a fresh 12-byte iv per call.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	KeySize   = 32
	NonceSize = 12
	tagSize   = 16
)

var (
	ErrAuthentication = errors.New("envelope authentication failed")
	ErrMalformed      = errors.New("malformed envelope")
	ErrKeySize        = errors.New("envelope key must be 32 bytes")
)

// Seal serializes v as JSON and encrypts it under key.
func Seal(v any, key []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	defer zeroBytes(plaintext)

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	out = aead.Seal(out, out[:NonceSize], plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts wire under key and unmarshals the JSON plaintext into v.
// Tampered or wrong-key input returns ErrAuthentication.
func Open(wire string, key []byte, v any) error {
	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return fmt.Errorf("decode envelope: %w", ErrMalformed)
	}
	if len(raw) < NonceSize+tagSize {
		return fmt.Errorf("envelope too short (%d bytes): %w", len(raw), ErrMalformed)
	}
	plaintext, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return ErrAuthentication
	}
	defer zeroBytes(plaintext)
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", ErrMalformed)
	}
	return nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
