package handshake

import (
	"crypto"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the length of the per-connection symmetric key.
	KeySize = 32
	// SecretSize is the length of a raw P-384 ECDH output.
	SecretSize = 48
	// MaxClientKeyChars bounds the hex handshake frame accepted from a client.
	MaxClientKeyChars = 2048

	// keyOffset is the fixed slice offset into the ECDH output. Wire-compatible peers
	// derive the session key as secret[8:40]; no KDF is applied.
	keyOffset = 8
)

var (
	ErrInvalidKey   = errors.New("invalid handshake key")
	ErrBadSignature = errors.New("server signature verification failed")
	ErrBadReply     = errors.New("malformed handshake reply")
)

var curve = ecdh.P384()

// Signer authenticates the server's ephemeral public key with the room identity.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
}

// KeyPair is an ephemeral P-384 key pair used for a single handshake.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair produces a fresh ephemeral key pair. A nil reader uses crypto/rand.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate p-384 key: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromBytes imports a raw 48-byte P-384 scalar.
func KeyPairFromBytes(raw []byte) (*KeyPair, error) {
	priv, err := curve.NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("import p-384 key: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// Public returns the uncompressed point encoding of the public key.
func (k *KeyPair) Public() []byte {
	return k.priv.PublicKey().Bytes()
}

// PublicHex returns the lowercase hex of the uncompressed public point, the form clients send.
func (k *KeyPair) PublicHex() string {
	return hex.EncodeToString(k.Public())
}

// SharedKey runs ECDH against the peer's raw public point and returns the derived session key.
func (k *KeyPair) SharedKey(peer []byte) ([]byte, error) {
	pub, err := curve.NewPublicKey(peer)
	if err != nil {
		return nil, fmt.Errorf("import peer key: %w", ErrInvalidKey)
	}
	secret, err := k.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	defer zeroBytes(secret)
	return DeriveKey(secret)
}

// DeriveKey takes the 32 bytes at offset 8 of a 48-byte ECDH output.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("shared secret must be %d bytes (got %d)", SecretSize, len(secret))
	}
	key := make([]byte, KeySize)
	copy(key, secret[keyOffset:keyOffset+KeySize])
	return key, nil
}

// ParseClientKey decodes the client's hex handshake frame into a raw public point.
func ParseClientKey(frame string) ([]byte, error) {
	if len(frame) == 0 || len(frame) >= MaxClientKeyChars {
		return nil, fmt.Errorf("client key length %d: %w", len(frame), ErrInvalidKey)
	}
	raw, err := hex.DecodeString(frame)
	if err != nil {
		return nil, fmt.Errorf("decode client key: %w", ErrInvalidKey)
	}
	return raw, nil
}

// Respond performs the server side of the exchange. It returns the reply frame
// "hex(serverPub)|base64(signature)" and the derived session key.
func Respond(clientFrame string, signer Signer, r io.Reader) (string, []byte, error) {
	clientPub, err := ParseClientKey(clientFrame)
	if err != nil {
		return "", nil, err
	}
	eph, err := GenerateKeyPair(r)
	if err != nil {
		return "", nil, err
	}
	key, err := eph.SharedKey(clientPub)
	if err != nil {
		return "", nil, err
	}
	pub := eph.Public()
	sig, err := signer.Sign(pub)
	if err != nil {
		zeroBytes(key)
		return "", nil, fmt.Errorf("sign ephemeral key: %w", err)
	}
	return hex.EncodeToString(pub) + "|" + base64.StdEncoding.EncodeToString(sig), key, nil
}

// ParseServerKey imports the base64 SPKI DER public key from a server-key frame.
func ParseServerKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode server key: %w", ErrInvalidKey)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse server key: %w", ErrInvalidKey)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("server key is %T: %w", parsed, ErrInvalidKey)
	}
	return pub, nil
}

// Complete verifies the server reply against the identity key and derives the session key.
func (k *KeyPair) Complete(reply string, identity *rsa.PublicKey) ([]byte, error) {
	pubHex, sigB64, ok := strings.Cut(reply, "|")
	if !ok {
		return nil, ErrBadReply
	}
	serverPub, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("decode server key: %w", ErrBadReply)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", ErrBadReply)
	}
	digest := sha256.Sum256(serverPub)
	if err := rsa.VerifyPKCS1v15(identity, crypto.SHA256, digest[:], sig); err != nil {
		return nil, ErrBadSignature
	}
	return k.SharedKey(serverPub)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
