package identity

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/IIawaII/nodecrypt/internal/keystore"
)

const (
	DefaultKeyBits = 2048
	DefaultMaxAge  = 24 * time.Hour
)

// Identity is a room's signing keypair. The private key never leaves this type.
type Identity struct {
	RoomID    string
	PublicDER []byte
	CreatedAt time.Time
	priv      *rsa.PrivateKey
}

// Sign produces an RSASSA-PKCS1-v1_5 SHA-256 signature over payload.
func (i *Identity) Sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	return rsa.SignPKCS1v15(rand.Reader, i.priv, crypto.SHA256, digest[:])
}

// PublicKeyBase64 returns the SPKI DER public key in the form sent in server-key frames.
func (i *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(i.PublicDER)
}

// Store owns the identity lifecycle of a single room. It is not safe for concurrent use;
// callers serialize access through the room's event loop.
type Store struct {
	backend keystore.KeyBackend
	roomID  string
	bits    int
	maxAge  time.Duration
	now     func() time.Time

	current *Identity
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxAge sets the key age after which rotation becomes due.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithKeyBits overrides the RSA modulus size.
func WithKeyBits(bits int) Option {
	return func(s *Store) {
		if bits > 0 {
			s.bits = bits
		}
	}
}

// NewStore binds a store to one room's records in backend.
func NewStore(backend keystore.KeyBackend, roomID string, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		roomID:  roomID,
		bits:    DefaultKeyBits,
		maxAge:  DefaultMaxAge,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the room identity, loading it from the keystore or generating and
// persisting a new one.
func (s *Store) GetOrCreate(ctx context.Context) (*Identity, error) {
	if s.current != nil {
		return s.current, nil
	}
	if s.backend == nil {
		return nil, errors.New("keystore is required for room identity")
	}

	rec, err := s.backend.LoadIdentity(ctx, s.roomID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load room identity: %w", err)
		}
		id, genErr := s.generate(ctx)
		if genErr != nil {
			return nil, genErr
		}
		s.current = id
		return id, nil
	}
	defer rec.Zero()

	id, err := importIdentity(rec)
	if err != nil {
		return nil, err
	}
	s.current = id
	return id, nil
}

// RotateIfSafe replaces the identity when it is due (pending flag set or older than the
// maximum age) and active is zero. When connections remain it records a pending rotation
// and returns false.
func (s *Store) RotateIfSafe(ctx context.Context, active int) (bool, error) {
	due, err := s.rotationDue(ctx)
	if err != nil || !due {
		return false, err
	}
	if active > 0 {
		if err := s.backend.SetPendingRotation(ctx, s.roomID, true); err != nil {
			return false, fmt.Errorf("record pending rotation: %w", err)
		}
		return false, nil
	}

	if err := s.backend.DeleteIdentity(ctx, s.roomID); err != nil {
		return false, fmt.Errorf("delete room identity: %w", err)
	}
	s.current = nil
	id, err := s.generate(ctx)
	if err != nil {
		return false, err
	}
	s.current = id
	if err := s.backend.SetPendingRotation(ctx, s.roomID, false); err != nil {
		return true, fmt.Errorf("clear pending rotation: %w", err)
	}
	return true, nil
}

func (s *Store) rotationDue(ctx context.Context) (bool, error) {
	if s.backend == nil {
		return false, errors.New("keystore is required for room identity")
	}
	pending, err := s.backend.PendingRotation(ctx, s.roomID)
	if err != nil {
		return false, fmt.Errorf("read pending rotation: %w", err)
	}
	if pending {
		return true, nil
	}

	createdAt := time.Time{}
	if s.current != nil {
		createdAt = s.current.CreatedAt
	} else {
		rec, err := s.backend.LoadIdentity(ctx, s.roomID)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("load room identity: %w", err)
		}
		createdAt = rec.CreatedAt
		rec.Zero()
	}
	return s.now().Sub(createdAt) > s.maxAge, nil
}

func (s *Store) generate(ctx context.Context) (*Identity, error) {
	priv, err := rsa.GenerateKey(rand.Reader, s.bits)
	if err != nil {
		return nil, fmt.Errorf("generate room identity: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("export public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("export private key: %w", err)
	}
	defer zeroBytes(privDER)

	createdAt := s.now().UTC()
	if err := s.backend.StoreIdentity(ctx, keystore.IdentityRecord{
		RoomID:     s.roomID,
		PublicKey:  pubDER,
		PrivateKey: privDER,
		CreatedAt:  createdAt,
	}); err != nil {
		return nil, fmt.Errorf("store room identity: %w", err)
	}
	return &Identity{RoomID: s.roomID, PublicDER: pubDER, CreatedAt: createdAt, priv: priv}, nil
}

func importIdentity(rec keystore.IdentityRecord) (*Identity, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(rec.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("import room identity: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("room identity is %T, want RSA", parsed)
	}
	return &Identity{
		RoomID:    rec.RoomID,
		PublicDER: append([]byte(nil), rec.PublicKey...),
		CreatedAt: rec.CreatedAt,
		priv:      priv,
	}, nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
