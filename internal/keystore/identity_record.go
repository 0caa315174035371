package keystore

import (
	"errors"
	"fmt"
	"time"
)

const (
	identityRecordVersion = 1
	maxIdentityKeyBytes   = 8 * 1024
	maxRoomIDBytes        = 256
)

var (
	ErrInvalidIdentity = errors.New("invalid identity record")
	ErrIdentityTooBig  = errors.New("identity record exceeds size limit")
)

// IdentityRecord stores a room's long-lived signing keypair in a sealed keystore record.
// PublicKey is PKIX/SPKI DER, PrivateKey is PKCS#8 DER.
type IdentityRecord struct {
	Version    int       `json:"version"`
	RoomID     string    `json:"room_id"`
	PublicKey  []byte    `json:"public_key"`
	PrivateKey []byte    `json:"private_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Clone returns a deep copy of the record to avoid exposing internal buffers.
func (r IdentityRecord) Clone() IdentityRecord {
	out := r
	out.PublicKey = cloneBytes(r.PublicKey)
	out.PrivateKey = cloneBytes(r.PrivateKey)
	return out
}

// Zero overwrites the private key material in-place.
func (r *IdentityRecord) Zero() {
	zeroBytes(r.PrivateKey)
}

// Age reports how long ago the keypair was created.
func (r IdentityRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

func normalizeIdentity(in IdentityRecord, now time.Time) (IdentityRecord, error) {
	if in.RoomID == "" {
		return IdentityRecord{}, ErrInvalidRoomID
	}
	out := in.Clone()
	if now.IsZero() {
		now = time.Now()
	}
	if out.Version == 0 {
		out.Version = identityRecordVersion
	}
	if out.Version != identityRecordVersion {
		return IdentityRecord{}, fmt.Errorf("unsupported identity version %d: %w", out.Version, ErrInvalidIdentity)
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.CreatedAt = out.CreatedAt.UTC()
	if err := validateIdentity(out); err != nil {
		return IdentityRecord{}, err
	}
	return out, nil
}

func validateIdentity(rec IdentityRecord) error {
	if l := len(rec.RoomID); l > maxRoomIDBytes {
		return fmt.Errorf("room id too long (%d bytes, max %d): %w", l, maxRoomIDBytes, ErrInvalidIdentity)
	}
	if len(rec.PublicKey) == 0 {
		return fmt.Errorf("public_key required: %w", ErrInvalidIdentity)
	}
	if len(rec.PrivateKey) == 0 {
		return fmt.Errorf("private_key required: %w", ErrInvalidIdentity)
	}
	if size := len(rec.PublicKey) + len(rec.PrivateKey); size > maxIdentityKeyBytes {
		return fmt.Errorf("identity keys are %d bytes (limit %d): %w", size, maxIdentityKeyBytes, ErrIdentityTooBig)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
