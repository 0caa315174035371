package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeyBackend exposes the persistence contract used by the room identity stores.
// Records and rotation flags are keyed by room identifier.
type KeyBackend interface {
	Initialize(ctx context.Context, passphrase string) error
	Unlock(ctx context.Context, passphrase string) error
	StoreIdentity(ctx context.Context, record IdentityRecord) error
	LoadIdentity(ctx context.Context, roomID string) (IdentityRecord, error)
	DeleteIdentity(ctx context.Context, roomID string) error
	SetPendingRotation(ctx context.Context, roomID string, pending bool) error
	PendingRotation(ctx context.Context, roomID string) (bool, error)
	ListRooms(ctx context.Context) ([]string, error)
}

// FileBackend is a file-based keystore with Argon2id master key derivation and a sealed payload.
type FileBackend struct {
	path       string
	salt       []byte
	masterKey  []byte
	identities map[string]IdentityRecord
	pending    map[string]bool
	mu         sync.RWMutex
}

const (
	currentVersion = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	nonceSize      = chacha20poly1305.NonceSizeX
)

var (
	ErrLocked         = errors.New("keystore is locked")
	ErrAlreadyExists  = errors.New("keystore already exists")
	ErrNotInitialized = errors.New("keystore not initialized")
	ErrInvalidRoomID  = errors.New("room id is required")
	ErrInvalidPass    = errors.New("invalid passphrase")
	ErrCorruptFile    = errors.New("corrupted keystore")
)

type keystoreFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type sealedPayload struct {
	Identities      map[string]IdentityRecord `json:"identities,omitempty"`
	PendingRotation map[string]bool           `json:"pending_rotation,omitempty"`
}

// NewFileBackend constructs a keystore backed by the provided file path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{
		path:       path,
		identities: make(map[string]IdentityRecord),
		pending:    make(map[string]bool),
	}
}

// Path returns the backing file path (primarily for logging and tests).
func (b *FileBackend) Path() string {
	return b.path
}

// Initialize creates the keystore file if it does not already exist.
func (b *FileBackend) Initialize(ctx context.Context, passphrase string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}

	if _, err := os.Stat(b.path); err == nil {
		return ErrAlreadyExists
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create keystore directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	zeroIdentityMap(b.identities)
	b.salt = salt
	zeroBytes(b.masterKey)
	b.masterKey = deriveMasterKey(passphrase, salt)
	b.identities = make(map[string]IdentityRecord)
	b.pending = make(map[string]bool)

	if err := b.persist(); err != nil {
		return fmt.Errorf("persist keystore: %w", err)
	}

	return ctx.Err()
}

// Unlock loads the keystore file and derives the master key.
func (b *FileBackend) Unlock(ctx context.Context, passphrase string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotInitialized
		}
		return fmt.Errorf("read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode keystore: %w", err)
	}
	if file.Version != currentVersion {
		return fmt.Errorf("unsupported keystore version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}

	master := deriveMasterKey(passphrase, salt)
	payload, err := openPayload(master, nonce, ciphertext)
	if err != nil {
		zeroBytes(master)
		return err
	}

	zeroIdentityMap(b.identities)
	zeroBytes(b.masterKey)
	b.masterKey = master
	b.salt = salt
	b.identities = payload.Identities
	b.pending = payload.PendingRotation

	return ctx.Err()
}

// StoreIdentity writes or overwrites a room identity and persists the file.
func (b *FileBackend) StoreIdentity(ctx context.Context, record IdentityRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}

	normalized, err := normalizeIdentity(record, time.Now())
	if err != nil {
		return err
	}

	if existing, ok := b.identities[normalized.RoomID]; ok {
		existing.Zero()
	}
	b.identities[normalized.RoomID] = normalized
	if err := b.persist(); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	return ctx.Err()
}

// LoadIdentity fetches a room identity; os.ErrNotExist is returned when absent.
func (b *FileBackend) LoadIdentity(ctx context.Context, roomID string) (IdentityRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlocked(); err != nil {
		return IdentityRecord{}, err
	}
	if roomID == "" {
		return IdentityRecord{}, ErrInvalidRoomID
	}
	rec, ok := b.identities[roomID]
	if !ok {
		return IdentityRecord{}, os.ErrNotExist
	}
	return rec.Clone(), ctx.Err()
}

// DeleteIdentity removes a room identity and persists the change.
func (b *FileBackend) DeleteIdentity(ctx context.Context, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}
	if rec, ok := b.identities[roomID]; ok {
		rec.Zero()
		delete(b.identities, roomID)
	}
	if err := b.persist(); err != nil {
		return fmt.Errorf("persist keystore after delete: %w", err)
	}
	return ctx.Err()
}

// SetPendingRotation records or clears the durable rotation intent for a room.
func (b *FileBackend) SetPendingRotation(ctx context.Context, roomID string, pending bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}
	if roomID == "" {
		return ErrInvalidRoomID
	}
	if b.pending[roomID] == pending {
		return ctx.Err()
	}
	if pending {
		b.pending[roomID] = true
	} else {
		delete(b.pending, roomID)
	}
	if err := b.persist(); err != nil {
		return fmt.Errorf("persist rotation flag: %w", err)
	}
	return ctx.Err()
}

// PendingRotation reports whether a rotation was deferred for the room.
func (b *FileBackend) PendingRotation(ctx context.Context, roomID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlocked(); err != nil {
		return false, err
	}
	return b.pending[roomID], ctx.Err()
}

// ListRooms returns sorted room IDs that have a stored identity.
func (b *FileBackend) ListRooms(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlocked(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(b.identities))
	for id := range b.identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, ctx.Err()
}

func (b *FileBackend) ensureUnlocked() error {
	if len(b.masterKey) == 0 || len(b.salt) == 0 {
		return ErrLocked
	}
	return nil
}

func (b *FileBackend) persist() error {
	if err := b.ensureUnlocked(); err != nil {
		return err
	}

	nonce, ciphertext, err := sealPayload(b.masterKey, sealedPayload{
		Identities:      b.identities,
		PendingRotation: b.pending,
	})
	if err != nil {
		return err
	}

	payload := keystoreFile{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(b.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	serialized, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}

	// Write-then-rename so a crash mid-write never leaves a truncated keystore.
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, serialized, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return os.Rename(tmp, b.path)
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func sealPayload(masterKey []byte, payload sealedPayload) ([]byte, []byte, error) {
	if len(masterKey) == 0 {
		return nil, nil, ErrLocked
	}
	if payload.Identities == nil {
		payload.Identities = make(map[string]IdentityRecord)
	}
	if payload.PendingRotation == nil {
		payload.PendingRotation = make(map[string]bool)
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal identities: %w", err)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, serialized, nil)
	zeroBytes(serialized)

	return nonce, ciphertext, nil
}

func openPayload(masterKey, nonce, ciphertext []byte) (sealedPayload, error) {
	empty := sealedPayload{
		Identities:      map[string]IdentityRecord{},
		PendingRotation: map[string]bool{},
	}
	if len(masterKey) == 0 {
		return sealedPayload{}, ErrLocked
	}
	if len(ciphertext) == 0 {
		return empty, nil
	}
	if len(nonce) != nonceSize {
		return sealedPayload{}, fmt.Errorf("invalid nonce size: %w", ErrInvalidPass)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return sealedPayload{}, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return sealedPayload{}, fmt.Errorf("decrypt identities: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	var payload sealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return sealedPayload{}, fmt.Errorf("unmarshal identities: %w", ErrCorruptFile)
	}
	if payload.Identities == nil {
		payload.Identities = empty.Identities
	}
	if payload.PendingRotation == nil {
		payload.PendingRotation = empty.PendingRotation
	}

	for id, rec := range payload.Identities {
		normalized, err := normalizeIdentity(rec, rec.CreatedAt)
		if err != nil {
			return sealedPayload{}, fmt.Errorf("identity %s invalid: %w", id, err)
		}
		if normalized.RoomID != id {
			return sealedPayload{}, fmt.Errorf("identity key %s holds room %s: %w", id, normalized.RoomID, ErrCorruptFile)
		}
		payload.Identities[id] = normalized
	}
	return payload, nil
}

func zeroIdentityMap(m map[string]IdentityRecord) {
	for k, v := range m {
		v.Zero()
		delete(m, k)
	}
}
