package keystore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	salt := []byte("1234567890abcdef")
	key1 := deriveMasterKey("password", salt)
	key2 := deriveMasterKey("password", salt)
	if string(key1) != string(key2) {
		t.Fatal("expected deterministic key derivation")
	}

	key3 := deriveMasterKey("different", salt)
	if string(key1) == string(key3) {
		t.Fatal("expected different passphrase to yield different key")
	}
}

func TestInitializeUnlockAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)

	ctx := context.Background()
	if err := backend.Initialize(ctx, "topsecret"); err != nil {
		t.Fatalf("initialize keystore: %v", err)
	}

	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	rec := testIdentity("room-a", 0x01)
	rec.CreatedAt = created
	if err := backend.StoreIdentity(ctx, rec); err != nil {
		t.Fatalf("store identity: %v", err)
	}
	if err := backend.StoreIdentity(ctx, testIdentity("room-b", 0x02)); err != nil {
		t.Fatalf("store identity: %v", err)
	}
	if err := backend.SetPendingRotation(ctx, "room-b", true); err != nil {
		t.Fatalf("set pending rotation: %v", err)
	}

	backend2 := NewFileBackend(path)
	if err := backend2.Unlock(ctx, "topsecret"); err != nil {
		t.Fatalf("unlock keystore: %v", err)
	}

	loaded, err := backend2.LoadIdentity(ctx, "room-a")
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if string(loaded.PrivateKey) != string(rec.PrivateKey) || string(loaded.PublicKey) != string(rec.PublicKey) {
		t.Fatal("expected key material round-trip")
	}
	if !loaded.CreatedAt.Equal(created) {
		t.Fatalf("expected created_at %v, got %v", created, loaded.CreatedAt)
	}
	if loaded.Version != identityRecordVersion {
		t.Fatalf("expected version %d, got %d", identityRecordVersion, loaded.Version)
	}

	pending, err := backend2.PendingRotation(ctx, "room-b")
	if err != nil || !pending {
		t.Fatalf("expected pending rotation for room-b, got %v (err=%v)", pending, err)
	}
	if pending, _ := backend2.PendingRotation(ctx, "room-a"); pending {
		t.Fatal("room-a should not be pending")
	}

	rooms, err := backend2.ListRooms(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0] != "room-a" || rooms[1] != "room-b" {
		t.Fatalf("unexpected rooms %v", rooms)
	}

	if _, err := backend2.LoadIdentity(ctx, "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestPendingRotationClearsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)
	ctx := context.Background()
	if err := backend.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := backend.SetPendingRotation(ctx, "room", true); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	if err := backend.SetPendingRotation(ctx, "room", false); err != nil {
		t.Fatalf("clear pending: %v", err)
	}

	backend2 := NewFileBackend(path)
	if err := backend2.Unlock(ctx, "pass"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if pending, _ := backend2.PendingRotation(ctx, "room"); pending {
		t.Fatal("expected cleared flag to persist")
	}
	if err := backend2.SetPendingRotation(ctx, "", true); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected ErrInvalidRoomID, got %v", err)
	}
}

func TestUnlockWithWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)

	ctx := context.Background()
	if err := backend.Initialize(ctx, "correct"); err != nil {
		t.Fatalf("initialize keystore: %v", err)
	}

	backend2 := NewFileBackend(path)
	if err := backend2.Unlock(ctx, "wrong"); err == nil {
		t.Fatal("expected unlock failure with wrong passphrase")
	} else if !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
}

func TestUnlockMissingFile(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "absent.json"))
	if err := backend.Unlock(context.Background(), "pass"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestTamperDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)

	ctx := context.Background()
	if err := backend.Initialize(ctx, "correct"); err != nil {
		t.Fatalf("initialize keystore: %v", err)
	}
	if err := backend.StoreIdentity(ctx, testIdentity("room", 0x03)); err != nil {
		t.Fatalf("store identity: %v", err)
	}

	file := readKeystoreFile(t, path)
	ct, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	ct[0] ^= 0xFF
	file.Ciphertext = base64.StdEncoding.EncodeToString(ct)
	writeKeystoreFile(t, path, file)

	backend2 := NewFileBackend(path)
	if err := backend2.Unlock(ctx, "correct"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass after tamper, got %v", err)
	}
}

func TestIdentityZeroizationOnUpdateAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)
	ctx := context.Background()
	if err := backend.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := backend.StoreIdentity(ctx, testIdentity("room", 0x04)); err != nil {
		t.Fatalf("store identity: %v", err)
	}
	first := backend.identities["room"].PrivateKey

	if err := backend.StoreIdentity(ctx, testIdentity("room", 0x05)); err != nil {
		t.Fatalf("overwrite identity: %v", err)
	}
	if !allZero(first) {
		t.Fatal("expected replaced private key to be zeroed")
	}

	second := backend.identities["room"].PrivateKey
	if err := backend.DeleteIdentity(ctx, "room"); err != nil {
		t.Fatalf("delete identity: %v", err)
	}
	if !allZero(second) {
		t.Fatal("expected deleted private key to be zeroed")
	}
	if _, err := backend.LoadIdentity(ctx, "room"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist after delete, got %v", err)
	}
}

func TestCorruptedPayloadFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	bad := testIdentity("room", 0x06)
	bad.PublicKey = nil
	payload := sealedPayload{
		Identities: map[string]IdentityRecord{"room": bad},
	}

	salt := []byte("0123456789abcdef")
	master := deriveMasterKey("pass", salt)
	nonce, ciphertext, err := sealPayload(master, payload)
	if err != nil {
		t.Fatalf("seal payload: %v", err)
	}
	writeKeystoreFile(t, path, keystoreFile{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})

	backend := NewFileBackend(path)
	if err := backend.Unlock(context.Background(), "pass"); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}

func TestUnsupportedVersionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	writeKeystoreFile(t, path, keystoreFile{Version: 7})

	backend := NewFileBackend(path)
	if err := backend.Unlock(context.Background(), "pass"); err == nil {
		t.Fatal("expected unsupported version error")
	}
}

func TestIdentitySizeLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)
	ctx := context.Background()
	if err := backend.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	huge := testIdentity("big", 0x07)
	huge.PrivateKey = make([]byte, maxIdentityKeyBytes)
	if err := backend.StoreIdentity(ctx, huge); !errors.Is(err, ErrIdentityTooBig) {
		t.Fatalf("expected ErrIdentityTooBig, got %v", err)
	}
	if err := backend.StoreIdentity(ctx, testIdentity("", 0x08)); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected ErrInvalidRoomID, got %v", err)
	}
}

func TestOperationsRequireUnlock(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))
	ctx := context.Background()

	if err := backend.StoreIdentity(ctx, testIdentity("room", 0x09)); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := backend.LoadIdentity(ctx, "room"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked on load, got %v", err)
	}
	if err := backend.SetPendingRotation(ctx, "room", true); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked on rotation flag, got %v", err)
	}
}

func TestInitializeFailsWhenFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	backend := NewFileBackend(path)
	if err := backend.Initialize(context.Background(), "pass"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	rec := testIdentity("room", 0x0A)
	if err := backend.StoreIdentity(ctx, rec); err != nil {
		t.Fatalf("store identity: %v", err)
	}
	rec.PrivateKey[0] = 0xFF

	loaded, err := backend.LoadIdentity(ctx, "room")
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if loaded.PrivateKey[0] != 0x0A {
		t.Fatal("expected stored record to be isolated from caller buffers")
	}
	if loaded.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be stamped")
	}

	if err := backend.SetPendingRotation(ctx, "room", true); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	if pending, _ := backend.PendingRotation(ctx, "room"); !pending {
		t.Fatal("expected pending rotation")
	}
	if err := backend.DeleteIdentity(ctx, "room"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := backend.LoadIdentity(ctx, "room"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func testIdentity(roomID string, fill byte) IdentityRecord {
	pub := make([]byte, 64)
	priv := make([]byte, 128)
	for i := range pub {
		pub[i] = fill
	}
	for i := range priv {
		priv[i] = fill
	}
	return IdentityRecord{RoomID: roomID, PublicKey: pub, PrivateKey: priv}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return len(b) > 0
}

func readKeystoreFile(t *testing.T, path string) keystoreFile {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		t.Fatalf("decode file: %v", err)
	}
	return file
}

func writeKeystoreFile(t *testing.T, path string, file keystoreFile) {
	t.Helper()
	serialized, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		t.Fatalf("marshal keystore: %v", err)
	}
	if err := os.WriteFile(path, serialized, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}
}
