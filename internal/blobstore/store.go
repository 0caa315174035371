// Package blobstore keeps opaque, client-encrypted media objects in a bbolt database.
// Objects are immutable once written and addressed by a random UUID.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	objectsBucket = "objects"

	// DefaultMaxObjectBytes bounds a single upload.
	DefaultMaxObjectBytes = 25 * 1024 * 1024

	recordVersion = 1
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrTooLarge = errors.New("blob exceeds size limit")
	ErrClosed   = errors.New("blob store closed")
)

// Object is a stored blob.
type Object struct {
	ID        string
	Data      []byte
	ETag      string
	CreatedAt time.Time
}

type record struct {
	Version   int       `cbor:"1,keyasint"`
	Data      []byte    `cbor:"2,keyasint"`
	Digest    []byte    `cbor:"3,keyasint"`
	CreatedAt time.Time `cbor:"4,keyasint"`
}

// Options configures Open.
type Options struct {
	MaxObjectBytes int64
	OpenTimeout    time.Duration
	Metrics        *Metrics
	Now            func() time.Time
}

// Store is a bbolt-backed object store.
type Store struct {
	db      *bolt.DB
	max     int64
	metrics *Metrics
	now     func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the database at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.MaxObjectBytes <= 0 {
		opts.MaxObjectBytes = DefaultMaxObjectBytes
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create blob directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open blob database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(objectsBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise blob database: %w", err)
	}
	return &Store{db: db, max: opts.MaxObjectBytes, metrics: opts.Metrics, now: opts.Now}, nil
}

// MaxObjectBytes is the upload limit.
func (s *Store) MaxObjectBytes() int64 {
	return s.max
}

// Put stores the content of r under a fresh id.
func (s *Store) Put(ctx context.Context, r io.Reader) (string, error) {
	id, err := s.put(ctx, r)
	switch {
	case err == nil:
		s.metrics.recordUpload("ok")
	case errors.Is(err, ErrTooLarge):
		s.metrics.recordUpload("too_large")
	default:
		s.metrics.recordUpload("error")
	}
	return id, err
}

func (s *Store) put(ctx context.Context, r io.Reader) (string, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, s.max+1))
	if err != nil {
		return "", fmt.Errorf("read blob: %w", err)
	}
	if n > s.max {
		return "", ErrTooLarge
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	digest := sha256.Sum256(buf.Bytes())
	encoded, err := cbor.Marshal(record{
		Version:   recordVersion,
		Data:      buf.Bytes(),
		Digest:    digest[:],
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encode blob record: %w", err)
	}

	id := uuid.New()
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(objectsBucket))
		if bkt == nil {
			return ErrClosed
		}
		return bkt.Put(id[:], encoded)
	})
	if err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	s.metrics.addBytes(n)
	return id.String(), nil
}

// Get loads the object stored under id.
func (s *Store) Get(ctx context.Context, id string) (Object, error) {
	obj, err := s.get(ctx, id)
	switch {
	case err == nil:
		s.metrics.recordDownload("ok")
	case errors.Is(err, ErrNotFound):
		s.metrics.recordDownload("not_found")
	default:
		s.metrics.recordDownload("error")
	}
	return obj, err
}

func (s *Store) get(ctx context.Context, id string) (Object, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		return Object{}, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	var rec record
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(objectsBucket))
		if bkt == nil {
			return ErrClosed
		}
		raw := bkt.Get(key[:])
		if raw == nil {
			return ErrNotFound
		}
		// Decoding copies byte strings out of the mmap.
		return cbor.Unmarshal(raw, &rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Object{}, err
		}
		return Object{}, fmt.Errorf("load blob %s: %w", id, err)
	}
	if rec.Version != recordVersion {
		return Object{}, fmt.Errorf("load blob %s: unsupported record version %d", id, rec.Version)
	}
	return Object{
		ID:        key.String(),
		Data:      rec.Data,
		ETag:      hex.EncodeToString(rec.Digest),
		CreatedAt: rec.CreatedAt,
	}, nil
}

// Delete removes id. Deleting an absent object returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	key, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(objectsBucket))
		if bkt.Get(key[:]) == nil {
			return ErrNotFound
		}
		return bkt.Delete(key[:])
	})
}

// Len counts stored objects.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(objectsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// Close flushes and closes the database. Later calls return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.db.Sync(), s.db.Close())
	})
	return s.closeErr
}
