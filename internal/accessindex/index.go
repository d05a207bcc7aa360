// Package accessindex records when each session was last touched.
//
// Shared-memory segments cannot be listed, so this index is the only way to
// discover which sessions exist, and its timestamps are the only input to
// expiry. Records live in a bbolt database (one bucket, key = session key,
// value = last access and first seen as big-endian unix nanoseconds).
package accessindex

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"pkt.systems/memsess/internal/clock"
	"pkt.systems/memsess/internal/loggingutil"
	"pkt.systems/pslog"
)

var (
	// ErrNotFound reports that no record exists for a key.
	ErrNotFound = errors.New("accessindex: not found")
	// ErrInvalidKey reports an empty key.
	ErrInvalidKey = errors.New("accessindex: invalid key")
	// ErrLockTimeout reports that another process held the index longer
	// than the configured lock timeout.
	ErrLockTimeout = errors.New("accessindex: lock timeout")
	// ErrClosed reports use after Close.
	ErrClosed = errors.New("accessindex: closed")
)

// Modes.
const (
	// ModeShared opens the database for each operation so several processes
	// can use one index file; bbolt's file lock serialises them.
	ModeShared = "shared"
	// ModeExclusive keeps one handle open for the lifetime of the index.
	// Only one process can use the file.
	ModeExclusive = "exclusive"
)

// Defaults.
const (
	DefaultLockTimeout = 5 * time.Second
	DefaultPageSize    = 256
	recordSize         = 16
)

var bucketName = []byte("access")

// Config captures the tunables for an index.
type Config struct {
	Path        string
	Mode        string
	LockTimeout time.Duration
	PageSize    int
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Record is one access entry.
type Record struct {
	Key        string
	LastAccess time.Time
	Created    time.Time
}

// Index is a process-safe access-time table.
type Index struct {
	path        string
	mode        string
	lockTimeout time.Duration
	pageSize    int
	clock       clock.Clock
	logger      pslog.Logger

	// mu keeps goroutines of this process from contending on the file lock.
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

// Open prepares the index file and, in exclusive mode, keeps it open.
func Open(cfg Config) (*Index, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("accessindex: path required")
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeShared
	}
	if mode != ModeShared && mode != ModeExclusive {
		return nil, fmt.Errorf("accessindex: mode must be %q or %q", ModeShared, ModeExclusive)
	}
	if cfg.LockTimeout < 0 {
		return nil, fmt.Errorf("accessindex: lock timeout must be >= 0")
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	path := filepath.Clean(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("accessindex: prepare directory: %w", err)
	}
	ix := &Index{
		path:        path,
		mode:        mode,
		lockTimeout: cfg.LockTimeout,
		pageSize:    cfg.PageSize,
		clock:       cfg.Clock,
		logger:      loggingutil.WithSubsystem(cfg.Logger, "store.index"),
	}
	db, err := ix.open(false)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("accessindex: create bucket: %w", err)
	}
	if mode == ModeExclusive {
		ix.db = db
	} else if err := db.Close(); err != nil {
		return nil, fmt.Errorf("accessindex: close: %w", err)
	}
	ix.logger.Debug("index.opened", "path", path, "mode", mode)
	return ix, nil
}

func (ix *Index) open(readOnly bool) (*bolt.DB, error) {
	db, err := bolt.Open(ix.path, 0o600, &bolt.Options{
		Timeout:  ix.lockTimeout,
		ReadOnly: readOnly,
	})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w after %s: %s", ErrLockTimeout, ix.lockTimeout, ix.path)
		}
		return nil, fmt.Errorf("accessindex: open %s: %w", ix.path, err)
	}
	return db, nil
}

// view runs fn in a read transaction.
func (ix *Index) view(ctx context.Context, fn func(b *bolt.Bucket) error) error {
	return ix.with(ctx, true, func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketName)
			if b == nil {
				return nil
			}
			return fn(b)
		})
	})
}

// update runs fn in a write transaction.
func (ix *Index) update(ctx context.Context, fn func(b *bolt.Bucket) error) error {
	return ix.with(ctx, false, func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(bucketName)
			if err != nil {
				return err
			}
			return fn(b)
		})
	})
}

func (ix *Index) with(ctx context.Context, readOnly bool, fn func(db *bolt.DB) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if readOnly {
		ix.mu.RLock()
		defer ix.mu.RUnlock()
	} else {
		ix.mu.Lock()
		defer ix.mu.Unlock()
	}
	if ix.closed {
		return ErrClosed
	}
	if ix.db != nil {
		return fn(ix.db)
	}
	db, err := ix.open(readOnly)
	if err != nil {
		return err
	}
	fnErr := fn(db)
	if err := db.Close(); err != nil && fnErr == nil {
		fnErr = fmt.Errorf("accessindex: close: %w", err)
	}
	return fnErr
}

// Touch records an access to key at the current time. Concurrent touches of
// one key resolve last-write-wins; a record never moves backwards in time.
func (ix *Index) Touch(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	now := ix.clock.Now()
	return ix.update(ctx, func(b *bolt.Bucket) error {
		rec := Record{Key: key, LastAccess: now, Created: now}
		if prev, ok := decodeRecord(key, b.Get([]byte(key))); ok {
			rec.Created = prev.Created
			if prev.LastAccess.After(now) {
				rec.LastAccess = prev.LastAccess
			}
		}
		return b.Put([]byte(key), encodeRecord(rec))
	})
}

// Put writes rec as-is, replacing any existing record. It is used to put back
// a record whose session could not be destroyed.
func (ix *Index) Put(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		return ErrInvalidKey
	}
	return ix.update(ctx, func(b *bolt.Bucket) error {
		return b.Put([]byte(rec.Key), encodeRecord(rec))
	})
}

// Get returns the record for key. A malformed record is returned with zero
// times, the same way Scan yields it.
func (ix *Index) Get(ctx context.Context, key string) (Record, error) {
	if key == "" {
		return Record{}, ErrInvalidKey
	}
	var (
		rec   Record
		found bool
	)
	err := ix.view(ctx, func(b *bolt.Bucket) error {
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		var ok bool
		if rec, ok = decodeRecord(key, v); !ok {
			ix.logger.Warn("index.get.malformed_record", "key", key, "bytes", len(v))
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// LastAccess returns when key was last touched.
func (ix *Index) LastAccess(ctx context.Context, key string) (time.Time, error) {
	rec, err := ix.Get(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	return rec.LastAccess, nil
}

// Remove deletes the record for key. Removing a missing key succeeds.
func (ix *Index) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return ix.update(ctx, func(b *bolt.Bucket) error {
		return b.Delete([]byte(key))
	})
}

// Len returns the number of records.
func (ix *Index) Len(ctx context.Context) (int, error) {
	n := 0
	err := ix.view(ctx, func(b *bolt.Bucket) error {
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// Scan yields every record in key order. Records are read a page at a time
// and no lock is held while the caller handles them, so the caller may
// remove records (including the one just yielded) as it goes. Records
// removed by anyone before their page is read are skipped. Each call starts
// a fresh enumeration.
func (ix *Index) Scan(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var after []byte
		for {
			page, err := ix.page(ctx, after)
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < ix.pageSize {
				return
			}
			after = []byte(page[len(page)-1].Key)
		}
	}
}

func (ix *Index) page(ctx context.Context, after []byte) ([]Record, error) {
	page := make([]Record, 0, ix.pageSize)
	err := ix.view(ctx, func(b *bolt.Bucket) error {
		c := b.Cursor()
		var k, v []byte
		if after == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(after)
			if k != nil && string(k) == string(after) {
				k, v = c.Next()
			}
		}
		for ; k != nil && len(page) < ix.pageSize; k, v = c.Next() {
			key := string(k)
			rec, ok := decodeRecord(key, v)
			if !ok {
				ix.logger.Warn("index.scan.malformed_record", "key", key, "bytes", len(v))
			}
			page = append(page, rec)
		}
		return nil
	})
	return page, err
}

// Path returns the database file.
func (ix *Index) Path() string { return ix.path }

// Mode returns ModeShared or ModeExclusive.
func (ix *Index) Mode() string { return ix.mode }

// Close releases the long-lived handle in exclusive mode.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	ix.closed = true
	if ix.db == nil {
		return nil
	}
	err := ix.db.Close()
	ix.db = nil
	return err
}

func encodeRecord(rec Record) []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(rec.LastAccess.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(rec.Created.UnixNano()))
	return buf
}

// decodeRecord returns a record with zero times and false for a missing or
// malformed value. A zero last access makes the record look ancient, so a
// sweep reclaims it.
func decodeRecord(key string, v []byte) (Record, bool) {
	rec := Record{Key: key}
	if len(v) != recordSize {
		return rec, false
	}
	rec.LastAccess = time.Unix(0, int64(binary.BigEndian.Uint64(v[0:8]))).UTC()
	rec.Created = time.Unix(0, int64(binary.BigEndian.Uint64(v[8:16]))).UTC()
	return rec, true
}
