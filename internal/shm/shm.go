//go:build unix

// Package shm manages named, fixed-capacity shared-memory segments.
//
// A segment is a POSIX shared-memory object: a file in a tmpfs directory
// (normally /dev/shm) mapped MAP_SHARED by every process that attaches it.
// Segments are addressed by name only and are never enumerated; callers keep
// their own record of which names exist.
//
// Every handle holds the segment's lock until Close: a process-wide mutex per
// path plus an fcntl record lock (shared for ModeRead, exclusive otherwise)
// for other processes. Destroy takes the exclusive lock before unlinking, so
// a reader or writer racing a destroy sees ErrNotFound instead of bytes from
// a recycled segment.
package shm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"pkt.systems/memsess/internal/loggingutil"
	"pkt.systems/pslog"
)

var (
	// ErrNotFound reports that no live segment exists under the name.
	ErrNotFound = errors.New("shm: segment not found")
	// ErrInvalidKey reports a key that cannot be turned into a segment name.
	ErrInvalidKey = errors.New("shm: invalid key")
	// ErrPermissionDenied reports EACCES/EPERM from the OS.
	ErrPermissionDenied = errors.New("shm: permission denied")
	// ErrResourceExhausted reports that the OS could not back a segment.
	ErrResourceExhausted = errors.New("shm: resource exhausted")
	// ErrCapacityExceeded reports a write larger than the segment capacity.
	// Nothing is written.
	ErrCapacityExceeded = errors.New("shm: payload exceeds segment capacity")
	// ErrCorrupt reports a segment whose header or checksum is invalid.
	ErrCorrupt = errors.New("shm: corrupt segment")
	// ErrReadOnly reports a write through a handle not attached ModeReadWrite.
	ErrReadOnly = errors.New("shm: segment attached read-only")
)

// Defaults.
const (
	DefaultDir    = "/dev/shm"
	DefaultPrefix = "memsess-"
	DefaultPerm   = 0o600
	maxNameLen    = 255
	maxRecreate   = 8
)

// Mode selects how Attach maps a segment.
type Mode int

const (
	// ModeRead maps the segment read-only under a shared lock.
	ModeRead Mode = iota
	// ModeReadWrite maps the segment writable under an exclusive lock.
	ModeReadWrite
	// ModeCloseOnly confirms the segment exists without mapping it.
	ModeCloseOnly
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeReadWrite:
		return "read-write"
	case ModeCloseOnly:
		return "close-only"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Config captures the tunables for a segment store.
type Config struct {
	Dir      string
	Prefix   string
	Capacity int64
	Perm     os.FileMode
	Logger   pslog.Logger
	Now      func() time.Time
}

// Store creates, attaches and destroys segments under one directory.
type Store struct {
	dir      string
	prefix   string
	capacity int64
	perm     os.FileMode
	logger   pslog.Logger
	now      func() time.Time
}

// New validates cfg and prepares the segment directory.
func New(cfg Config) (*Store, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("shm: capacity must be > 0")
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Perm == 0 {
		cfg.Perm = DefaultPerm
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	dir := filepath.Clean(cfg.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shm: prepare directory %q: %w", dir, err)
	}
	return &Store{
		dir:      dir,
		prefix:   cfg.Prefix,
		capacity: cfg.Capacity,
		perm:     cfg.Perm,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "store.shm"),
		now:      cfg.Now,
	}, nil
}

// Capacity returns the payload capacity given to newly created segments.
func (s *Store) Capacity() int64 { return s.capacity }

// Dir returns the directory segments live in.
func (s *Store) Dir() string { return s.dir }

// Name derives the segment name for key: the prefix followed by the hex
// encoding of the key bytes.
func (s *Store) Name(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	name := s.prefix + hex.EncodeToString([]byte(key))
	if len(name) > maxNameLen {
		return "", fmt.Errorf("%w: key of %d bytes is too long for a segment name", ErrInvalidKey, len(key))
	}
	return name, nil
}

func (s *Store) resolve(key string) (string, string, error) {
	name, err := s.Name(key)
	if err != nil {
		return "", "", err
	}
	return name, filepath.Join(s.dir, name), nil
}

// CreateOrAttach returns a writable handle to the segment for key, creating
// it at the configured capacity when it does not exist. Repeated calls from
// any process attach the same segment.
func (s *Store) CreateOrAttach(ctx context.Context, key string) (*Segment, error) {
	name, path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	unlock := lockPath(path)
	for attempt := 0; attempt < maxRecreate; attempt++ {
		if err := ctx.Err(); err != nil {
			unlock()
			return nil, err
		}
		f, created, err := s.openOrCreate(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			unlock()
			s.logger.Warn("shm.create.open_error", "name", name, "error", err)
			return nil, classify("create", err)
		}
		if err := lockFile(f, true); err != nil {
			f.Close()
			unlock()
			return nil, classify("lock", err)
		}
		seg, err := s.prepare(f, name, path, created)
		if errors.Is(err, ErrNotFound) {
			unlockFile(f)
			f.Close()
			continue
		}
		if err != nil {
			unlockFile(f)
			f.Close()
			unlock()
			s.logger.Warn("shm.create.prepare_error", "name", name, "error", err)
			return nil, err
		}
		seg.release = unlock
		return seg, nil
	}
	unlock()
	return nil, fmt.Errorf("shm: create %s: segment kept disappearing: %w", name, ErrNotFound)
}

func (s *Store) openOrCreate(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, s.perm)
	if err == nil {
		return f, true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, false, err
	}
	f, err = os.OpenFile(path, os.O_RDWR, 0)
	return f, false, err
}

// prepare runs under the exclusive lock. It initialises a segment that has
// no valid header yet (fresh, or left half-built by a crashed creator) and
// maps it.
func (s *Store) prepare(f *os.File, name, path string, created bool) (*Segment, error) {
	live, size, err := linked(f)
	if err != nil {
		return nil, classify("stat", err)
	}
	if !live {
		return nil, ErrNotFound
	}
	if size < HeaderSize {
		size = HeaderSize + s.capacity
		if err := reserve(f, size); err != nil {
			return nil, classify("reserve", err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, classify("mmap", err)
	}
	h, ok := decodeHeader(data)
	if !ok {
		h = header{generation: xid.New(), crc: checksum(nil)}
		h.encode(data)
		s.logger.Debug("shm.segment.initialised", "name", name, "capacity", size-HeaderSize, "generation", h.generation.String(), "created", created)
	}
	return &Segment{
		store:      s,
		name:       name,
		path:       path,
		mode:       ModeReadWrite,
		file:       f,
		data:       data,
		generation: h.generation,
	}, nil
}

// Attach opens an existing segment. It returns ErrNotFound when the segment
// does not exist, was destroyed while waiting for the lock, or was never
// initialised.
func (s *Store) Attach(ctx context.Context, key string, mode Mode) (*Segment, error) {
	name, path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := lockPath(path)
	seg, err := s.attach(name, path, mode)
	if err != nil {
		unlock()
		return nil, err
	}
	seg.release = unlock
	return seg, nil
}

func (s *Store) attach(name, path string, mode Mode) (*Segment, error) {
	flag := os.O_RDONLY
	if mode == ModeReadWrite {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, classify("attach", err)
	}
	if mode == ModeCloseOnly {
		return &Segment{store: s, name: name, path: path, mode: mode, file: f}, nil
	}
	if err := lockFile(f, mode == ModeReadWrite); err != nil {
		f.Close()
		return nil, classify("lock", err)
	}
	fail := func(err error) (*Segment, error) {
		unlockFile(f)
		f.Close()
		return nil, err
	}
	live, size, err := linked(f)
	if err != nil {
		return fail(classify("stat", err))
	}
	if !live || size < HeaderSize {
		return fail(ErrNotFound)
	}
	prot := unix.PROT_READ
	if mode == ModeReadWrite {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return fail(classify("mmap", err))
	}
	h, ok := decodeHeader(data)
	if !ok {
		unix.Munmap(data)
		return fail(fmt.Errorf("%w: %s has no valid header", ErrCorrupt, name))
	}
	return &Segment{
		store:      s,
		name:       name,
		path:       path,
		mode:       mode,
		file:       f,
		data:       data,
		generation: h.generation,
	}, nil
}

// Destroy unlinks the segment for key. A missing segment is not an error.
// Processes that still map the segment keep their mapping until they close
// it; new attaches see ErrNotFound.
func (s *Store) Destroy(ctx context.Context, key string) error {
	name, path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := lockPath(path)
	defer unlock()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return classify("destroy", err)
	}
	defer f.Close()
	if err := lockFile(f, true); err != nil {
		return classify("lock", err)
	}
	defer unlockFile(f)
	live, _, err := linked(f)
	if err != nil {
		return classify("stat", err)
	}
	if !live {
		return nil
	}
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return classify("unlink", err)
	}
	s.logger.Debug("shm.segment.destroyed", "name", name)
	return nil
}

// Stat reports the header of the segment for key.
func (s *Store) Stat(ctx context.Context, key string) (Info, error) {
	seg, err := s.Attach(ctx, key, ModeRead)
	if err != nil {
		return Info{}, err
	}
	defer seg.Close()
	return seg.Info()
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, op, err)
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.ENOMEM), errors.Is(err, unix.EMFILE),
		errors.Is(err, unix.ENFILE), errors.Is(err, unix.EFBIG), errors.Is(err, unix.EDQUOT):
		return fmt.Errorf("%w: %s: %v", ErrResourceExhausted, op, err)
	default:
		return fmt.Errorf("shm: %s: %w", op, err)
	}
}
