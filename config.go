package memsess

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/memsess/internal/accessindex"
	"pkt.systems/memsess/internal/codec"
	"pkt.systems/memsess/internal/shm"
)

const (
	// DefaultShmDir is where POSIX shared-memory objects live on Linux.
	DefaultShmDir = shm.DefaultDir
	// DefaultPrefix is prepended to the hex-encoded session id to name a segment.
	DefaultPrefix = shm.DefaultPrefix
	// DefaultCapacity is the payload capacity of newly created segments.
	DefaultCapacity = int64(2_000_000)
	// DefaultIndexMode lets several worker processes share the access index.
	DefaultIndexMode = accessindex.ModeShared
	// DefaultIndexLockTimeout bounds how long an operation waits for the index file lock.
	DefaultIndexLockTimeout = accessindex.DefaultLockTimeout
	// DefaultIndexPageSize caps how many index records a sweep reads per transaction.
	DefaultIndexPageSize = accessindex.DefaultPageSize
	// DefaultCodec compresses with zlib at its fastest level.
	DefaultCodec = codec.Default
	// DefaultMaxLife is how long an untouched session survives a sweep.
	DefaultMaxLife = 24 * time.Minute
	// DefaultJanitorInterval is how often the janitor sweeps.
	DefaultJanitorInterval = time.Minute
	indexFileName          = "access.db"
)

// DefaultIndexPath places the access index under the system temp directory.
func DefaultIndexPath() string {
	return filepath.Join(os.TempDir(), "memsess", indexFileName)
}

// Config captures the tunables for a Store.
type Config struct {
	// ShmDir is the tmpfs directory segments are created in.
	ShmDir string
	// Prefix namespaces segment names so several stores can share ShmDir.
	Prefix string
	// Capacity is the fixed payload capacity, in bytes, of new segments.
	// Existing segments keep the capacity they were created with.
	Capacity int64
	// IndexPath is the bbolt database holding access records.
	IndexPath string
	// IndexMode is accessindex.ModeShared or accessindex.ModeExclusive.
	IndexMode string
	// IndexLockTimeout bounds waits for the index file lock.
	IndexLockTimeout time.Duration
	// IndexPageSize is the number of records read per sweep page.
	IndexPageSize int
	// Codec names the codec used for writes. Reads always use the codec
	// recorded in the segment.
	Codec string
	// MaxLife is the sweep threshold used by the janitor and the CLI.
	MaxLife time.Duration
	// JanitorInterval is the sweep period of the janitor.
	JanitorInterval time.Duration
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	c.ShmDir = strings.TrimSpace(c.ShmDir)
	if c.ShmDir == "" {
		c.ShmDir = DefaultShmDir
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if strings.ContainsRune(c.Prefix, '/') {
		return fmt.Errorf("config: prefix must not contain '/'")
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	} else if c.Capacity < 0 {
		return fmt.Errorf("config: capacity must be > 0")
	}
	c.IndexPath = strings.TrimSpace(c.IndexPath)
	if c.IndexPath == "" {
		c.IndexPath = DefaultIndexPath()
	}
	c.IndexMode = strings.ToLower(strings.TrimSpace(c.IndexMode))
	if c.IndexMode == "" {
		c.IndexMode = DefaultIndexMode
	}
	switch c.IndexMode {
	case accessindex.ModeShared, accessindex.ModeExclusive:
	default:
		return fmt.Errorf("config: index mode must be %q or %q", accessindex.ModeShared, accessindex.ModeExclusive)
	}
	if c.IndexLockTimeout == 0 {
		c.IndexLockTimeout = DefaultIndexLockTimeout
	} else if c.IndexLockTimeout < 0 {
		return fmt.Errorf("config: index lock timeout must be >= 0")
	}
	if c.IndexPageSize <= 0 {
		c.IndexPageSize = DefaultIndexPageSize
	}
	c.Codec = strings.ToLower(strings.TrimSpace(c.Codec))
	if c.Codec == "" {
		c.Codec = DefaultCodec
	}
	if _, err := codec.Lookup(c.Codec); err != nil {
		return fmt.Errorf("config: unknown codec %q (options: %s)", c.Codec, strings.Join(codec.Names(), ", "))
	}
	if c.MaxLife == 0 {
		c.MaxLife = DefaultMaxLife
	} else if c.MaxLife < 0 {
		return fmt.Errorf("config: max life must be >= 0")
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = DefaultJanitorInterval
	} else if c.JanitorInterval < 0 {
		return fmt.Errorf("config: janitor interval must be >= 0")
	}
	return nil
}
