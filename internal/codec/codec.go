// Package codec compresses session payloads before they are copied into a
// shared-memory segment. Every codec has a stable one-byte id that is stamped
// into the segment header, so a reader always decodes with the codec the
// writer used even when the configured default changes.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoData is returned when there is nothing to decompress.
	ErrNoData = errors.New("codec: no data")
	// ErrCorrupt is wrapped by every decompression failure.
	ErrCorrupt = errors.New("codec: corrupt payload")
	// ErrUnknown is returned for unregistered names or ids.
	ErrUnknown = errors.New("codec: unknown codec")
)

// Codec ids persisted in segment headers. Never renumber.
const (
	IDNone   byte = 0
	IDZlib   byte = 1
	IDZstd   byte = 2
	IDLZ4    byte = 3
	IDSnappy byte = 4
)

// Default is the codec used when none is configured.
const Default = "zlib"

// Codec is a lossless, deterministic payload transform.
type Codec interface {
	ID() byte
	Name() string
	// Compress never fails for well-formed input; an error aborts the write.
	Compress(payload []byte) ([]byte, error)
	// Decompress returns ErrNoData for empty input and an error wrapping
	// ErrCorrupt when src was not produced by Compress.
	Decompress(src []byte) ([]byte, error)
}

var registry = map[string]Codec{}
var byID = map[byte]Codec{}

func register(c Codec) {
	registry[c.Name()] = c
	byID[c.ID()] = c
}

func init() {
	register(none{})
	register(newZlib())
	register(&zstdCodec{})
	register(lz4Codec{})
	register(snappyCodec{})
}

// Lookup returns the codec registered under name (case-insensitive). An
// empty name selects Default.
func Lookup(name string) (Codec, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = Default
	}
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (valid: %s)", ErrUnknown, name, strings.Join(Names(), ", "))
	}
	return c, nil
}

// ByID returns the codec with the given header id.
func ByID(id byte) (Codec, error) {
	c, ok := byID[id]
	if !ok {
		return nil, fmt.Errorf("%w id %d", ErrUnknown, id)
	}
	return c, nil
}

// Names lists the registered codec names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func corrupt(name string, err error) error {
	return fmt.Errorf("%w (%s): %v", ErrCorrupt, name, err)
}

type none struct{}

func (none) ID() byte     { return IDNone }
func (none) Name() string { return "none" }

func (none) Compress(payload []byte) ([]byte, error) {
	return append([]byte(nil), payload...), nil
}

func (none) Decompress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, ErrNoData
	}
	return append([]byte(nil), src...), nil
}
