//go:build unix

package shm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"
)

// Segment is an attached handle. It holds the segment lock until Close and
// must not be shared between goroutines.
type Segment struct {
	store      *Store
	name       string
	path       string
	mode       Mode
	file       *os.File
	data       []byte
	generation xid.ID
	release    func()
	closed     bool
}

// Info describes a segment header.
type Info struct {
	Name       string
	Capacity   int64
	Length     int64
	Codec      byte
	Generation xid.ID
	Created    time.Time
	LastWrite  time.Time
}

// Name returns the derived segment name.
func (s *Segment) Name() string { return s.name }

// Mode returns how the segment was attached.
func (s *Segment) Mode() Mode { return s.mode }

// Generation identifies this incarnation of the segment.
func (s *Segment) Generation() xid.ID { return s.generation }

// Capacity returns the payload capacity the segment was created with.
func (s *Segment) Capacity() int64 {
	if len(s.data) < HeaderSize {
		return 0
	}
	return int64(len(s.data) - HeaderSize)
}

// verify rejects a handle whose segment has been unlinked or re-initialised
// under a different generation since it was attached.
func (s *Segment) verify() (header, error) {
	if s.closed || s.data == nil {
		return header{}, fmt.Errorf("shm: %s: handle not mapped: %w", s.name, ErrNotFound)
	}
	live, _, err := linked(s.file)
	if err != nil {
		return header{}, classify("stat", err)
	}
	if !live {
		return header{}, ErrNotFound
	}
	h, ok := decodeHeader(s.data)
	if !ok {
		return header{}, fmt.Errorf("%w: %s lost its header", ErrCorrupt, s.name)
	}
	if h.generation != s.generation {
		return header{}, fmt.Errorf("shm: %s recycled (generation %s, attached %s): %w", s.name, h.generation, s.generation, ErrNotFound)
	}
	return h, nil
}

// Codec returns the codec id recorded with the stored payload.
func (s *Segment) Codec() (byte, error) {
	h, err := s.verify()
	if err != nil {
		return 0, err
	}
	return h.codec, nil
}

// ReadRaw returns a copy of the stored payload bytes. A segment that was
// never written, or was written empty, reads as nil. The header length is
// authoritative, so payload bytes are returned exactly, whitespace included.
func (s *Segment) ReadRaw() ([]byte, error) {
	h, err := s.verify()
	if err != nil {
		return nil, err
	}
	if h.length > uint64(s.Capacity()) {
		return nil, fmt.Errorf("%w: %s claims %d bytes in %d", ErrCorrupt, s.name, h.length, s.Capacity())
	}
	payload := s.data[HeaderSize : HeaderSize+int(h.length)]
	if checksum(payload) != h.crc {
		return nil, fmt.Errorf("%w: %s checksum mismatch", ErrCorrupt, s.name)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	return bytes.Clone(payload), nil
}

// WriteRaw overwrites the payload area from offset zero and records codec
// alongside it. It returns the number of payload bytes stored. A payload
// larger than the capacity is rejected with ErrCapacityExceeded and the
// previous contents are left untouched.
func (s *Segment) WriteRaw(codec byte, p []byte) (int, error) {
	if s.mode != ModeReadWrite {
		return 0, ErrReadOnly
	}
	h, err := s.verify()
	if err != nil {
		return 0, err
	}
	if int64(len(p)) > s.Capacity() {
		s.store.logger.Debug("shm.write.capacity_exceeded", "name", s.name, "bytes", len(p), "capacity", s.Capacity())
		return 0, fmt.Errorf("%w: %d bytes into %d", ErrCapacityExceeded, len(p), s.Capacity())
	}
	n := copy(s.data[HeaderSize:], p)
	h.codec = codec
	h.length = uint64(n)
	h.crc = checksum(s.data[HeaderSize : HeaderSize+n])
	h.written = s.store.now().UnixNano()
	h.encode(s.data)
	return n, nil
}

// Info returns the current header fields.
func (s *Segment) Info() (Info, error) {
	h, err := s.verify()
	if err != nil {
		return Info{}, err
	}
	return Info{
		Name:       s.name,
		Capacity:   s.Capacity(),
		Length:     int64(h.length),
		Codec:      h.codec,
		Generation: h.generation,
		Created:    h.generation.Time().UTC(),
		LastWrite:  h.writtenAt(),
	}, nil
}

// Close unmaps the segment and releases its locks. It never destroys the
// segment and is safe to call more than once or on a nil handle.
func (s *Segment) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			errs = append(errs, fmt.Errorf("shm: munmap %s: %w", s.name, err))
		}
		s.data = nil
	}
	if s.file != nil {
		if s.mode != ModeCloseOnly {
			if err := unlockFile(s.file); err != nil {
				errs = append(errs, fmt.Errorf("shm: unlock %s: %w", s.name, err))
			}
		}
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shm: close %s: %w", s.name, err))
		}
		s.file = nil
	}
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return errors.Join(errs...)
}
