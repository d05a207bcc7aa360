package memsess

import (
	"errors"
	"fmt"

	"pkt.systems/memsess/internal/accessindex"
	"pkt.systems/memsess/internal/codec"
	"pkt.systems/memsess/internal/shm"
)

var (
	// ErrNotFound reports a session without a live segment. It is a normal
	// miss, not a failure.
	ErrNotFound = errors.New("memsess: session not found")
	// ErrCorrupt reports a stored payload that failed its checksum or could
	// not be decompressed.
	ErrCorrupt = errors.New("memsess: corrupt payload")
	// ErrPartialWrite reports a write that stored fewer bytes than the
	// compressed payload holds.
	ErrPartialWrite = errors.New("memsess: partial write")
	// ErrCapacityExceeded reports a compressed payload larger than the
	// segment. The previous payload is kept.
	ErrCapacityExceeded = errors.New("memsess: payload exceeds segment capacity")
	// ErrPermissionDenied reports that the OS refused to create or open a segment.
	ErrPermissionDenied = errors.New("memsess: permission denied")
	// ErrResourceExhausted reports that the OS could not back a segment.
	ErrResourceExhausted = errors.New("memsess: resource exhausted")
	// ErrInvalidKey reports an empty id or one too long for a segment name.
	ErrInvalidKey = errors.New("memsess: invalid session id")
)

// translate tags err with the matching root sentinel while keeping the
// internal error in the chain.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch {
	case errors.Is(err, shm.ErrNotFound):
		sentinel = ErrNotFound
	case errors.Is(err, shm.ErrCorrupt), errors.Is(err, codec.ErrCorrupt), errors.Is(err, codec.ErrUnknown):
		sentinel = ErrCorrupt
	case errors.Is(err, shm.ErrCapacityExceeded):
		sentinel = ErrCapacityExceeded
	case errors.Is(err, shm.ErrPermissionDenied):
		sentinel = ErrPermissionDenied
	case errors.Is(err, shm.ErrResourceExhausted):
		sentinel = ErrResourceExhausted
	case errors.Is(err, shm.ErrInvalidKey), errors.Is(err, accessindex.ErrInvalidKey):
		sentinel = ErrInvalidKey
	}
	if sentinel == nil || errors.Is(err, sentinel) {
		return fmt.Errorf("memsess: %s: %w", op, err)
	}
	return fmt.Errorf("memsess: %s: %w: %w", op, sentinel, err)
}
