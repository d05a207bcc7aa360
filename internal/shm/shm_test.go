//go:build unix

package shm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, capacity int64) *Store {
	t.Helper()
	store, err := New(Config{Dir: t.TempDir(), Capacity: capacity})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func writeKey(t *testing.T, store *Store, key string, payload []byte) {
	t.Helper()
	seg, err := store.CreateOrAttach(context.Background(), key)
	if err != nil {
		t.Fatalf("create %s: %v", key, err)
	}
	defer seg.Close()
	n, err := seg.WriteRaw(7, payload)
	if err != nil {
		t.Fatalf("write %s: %v", key, err)
	}
	if n != len(payload) {
		t.Fatalf("short write %d/%d", n, len(payload))
	}
}

func readKey(t *testing.T, store *Store, key string) []byte {
	t.Helper()
	seg, err := store.Attach(context.Background(), key, ModeRead)
	if err != nil {
		t.Fatalf("attach %s: %v", key, err)
	}
	defer seg.Close()
	got, err := seg.ReadRaw()
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return got
}

func TestNameIsHexOfKey(t *testing.T) {
	store := newTestStore(t, 64)
	name, err := store.Name("ab12")
	if err != nil {
		t.Fatalf("name: %v", err)
	}
	if name != DefaultPrefix+"61623132" {
		t.Fatalf("unexpected name %q", name)
	}
	if _, err := store.Name(""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for empty key, got %v", err)
	}
	if _, err := store.Name(strings.Repeat("k", 200)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for long key, got %v", err)
	}
	other, _ := store.Name("ab13")
	if other == name {
		t.Fatal("distinct keys share a segment name")
	}
}

func TestCreateOrAttachIsIdempotent(t *testing.T) {
	store := newTestStore(t, 128)
	ctx := context.Background()

	first, err := store.CreateOrAttach(ctx, "sess1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gen := first.Generation()
	if first.Capacity() != 128 {
		t.Fatalf("capacity %d want 128", first.Capacity())
	}
	if _, err := first.WriteRaw(1, []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := store.CreateOrAttach(ctx, "sess1")
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	defer second.Close()
	if second.Generation() != gen {
		t.Fatalf("generation changed: %s -> %s", gen, second.Generation())
	}
	got, err := second.ReadRaw()
	if err != nil || string(got) != "payload" {
		t.Fatalf("payload after re-attach = %q, %v", got, err)
	}
	codec, err := second.Codec()
	if err != nil || codec != 1 {
		t.Fatalf("codec = %d, %v", codec, err)
	}
}

func TestAttachMissingIsNotFound(t *testing.T) {
	store := newTestStore(t, 64)
	for _, mode := range []Mode{ModeRead, ModeReadWrite, ModeCloseOnly} {
		if _, err := store.Attach(context.Background(), "ghost", mode); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", mode, err)
		}
	}
}

func TestReadRawEmptyAndWhitespace(t *testing.T) {
	store := newTestStore(t, 64)
	writeKey(t, store, "blank", nil)
	if got := readKey(t, store, "blank"); got != nil {
		t.Fatalf("expected nil for empty payload, got %q", got)
	}
	writeKey(t, store, "spaces", []byte(" \t\n "))
	if got := readKey(t, store, "spaces"); string(got) != " \t\n " {
		t.Fatalf("whitespace payload read back as %q", got)
	}
}

func TestOverwriteShrinksPayload(t *testing.T) {
	store := newTestStore(t, 64)
	writeKey(t, store, "k", []byte("a long first payload"))
	writeKey(t, store, "k", []byte("short"))
	if got := readKey(t, store, "k"); string(got) != "short" {
		t.Fatalf("got %q want short", got)
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	store := newTestStore(t, 16)
	writeKey(t, store, "k", []byte("keep me"))
	writeKey(t, store, "other", []byte("neighbour"))

	seg, err := store.CreateOrAttach(context.Background(), "k")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	n, err := seg.WriteRaw(1, bytes.Repeat([]byte("x"), 17))
	seg.Close()
	if !errors.Is(err, ErrCapacityExceeded) || n != 0 {
		t.Fatalf("expected ErrCapacityExceeded with 0 bytes, got %d, %v", n, err)
	}
	if got := readKey(t, store, "k"); string(got) != "keep me" {
		t.Fatalf("oversized write clobbered payload: %q", got)
	}
	if got := readKey(t, store, "other"); string(got) != "neighbour" {
		t.Fatalf("oversized write touched another key: %q", got)
	}
}

func TestReadOnlyHandleCannotWrite(t *testing.T) {
	store := newTestStore(t, 16)
	writeKey(t, store, "k", []byte("v"))
	seg, err := store.Attach(context.Background(), "k", ModeRead)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer seg.Close()
	if _, err := seg.WriteRaw(1, []byte("w")); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	store := newTestStore(t, 32)
	ctx := context.Background()
	writeKey(t, store, "k", []byte("v"))
	for i := 0; i < 2; i++ {
		if err := store.Destroy(ctx, "k"); err != nil {
			t.Fatalf("destroy #%d: %v", i+1, err)
		}
	}
	if err := store.Destroy(ctx, "never-created"); err != nil {
		t.Fatalf("destroy unknown: %v", err)
	}
	if _, err := store.Attach(ctx, "k", ModeRead); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after destroy, got %v", err)
	}
	name, _ := store.Name("k")
	if _, err := os.Stat(filepath.Join(store.Dir(), name)); !os.IsNotExist(err) {
		t.Fatalf("segment file still present: %v", err)
	}
}

func TestHandleDetectsUnlinkedSegment(t *testing.T) {
	store := newTestStore(t, 32)
	writeKey(t, store, "k", []byte("v"))
	seg, err := store.Attach(context.Background(), "k", ModeReadWrite)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer seg.Close()
	name, _ := store.Name("k")
	if err := os.Remove(filepath.Join(store.Dir(), name)); err != nil {
		t.Fatalf("remove behind the handle: %v", err)
	}
	if _, err := seg.ReadRaw(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read: expected ErrNotFound, got %v", err)
	}
	if _, err := seg.WriteRaw(1, []byte("late")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("write: expected ErrNotFound, got %v", err)
	}
}

func TestHandleDetectsGenerationChange(t *testing.T) {
	store := newTestStore(t, 32)
	writeKey(t, store, "k", []byte("v"))
	seg, err := store.Attach(context.Background(), "k", ModeRead)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer seg.Close()

	name, _ := store.Name("k")
	f, err := os.OpenFile(filepath.Join(store.Dir(), name), os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := f.WriteAt(bytes.Repeat([]byte{0xAB}, 12), 8); err != nil {
		t.Fatalf("stamp generation: %v", err)
	}
	f.Close()

	if _, err := seg.ReadRaw(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected recycled segment to read as ErrNotFound, got %v", err)
	}
}

func TestChecksumMismatchIsCorrupt(t *testing.T) {
	store := newTestStore(t, 32)
	writeKey(t, store, "k", []byte("value"))
	name, _ := store.Name("k")
	f, err := os.OpenFile(filepath.Join(store.Dir(), name), os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := f.WriteAt([]byte("V"), HeaderSize); err != nil {
		t.Fatalf("flip payload byte: %v", err)
	}
	f.Close()

	seg, err := store.Attach(context.Background(), "k", ModeRead)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer seg.Close()
	if _, err := seg.ReadRaw(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestExistingSegmentKeepsItsCapacity(t *testing.T) {
	dir := t.TempDir()
	small, err := New(Config{Dir: dir, Capacity: 64})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	writeKey(t, small, "k", []byte("v"))

	large, err := New(Config{Dir: dir, Capacity: 4096})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	seg, err := large.CreateOrAttach(context.Background(), "k")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer seg.Close()
	if seg.Capacity() != 64 {
		t.Fatalf("capacity %d want 64", seg.Capacity())
	}
}

func TestCreateRepairsHalfBuiltSegment(t *testing.T) {
	store := newTestStore(t, 32)
	name, _ := store.Name("k")
	if err := os.WriteFile(filepath.Join(store.Dir(), name), nil, 0o600); err != nil {
		t.Fatalf("seed empty file: %v", err)
	}
	if _, err := store.Attach(context.Background(), "k", ModeRead); !errors.Is(err, ErrNotFound) {
		t.Fatalf("uninitialised segment should attach as ErrNotFound, got %v", err)
	}
	writeKey(t, store, "k", []byte("fixed"))
	if got := readKey(t, store, "k"); string(got) != "fixed" {
		t.Fatalf("got %q", got)
	}
}

func TestInfoReportsHeader(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, err := New(Config{Dir: t.TempDir(), Capacity: 256, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	writeKey(t, store, "k", []byte("12345"))
	info, err := store.Stat(context.Background(), "k")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Length != 5 || info.Capacity != 256 || info.Codec != 7 {
		t.Fatalf("unexpected info %+v", info)
	}
	if !info.LastWrite.Equal(now) {
		t.Fatalf("last write %v want %v", info.LastWrite, now)
	}
	if info.Generation.IsNil() || time.Since(info.Created) > time.Minute {
		t.Fatalf("unexpected generation %s created %v", info.Generation, info.Created)
	}
}

func TestCloseIsSafeToRepeat(t *testing.T) {
	var nilSeg *Segment
	if err := nilSeg.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	store := newTestStore(t, 16)
	seg, err := store.CreateOrAttach(context.Background(), "k")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	closeOnly, err := store.Attach(context.Background(), "k", ModeCloseOnly)
	if err != nil {
		t.Fatalf("close-only attach: %v", err)
	}
	if err := closeOnly.Close(); err != nil {
		t.Fatalf("close-only close: %v", err)
	}
}

func TestConcurrentWritersNeverTearPayloads(t *testing.T) {
	store := newTestStore(t, 1024)
	payloads := [][]byte{
		bytes.Repeat([]byte("a"), 700),
		bytes.Repeat([]byte("b"), 300),
	}
	writeKey(t, store, "shared", payloads[0])

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				seg, err := store.CreateOrAttach(context.Background(), "shared")
				if err != nil {
					t.Errorf("attach: %v", err)
					return
				}
				seg.WriteRaw(1, payloads[(i+j)%2])
				seg.Close()
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				seg, err := store.Attach(context.Background(), "shared", ModeRead)
				if err != nil {
					t.Errorf("attach read: %v", err)
					return
				}
				got, err := seg.ReadRaw()
				seg.Close()
				if err != nil {
					t.Errorf("read: %v", err)
					return
				}
				if !bytes.Equal(got, payloads[0]) && !bytes.Equal(got, payloads[1]) {
					t.Errorf("torn read of %d bytes", len(got))
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestPathLocksAreDroppedAfterUse(t *testing.T) {
	store := newTestStore(t, 64)
	ctx := context.Background()
	var paths []string
	for i := range 200 {
		key := fmt.Sprintf("churn-%d", i)
		_, path, err := store.resolve(key)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		paths = append(paths, path)
		seg, err := store.CreateOrAttach(ctx, key)
		if err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
		if err := seg.Close(); err != nil {
			t.Fatalf("close %s: %v", key, err)
		}
		seg, err = store.Attach(ctx, key, ModeRead)
		if err != nil {
			t.Fatalf("attach %s: %v", key, err)
		}
		seg.Close()
		if err := store.Destroy(ctx, key); err != nil {
			t.Fatalf("destroy %s: %v", key, err)
		}
	}
	pathLocks.Lock()
	defer pathLocks.Unlock()
	for _, path := range paths {
		if _, ok := pathLocks.entries[path]; ok {
			t.Fatalf("lock entry for %s outlived its users", path)
		}
	}
}
