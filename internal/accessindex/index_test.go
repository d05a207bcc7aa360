package accessindex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"pkt.systems/memsess/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestIndex(t *testing.T, mode string) (*Index, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	ix, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "access.db"),
		Mode:     mode,
		PageSize: 4,
		Clock:    clk,
	})
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix, clk
}

func TestOpenValidatesConfig(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
	path := filepath.Join(t.TempDir(), "access.db")
	if _, err := Open(Config{Path: path, Mode: "weird"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := Open(Config{Path: path, LockTimeout: -time.Second}); err == nil {
		t.Fatal("expected error for negative lock timeout")
	}
}

func TestTouchAndGet(t *testing.T) {
	for _, mode := range []string{ModeShared, ModeExclusive} {
		t.Run(mode, func(t *testing.T) {
			ctx := context.Background()
			ix, clk := openTestIndex(t, mode)
			if err := ix.Touch(ctx, "alpha"); err != nil {
				t.Fatalf("touch: %v", err)
			}
			clk.Advance(time.Minute)
			if err := ix.Touch(ctx, "alpha"); err != nil {
				t.Fatalf("touch: %v", err)
			}
			rec, err := ix.Get(ctx, "alpha")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !rec.Created.Equal(epoch) {
				t.Fatalf("created = %v, want %v", rec.Created, epoch)
			}
			if want := epoch.Add(time.Minute); !rec.LastAccess.Equal(want) {
				t.Fatalf("last access = %v, want %v", rec.LastAccess, want)
			}
			at, err := ix.LastAccess(ctx, "alpha")
			if err != nil || !at.Equal(rec.LastAccess) {
				t.Fatalf("last access = %v, %v", at, err)
			}
		})
	}
}

func TestTouchNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	ix, clk := openTestIndex(t, ModeShared)
	clk.Advance(time.Hour)
	if err := ix.Touch(ctx, "k"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	clk.Set(epoch)
	if err := ix.Touch(ctx, "k"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	at, err := ix.LastAccess(ctx, "k")
	if err != nil {
		t.Fatalf("last access: %v", err)
	}
	if want := epoch.Add(time.Hour); !at.Equal(want) {
		t.Fatalf("last access = %v, want %v", at, want)
	}
}

func TestMissingAndInvalidKeys(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, ModeShared)
	if _, err := ix.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
	if err := ix.Touch(ctx, ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("touch empty: %v", err)
	}
	if err := ix.Remove(ctx, "nope"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, ModeExclusive)
	for _, key := range []string{"a", "b"} {
		if err := ix.Touch(ctx, key); err != nil {
			t.Fatalf("touch %s: %v", key, err)
		}
	}
	if err := ix.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := ix.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get removed: %v", err)
	}
	n, err := ix.Len(ctx)
	if err != nil || n != 1 {
		t.Fatalf("len = %d, %v", n, err)
	}
}

func TestScanVisitsEveryRecordAcrossPages(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, ModeShared)
	want := make([]string, 0, 11)
	for i := range 11 {
		key := fmt.Sprintf("key-%02d", i)
		want = append(want, key)
		if err := ix.Touch(ctx, key); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}
	var got []string
	for rec, err := range ix.Scan(ctx) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, rec.Key)
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("scan = %v, want %v", got, want)
	}
}

func TestScanToleratesRemovalWhileIterating(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, ModeExclusive)
	for i := range 9 {
		if err := ix.Touch(ctx, fmt.Sprintf("s%d", i)); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}
	seen := 0
	for rec, err := range ix.Scan(ctx) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		seen++
		if err := ix.Remove(ctx, rec.Key); err != nil {
			t.Fatalf("remove during scan: %v", err)
		}
	}
	if seen != 9 {
		t.Fatalf("seen %d records, want 9", seen)
	}
	n, err := ix.Len(ctx)
	if err != nil || n != 0 {
		t.Fatalf("len after drain = %d, %v", n, err)
	}
}

func TestScanStopsEarly(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, ModeShared)
	for i := range 6 {
		if err := ix.Touch(ctx, fmt.Sprintf("k%d", i)); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}
	seen := 0
	for range ix.Scan(ctx) {
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("seen %d", seen)
	}
}

func TestScanReportsMalformedRecordAsAncient(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, ModeExclusive)
	if err := ix.update(ctx, func(b *bolt.Bucket) error {
		return b.Put([]byte("broken"), []byte{1, 2, 3})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var recs []Record
	for rec, err := range ix.Scan(ctx) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		recs = append(recs, rec)
	}
	if len(recs) != 1 || recs[0].Key != "broken" || !recs[0].LastAccess.IsZero() {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestGetReturnsMalformedRecordAsAncient(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, ModeShared)
	if err := ix.update(ctx, func(b *bolt.Bucket) error {
		return b.Put([]byte("broken"), []byte{1, 2, 3})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec, err := ix.Get(ctx, "broken")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Key != "broken" || !rec.LastAccess.IsZero() || !rec.Created.IsZero() {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSharedModeAllowsSeveralHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "access.db")
	first, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	defer first.Close()
	second, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer second.Close()
	if err := first.Touch(ctx, "shared"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if _, err := second.Get(ctx, "shared"); err != nil {
		t.Fatalf("second handle cannot see record: %v", err)
	}
}

func TestExclusiveModeTimesOutOtherOpeners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.db")
	holder, err := Open(Config{Path: path, Mode: ModeExclusive})
	if err != nil {
		t.Fatalf("open exclusive: %v", err)
	}
	defer holder.Close()
	_, err = Open(Config{Path: path, LockTimeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
}

func TestConcurrentTouches(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, ModeShared)
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ix.Touch(ctx, fmt.Sprintf("c%d", i%8)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("touch: %v", err)
	}
	var keys []string
	for rec, err := range ix.Scan(ctx) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		keys = append(keys, rec.Key)
	}
	sort.Strings(keys)
	if len(keys) != 8 {
		t.Fatalf("keys = %v", keys)
	}
}

func TestClosedIndexRejectsUse(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, ModeShared)
	if err := ix.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ix.Touch(ctx, "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("touch after close: %v", err)
	}
	if err := ix.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestPutRestoresRecord(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, ModeShared)
	rec := Record{Key: "restored", LastAccess: epoch.Add(-time.Hour), Created: epoch.Add(-2 * time.Hour)}
	if err := ix.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := ix.Get(ctx, "restored")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastAccess.Equal(rec.LastAccess) || !got.Created.Equal(rec.Created) {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}
