package clock_test

import (
	"testing"
	"time"

	"pkt.systems/memsess/internal/clock"
)

func TestRealNowIsUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if now.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", now.Location())
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(time.Minute)
	if m.Pending() != 1 {
		t.Fatalf("expected one pending waiter, got %d", m.Pending())
	}
	m.Advance(59 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired early")
	default:
	}
	m.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Minute)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("waiter did not fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", m.Pending())
	}
}

func TestManualSetAndSince(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	m := clock.NewManual(start)
	m.Set(start.Add(90 * time.Second))
	if got := clock.Since(m, start); got != 90*time.Second {
		t.Fatalf("Since=%v want 90s", got)
	}
	ch := m.After(0)
	select {
	case <-ch:
	default:
		t.Fatal("zero duration After should fire immediately")
	}
}
