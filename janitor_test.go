package memsess

import (
	"context"
	"testing"
	"time"

	"pkt.systems/memsess/internal/clock"
)

func waitPending(t *testing.T, clk *clock.Manual) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor never waited on the clock")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestJanitorSweepsOnInterval(t *testing.T) {
	store, clk := newTestStore(t, testConfig(t))
	ctx := context.Background()
	openAndSave(t, store, "old", []byte("x"))

	results := make(chan SweepResult, 4)
	j, err := store.StartJanitor(ctx, JanitorConfig{
		Interval: time.Minute,
		MaxLife:  5 * time.Minute,
		OnSweep: func(res SweepResult, err error) {
			if err != nil {
				t.Errorf("sweep: %v", err)
			}
			results <- res
		},
	})
	if err != nil {
		t.Fatalf("start janitor: %v", err)
	}
	defer j.Stop()

	waitPending(t, clk)
	clk.Advance(time.Minute)
	select {
	case res := <-results:
		if res.Examined != 1 || res.Reclaimed != 0 {
			t.Fatalf("first pass = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("janitor did not sweep")
	}

	waitPending(t, clk)
	clk.Advance(10 * time.Minute)
	select {
	case res := <-results:
		if res.Reclaimed != 1 {
			t.Fatalf("second pass = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("janitor did not sweep")
	}
}

func TestJanitorStopsWithContext(t *testing.T) {
	store, _ := newTestStore(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	j, err := store.StartJanitor(ctx, JanitorConfig{})
	if err != nil {
		t.Fatalf("start janitor: %v", err)
	}
	cancel()
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("janitor ignored cancellation")
	}
	j.Stop()
	j.Stop()
}

func TestJanitorRejectsNegativeInterval(t *testing.T) {
	store, _ := newTestStore(t, testConfig(t))
	if _, err := store.StartJanitor(context.Background(), JanitorConfig{Interval: -time.Second}); err == nil {
		t.Fatal("expected error")
	}
}
