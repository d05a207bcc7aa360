// Package memsess is an ephemeral session store backed by shared memory.
//
// Each session lives in its own fixed-capacity POSIX shared-memory segment,
// so every worker process on a host that serves the same session maps the
// same bytes without a cache server in between. Payloads are compressed
// before they are written and the codec is recorded next to them. Segments
// cannot be enumerated, so an access index (an embedded bbolt database)
// records when each session was last touched; Sweep walks that index and
// destroys sessions nobody has touched for longer than a max life.
//
// # Using the store
//
//	store, err := memsess.New(memsess.Config{
//	    Capacity:  2_000_000,
//	    IndexPath: "/var/lib/memsess/access.db",
//	}, memsess.WithLogger(logger))
//	if err != nil { return err }
//	defer store.Shutdown()
//
//	if err := store.Open(ctx, id); err != nil { return err }
//	payload, err := store.Load(ctx, id)
//	switch {
//	case errors.Is(err, memsess.ErrNotFound):
//	    // new or expired session
//	case errors.Is(err, memsess.ErrCorrupt):
//	    // unreadable payload, treat as session loss
//	}
//	err = store.Save(ctx, id, payload)
//	_ = store.Close(ctx, id)
//
// Frameworks that want boolean lifecycle hooks take store.Handler() instead,
// which collapses misses and corrupt payloads into empty reads and never
// reports destroy or sweep failures to the caller.
//
// # Consistency
//
// Concurrent writers to one session are not ordered: the last completed
// write wins and readers see either payload, never a torn mix. Each segment
// operation holds a per-segment lock and checks that the segment it attached
// is still the one linked under its name, so a destroy racing a read or a
// write makes the loser see ErrNotFound.
//
// # Expiry
//
// Sweep (or a Janitor started with StartJanitor) destroys every session
// whose last access is more than MaxLife in the past. Loads and saves
// refresh the access time, including loads that miss. Segments without an
// index record are never swept.
package memsess
