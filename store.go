package memsess

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/memsess/internal/accessindex"
	"pkt.systems/memsess/internal/clock"
	"pkt.systems/memsess/internal/codec"
	"pkt.systems/memsess/internal/correlation"
	"pkt.systems/memsess/internal/loggingutil"
	"pkt.systems/memsess/internal/shm"
	"pkt.systems/pslog"
)

// Store is the session store. It is safe for concurrent use by multiple
// goroutines and, through the shared segments and index file, by multiple
// processes configured alike.
type Store struct {
	cfg      Config
	segments *shm.Store
	index    *accessindex.Index
	codec    codec.Codec
	clock    clock.Clock
	logger   pslog.Logger
	tracer   trace.Tracer
	metrics  *storeMetrics
}

// Record is one entry of the access index.
type Record struct {
	ID         string
	LastAccess time.Time
	Created    time.Time
}

// ExpiredAt reports whether a sweep started at now with maxLife reclaims the
// session.
func (r Record) ExpiredAt(now time.Time, maxLife time.Duration) bool {
	return expired(now, r.LastAccess, maxLife)
}

func expired(now, lastAccess time.Time, maxLife time.Duration) bool {
	return now.Sub(lastAccess) > maxLife
}

// SessionInfo combines a session's access record with its segment header.
type SessionInfo struct {
	ID         string
	Indexed    bool
	LastAccess time.Time
	Created    time.Time

	Live        bool
	Segment     string
	Capacity    int64
	StoredBytes int64
	Codec       string
	Generation  string
	LastWrite   time.Time
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	// Examined counts index records visited.
	Examined int
	// Expired counts records older than the max life.
	Expired int
	// Reclaimed counts expired sessions destroyed.
	Reclaimed int
	// Failed counts expired sessions that could not be destroyed. Their
	// records stay in the index so the next pass retries them.
	Failed   int
	Duration time.Duration
}

// New validates cfg, prepares the segment directory and opens the access
// index.
func New(cfg Config, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.codec != "" {
		cfg.Codec = o.codec
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	c, err := codec.Lookup(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("memsess: %w", err)
	}
	segments, err := shm.New(shm.Config{
		Dir:      cfg.ShmDir,
		Prefix:   cfg.Prefix,
		Capacity: cfg.Capacity,
		Logger:   o.logger,
		Now:      o.clock.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("memsess: %w", err)
	}
	index, err := accessindex.Open(accessindex.Config{
		Path:        cfg.IndexPath,
		Mode:        cfg.IndexMode,
		LockTimeout: cfg.IndexLockTimeout,
		PageSize:    cfg.IndexPageSize,
		Clock:       o.clock,
		Logger:      o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("memsess: %w", err)
	}
	logger := loggingutil.WithSubsystem(o.logger, "store")
	s := &Store{
		cfg:      cfg,
		segments: segments,
		index:    index,
		codec:    c,
		clock:    o.clock,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		metrics:  newStoreMetrics(logger),
	}
	logger.Debug("store.ready",
		"shm_dir", segments.Dir(),
		"capacity", cfg.Capacity,
		"codec", c.Name(),
		"index_path", index.Path(),
		"index_mode", index.Mode(),
	)
	return s, nil
}

// Config returns the validated configuration.
func (s *Store) Config() Config { return s.cfg }

func (s *Store) start(ctx context.Context, op string) (context.Context, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "memsess."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("memsess.op", op))

	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != pslog.NoopLogger() {
		logger = ctxLogger
	}
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
		span.SetAttributes(attribute.String("memsess.correlation_id", cid))
	}
	return ctx, logger, func(err error) {
		defer span.End()
		result := metricResultLabel(err)
		switch result {
		case "error":
			span.RecordError(err)
			span.SetStatus(codes.Error, "memsess_error")
		default:
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.String("memsess.result", result))
		s.metrics.recordOp(ctx, op, time.Since(begin), err)
	}
}

// touch records an access. Failures are logged and never fail the caller's
// read or write: the session bytes matter more than its expiry clock.
func (s *Store) touch(ctx context.Context, logger pslog.Logger, id string) {
	if err := s.index.Touch(ctx, id); err != nil {
		logger.Warn("store.touch.error", "error", err)
	}
}

func (s *Store) validate(op, id string) error {
	if _, err := s.segments.Name(id); err != nil {
		return translate(op, err)
	}
	return nil
}

// Open ensures a segment exists for id, creating it at the configured
// capacity. It does not touch the access index.
func (s *Store) Open(ctx context.Context, id string) (err error) {
	ctx, logger, finish := s.start(ctx, "open")
	defer func() { finish(err) }()

	seg, err := s.segments.CreateOrAttach(ctx, id)
	if err != nil {
		logger.Warn("store.open.error", "error", err)
		return translate("open", err)
	}
	logger.Debug("store.open.success", "segment", seg.Name(), "capacity", seg.Capacity())
	return seg.Close()
}

// Close detaches from the segment for id. Closing a session whose segment is
// gone succeeds.
func (s *Store) Close(ctx context.Context, id string) (err error) {
	ctx, _, finish := s.start(ctx, "close")
	defer func() { finish(err) }()

	seg, err := s.segments.Attach(ctx, id, shm.ModeCloseOnly)
	if errors.Is(err, shm.ErrNotFound) {
		return nil
	}
	if err != nil {
		return translate("close", err)
	}
	if err := seg.Close(); err != nil {
		return translate("close", err)
	}
	return nil
}

// Load records an access to id and returns its payload. A session that was
// opened but never written yields an empty payload and a nil error. A
// missing segment yields ErrNotFound; a payload that fails its checksum or
// does not decompress yields ErrCorrupt. The access is recorded in every
// case.
func (s *Store) Load(ctx context.Context, id string) (payload []byte, err error) {
	ctx, logger, finish := s.start(ctx, "load")
	defer func() { finish(err) }()

	if err := s.validate("load", id); err != nil {
		return nil, err
	}
	s.touch(ctx, logger, id)
	seg, err := s.segments.Attach(ctx, id, shm.ModeRead)
	if err != nil {
		if !errors.Is(err, shm.ErrNotFound) {
			logger.Warn("store.load.attach_error", "error", err)
		}
		return nil, translate("load", err)
	}
	defer seg.Close()
	codecID, err := seg.Codec()
	if err != nil {
		return nil, translate("load", err)
	}
	raw, err := seg.ReadRaw()
	if err != nil {
		logger.Warn("store.load.read_error", "segment", seg.Name(), "error", err)
		return nil, translate("load", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	c, err := codec.ByID(codecID)
	if err != nil {
		logger.Warn("store.load.codec_error", "segment", seg.Name(), "codec_id", codecID, "error", err)
		return nil, translate("load", err)
	}
	payload, err = c.Decompress(raw)
	if err != nil {
		logger.Warn("store.load.decompress_error", "segment", seg.Name(), "codec", c.Name(), "error", err)
		return nil, translate("load", err)
	}
	logger.Trace("store.load.success", "segment", seg.Name(), "bytes", len(payload), "stored", len(raw))
	return payload, nil
}

// Save records an access to id, compresses payload and overwrites the
// session's segment with it. The segment must already exist (see Open). A
// compressed payload larger than the segment is rejected with
// ErrCapacityExceeded and the stored payload is left as it was.
func (s *Store) Save(ctx context.Context, id string, payload []byte) (err error) {
	ctx, logger, finish := s.start(ctx, "save")
	defer func() { finish(err) }()

	if err := s.validate("save", id); err != nil {
		return err
	}
	s.touch(ctx, logger, id)
	compressed, err := s.codec.Compress(payload)
	if err != nil {
		logger.Warn("store.save.compress_error", "codec", s.codec.Name(), "error", err)
		return fmt.Errorf("memsess: save: compress: %w", err)
	}
	seg, err := s.segments.Attach(ctx, id, shm.ModeReadWrite)
	if err != nil {
		if !errors.Is(err, shm.ErrNotFound) {
			logger.Warn("store.save.attach_error", "error", err)
		}
		return translate("save", err)
	}
	defer seg.Close()
	n, err := seg.WriteRaw(s.codec.ID(), compressed)
	if err != nil {
		logger.Warn("store.save.write_error",
			"segment", seg.Name(),
			"bytes", len(payload),
			"compressed", len(compressed),
			"capacity", seg.Capacity(),
			"error", err,
		)
		return translate("save", err)
	}
	if n != len(compressed) {
		logger.Warn("store.save.partial_write", "segment", seg.Name(), "written", n, "compressed", len(compressed))
		return fmt.Errorf("memsess: save: %w: wrote %d of %d bytes", ErrPartialWrite, n, len(compressed))
	}
	s.metrics.recordPayload(ctx, s.codec.Name(), len(payload), len(compressed))
	logger.Trace("store.save.success", "segment", seg.Name(), "bytes", len(payload), "stored", n)
	return nil
}

// Destroy removes the access record for id and then its segment. Both steps
// tolerate a missing target, so destroying twice or destroying an unknown
// session succeeds. When the segment cannot be removed the access record is
// put back so a later sweep retries it.
func (s *Store) Destroy(ctx context.Context, id string) (err error) {
	ctx, logger, finish := s.start(ctx, "destroy")
	defer func() { finish(err) }()
	return s.destroy(ctx, logger, id)
}

func (s *Store) destroy(ctx context.Context, logger pslog.Logger, id string) error {
	rec, recErr := s.index.Get(ctx, id)
	if err := s.index.Remove(ctx, id); err != nil {
		logger.Warn("store.destroy.index_error", "error", err)
		return translate("destroy", err)
	}
	if err := s.segments.Destroy(ctx, id); err != nil {
		logger.Warn("store.destroy.segment_error", "error", err)
		if recErr == nil && !errors.Is(err, shm.ErrInvalidKey) {
			if putErr := s.index.Put(context.WithoutCancel(ctx), rec); putErr != nil {
				logger.Warn("store.destroy.restore_error", "error", putErr)
			}
		}
		return translate("destroy", err)
	}
	logger.Trace("store.destroy.success")
	return nil
}

// Sweep destroys every indexed session whose last access is more than
// maxLife before now. Sessions that cannot be destroyed are logged, counted
// and left for the next pass. Only a failure to read the index at all, or
// cancellation of ctx, is returned.
func (s *Store) Sweep(ctx context.Context, maxLife time.Duration) (res SweepResult, err error) {
	ctx, logger, finish := s.start(ctx, "sweep")
	defer func() {
		finish(err)
		s.metrics.recordSweep(ctx, res, err)
	}()
	if maxLife < 0 {
		return res, fmt.Errorf("memsess: sweep: max life must be >= 0")
	}
	begin := s.clock.Now()
	defer func() { res.Duration = clock.Since(s.clock, begin) }()

	for rec, scanErr := range s.index.Scan(ctx) {
		if scanErr != nil {
			if res.Examined == 0 || ctx.Err() != nil {
				return res, fmt.Errorf("memsess: sweep: %w", scanErr)
			}
			logger.Warn("store.sweep.scan_error", "examined", res.Examined, "error", scanErr)
			break
		}
		res.Examined++
		if !expired(begin, rec.LastAccess, maxLife) {
			continue
		}
		// The record may have been refreshed since its page was read.
		cur, getErr := s.index.Get(ctx, rec.Key)
		if errors.Is(getErr, accessindex.ErrNotFound) {
			continue
		}
		if getErr == nil && !expired(begin, cur.LastAccess, maxLife) {
			continue
		}
		res.Expired++
		if err := s.destroy(ctx, logger, rec.Key); err != nil {
			res.Failed++
			logger.Warn("store.sweep.destroy_error", "error", err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			continue
		}
		res.Reclaimed++
	}
	logger.Debug("store.sweep.complete",
		"max_life", maxLife,
		"examined", res.Examined,
		"expired", res.Expired,
		"reclaimed", res.Reclaimed,
		"failed", res.Failed,
	)
	return res, nil
}

// Stat reports what the index and the segment know about id without
// recording an access. It returns ErrNotFound when neither exists.
func (s *Store) Stat(ctx context.Context, id string) (info SessionInfo, err error) {
	ctx, _, finish := s.start(ctx, "stat")
	defer func() { finish(err) }()

	if err := s.validate("stat", id); err != nil {
		return SessionInfo{}, err
	}
	info.ID = id
	rec, err := s.index.Get(ctx, id)
	switch {
	case err == nil:
		info.Indexed = true
		info.LastAccess = rec.LastAccess
		info.Created = rec.Created
	case !errors.Is(err, accessindex.ErrNotFound):
		return SessionInfo{}, translate("stat", err)
	}
	seg, err := s.segments.Stat(ctx, id)
	switch {
	case err == nil:
		info.Live = true
		info.Segment = seg.Name
		info.Capacity = seg.Capacity
		info.StoredBytes = seg.Length
		info.Codec = codecName(seg.Codec)
		info.Generation = seg.Generation.String()
		info.LastWrite = seg.LastWrite
		if !info.Indexed {
			info.Created = seg.Created
		}
	case !errors.Is(err, shm.ErrNotFound):
		return SessionInfo{}, translate("stat", err)
	}
	if !info.Indexed && !info.Live {
		return SessionInfo{}, fmt.Errorf("memsess: stat: %w", ErrNotFound)
	}
	return info, nil
}

func codecName(id byte) string {
	c, err := codec.ByID(id)
	if err != nil {
		return fmt.Sprintf("unknown(%d)", id)
	}
	return c.Name()
}

// Sessions lists the access index in id order. Records are read a page at a
// time, so the listing tolerates sessions being destroyed while it runs.
func (s *Store) Sessions(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for rec, err := range s.index.Scan(ctx) {
			if err != nil {
				yield(Record{}, fmt.Errorf("memsess: sessions: %w", err))
				return
			}
			if !yield(Record{ID: rec.Key, LastAccess: rec.LastAccess, Created: rec.Created}, nil) {
				return
			}
		}
	}
}

// Now returns the current time of the store's clock, the time Sweep
// measures idleness against.
func (s *Store) Now() time.Time { return s.clock.Now() }

// Shutdown releases the access index. Segments are left in place for other
// processes.
func (s *Store) Shutdown() error {
	if err := s.index.Close(); err != nil {
		return fmt.Errorf("memsess: shutdown: %w", err)
	}
	return nil
}
