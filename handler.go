package memsess

import (
	"context"
	"errors"
	"time"
)

// Handler is the lifecycle contract a request framework drives: Open once
// per request, any number of Read and Write calls, then Close. GC runs on
// its own schedule. Results are deliberately coarse: Read returns an empty
// payload for a miss and for an unreadable payload alike, and Close,
// Destroy and GC report success even when the work failed. Failures are
// logged.
type Handler interface {
	Open(ctx context.Context, id string) bool
	Close(ctx context.Context, id string) bool
	Read(ctx context.Context, id string) []byte
	Write(ctx context.Context, id string, data []byte) bool
	Destroy(ctx context.Context, id string) bool
	GC(ctx context.Context, maxLife time.Duration) bool
}

// Handler adapts the store to the Handler contract. One Handler serves all
// sessions, which is why Close takes the id.
func (s *Store) Handler() Handler {
	return handler{store: s}
}

type handler struct {
	store *Store
}

func (h handler) Open(ctx context.Context, id string) bool {
	return h.store.Open(ctx, id) == nil
}

func (h handler) Close(ctx context.Context, id string) bool {
	if err := h.store.Close(ctx, id); err != nil {
		h.store.logger.Debug("handler.close.error", "error", err)
	}
	return true
}

func (h handler) Read(ctx context.Context, id string) []byte {
	payload, err := h.store.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.store.logger.Debug("handler.read.discarded", "error", err)
		}
		return []byte{}
	}
	if payload == nil {
		return []byte{}
	}
	return payload
}

func (h handler) Write(ctx context.Context, id string, data []byte) bool {
	return h.store.Save(ctx, id, data) == nil
}

func (h handler) Destroy(ctx context.Context, id string) bool {
	if err := h.store.Destroy(ctx, id); err != nil {
		h.store.logger.Warn("handler.destroy.error", "error", err)
	}
	return true
}

func (h handler) GC(ctx context.Context, maxLife time.Duration) bool {
	if _, err := h.store.Sweep(ctx, maxLife); err != nil {
		h.store.logger.Warn("handler.gc.error", "max_life", maxLife, "error", err)
	}
	return true
}
