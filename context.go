package memsess

import (
	"context"

	"pkt.systems/memsess/internal/correlation"
)

// WithCorrelationID returns a child of ctx carrying id. Store operations run
// with that context log it as "cid" and tag their span with it. Empty ids,
// ids longer than 128 bytes and ids with non-printable characters are ignored.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return correlation.With(ctx, id)
}

// CorrelationID returns the id attached by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	return correlation.ID(ctx)
}
