// Package correlation carries a caller-supplied request id through a
// context so the log lines and spans of one request can be matched up.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// MaxIDLength caps accepted ids.
const MaxIDLength = 128

type contextKey struct{}

// With returns a child of ctx carrying id. Ids rejected by Normalize are
// dropped and ctx is returned unchanged.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the id carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx unchanged when it already carries an id and otherwise
// attaches a fresh one.
func Ensure(ctx context.Context) context.Context {
	if ID(ctx) != "" {
		return ctx
	}
	return With(ctx, New())
}

// New generates a time-ordered (UUIDv7) id.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Normalize trims id and accepts it when it is non-empty, at most
// MaxIDLength bytes and printable ASCII.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return "", false
		}
	}
	return id, true
}
