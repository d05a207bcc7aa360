package memsess

import (
	"pkt.systems/memsess/internal/clock"
	"pkt.systems/pslog"
)

// Option customises a Store.
type Option func(*options)

type options struct {
	logger pslog.Logger
	clock  clock.Clock
	codec  string
}

// WithLogger routes store logs to l.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock injects the time source used for access records, segment write
// stamps and sweep decisions.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithCodec overrides Config.Codec.
func WithCodec(name string) Option {
	return func(o *options) {
		o.codec = name
	}
}
