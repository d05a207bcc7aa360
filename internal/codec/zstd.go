package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdCodec shares one encoder and one decoder; EncodeAll and DecodeAll are
// safe for concurrent use.
type zstdCodec struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (*zstdCodec) ID() byte     { return IDZstd }
func (*zstdCodec) Name() string { return "zstd" }

func (c *zstdCodec) init() error {
	c.once.Do(func() {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithZeroFrames(true),
		)
		if err != nil {
			c.err = err
			return
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			c.err = err
			return
		}
		c.enc, c.dec = enc, dec
	})
	return c.err
}

func (c *zstdCodec) Compress(payload []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(payload, nil), nil
}

func (c *zstdCodec) Decompress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, ErrNoData
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, corrupt(c.Name(), err)
	}
	return out, nil
}
