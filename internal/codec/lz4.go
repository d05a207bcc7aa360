package codec

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

type lz4Codec struct{}

func (lz4Codec) ID() byte     { return IDLZ4 }
func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, err
	}
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c lz4Codec) Decompress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, ErrNoData
	}
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	if err != nil {
		return nil, corrupt(c.Name(), err)
	}
	return out, nil
}
