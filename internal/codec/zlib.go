package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// zlibCodec produces a zlib stream at the fastest level; it runs on every
// session write.
type zlibCodec struct {
	level int
}

func newZlib() zlibCodec {
	return zlibCodec{level: zlib.BestSpeed}
}

func (zlibCodec) ID() byte     { return IDZlib }
func (zlibCodec) Name() string { return "zlib" }

func (c zlibCodec) Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c zlibCodec) Decompress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, ErrNoData
	}
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, corrupt(c.Name(), err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, corrupt(c.Name(), err)
	}
	return out, nil
}
