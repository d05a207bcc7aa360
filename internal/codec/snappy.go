package codec

import "github.com/golang/snappy"

type snappyCodec struct{}

func (snappyCodec) ID() byte     { return IDSnappy }
func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(payload []byte) ([]byte, error) {
	return snappy.Encode(nil, payload), nil
}

func (c snappyCodec) Decompress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, ErrNoData
	}
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, corrupt(c.Name(), err)
	}
	return out, nil
}
