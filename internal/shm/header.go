//go:build unix

package shm

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/rs/xid"
)

// HeaderSize is the number of bytes reserved in front of the payload area.
const HeaderSize = 48

const headerVersion = 1

var headerMagic = [4]byte{'M', 'S', 'S', '1'}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Layout (little-endian):
//
//	0  magic      [4]
//	4  version    u8
//	5  codec      u8
//	8  generation [12] xid
//	24 length     u64
//	32 crc32c     u32
//	40 written    i64 unix nanos
type header struct {
	codec      byte
	generation xid.ID
	length     uint64
	crc        uint32
	written    int64
}

func (h header) encode(dst []byte) {
	_ = dst[HeaderSize-1]
	clear(dst[:HeaderSize])
	copy(dst[0:4], headerMagic[:])
	dst[4] = headerVersion
	dst[5] = h.codec
	copy(dst[8:20], h.generation[:])
	binary.LittleEndian.PutUint64(dst[24:32], h.length)
	binary.LittleEndian.PutUint32(dst[32:36], h.crc)
	binary.LittleEndian.PutUint64(dst[40:48], uint64(h.written))
}

// decodeHeader reports false when src does not start with a valid header.
func decodeHeader(src []byte) (header, bool) {
	if len(src) < HeaderSize {
		return header{}, false
	}
	if [4]byte(src[0:4]) != headerMagic || src[4] != headerVersion {
		return header{}, false
	}
	var h header
	h.codec = src[5]
	copy(h.generation[:], src[8:20])
	h.length = binary.LittleEndian.Uint64(src[24:32])
	h.crc = binary.LittleEndian.Uint32(src[32:36])
	h.written = int64(binary.LittleEndian.Uint64(src[40:48]))
	return h, true
}

func (h header) writtenAt() time.Time {
	if h.written == 0 {
		return time.Time{}
	}
	return time.Unix(0, h.written).UTC()
}

func checksum(p []byte) uint32 {
	return crc32.Checksum(p, castagnoli)
}
