package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/andrewgoldstein/velocitydb/internal/types"
)

// header is the table's self-delimited preamble: a length prefix followed
// by the fixed fields and the variable-length min/max keys.
type header struct {
	entryCount uint32
	minKey     types.Key
	maxKey     types.Key
	minSeq     types.SeqNum
	maxSeq     types.SeqNum
	compressed bool
}

// encodeHeader returns the header's on-disk bytes, including its own
// 4-byte length prefix so decodeHeader can find the end of the header
// without knowing the key lengths in advance.
func encodeHeader(h header) []byte {
	buf := new(bytesBuf)
	buf.putU32(magic)
	buf.putU8(formatVersion)
	flags := uint8(0)
	if h.compressed {
		flags |= 1
	}
	buf.putU8(flags)
	buf.putU32(h.entryCount)
	buf.putU32(uint32(len(h.minKey)))
	buf.putU32(uint32(len(h.maxKey)))
	buf.putU64(uint64(h.minSeq))
	buf.putU64(uint64(h.maxSeq))
	buf.put(h.minKey)
	buf.put(h.maxKey)

	out := make([]byte, 4+buf.Len())
	binary.LittleEndian.PutUint32(out, uint32(buf.Len()))
	copy(out[4:], buf.Bytes())
	return out
}

// decodeHeader reads the length-prefixed header starting at the front of
// b and returns the parsed header plus the number of bytes it occupied.
func decodeHeader(b []byte) (header, int, error) {
	if len(b) < 4 {
		return header{}, 0, fmt.Errorf("sstable: short header")
	}
	total := binary.LittleEndian.Uint32(b[0:4])
	if uint32(len(b)) < 4+total {
		return header{}, 0, fmt.Errorf("sstable: truncated header")
	}
	body := b[4 : 4+total]
	r := bytesReader{buf: body}

	got := r.u32()
	if got != magic {
		return header{}, 0, fmt.Errorf("sstable: bad magic")
	}
	ver := r.u8()
	if ver != formatVersion {
		return header{}, 0, fmt.Errorf("sstable: unsupported version %d", ver)
	}
	flags := r.u8()
	entryCount := r.u32()
	minKeyLen := r.u32()
	maxKeyLen := r.u32()
	minSeq := r.u64()
	maxSeq := r.u64()
	minKey := r.take(int(minKeyLen))
	maxKey := r.take(int(maxKeyLen))
	if r.err != nil {
		return header{}, 0, r.err
	}

	return header{
		entryCount: entryCount,
		minKey:     append([]byte(nil), minKey...),
		maxKey:     append([]byte(nil), maxKey...),
		minSeq:     types.SeqNum(minSeq),
		maxSeq:     types.SeqNum(maxSeq),
		compressed: flags&1 != 0,
	}, int(4 + total), nil
}

// trailer is the fixed-size footer: block offsets/lengths plus a checksum
// covering everything written before it.
type trailer struct {
	dataOffset  uint64
	dataLen     uint64
	indexOffset uint64
	indexLen    uint64
	bloomOffset uint64
	bloomLen    uint64
	checksum    uint32
}

const trailerSize = 8*6 + 4 + 4 // six uint64 fields + checksum + trailing magic

func encodeTrailer(t trailer) []byte {
	buf := make([]byte, trailerSize)
	binary.LittleEndian.PutUint64(buf[0:8], t.dataOffset)
	binary.LittleEndian.PutUint64(buf[8:16], t.dataLen)
	binary.LittleEndian.PutUint64(buf[16:24], t.indexOffset)
	binary.LittleEndian.PutUint64(buf[24:32], t.indexLen)
	binary.LittleEndian.PutUint64(buf[32:40], t.bloomOffset)
	binary.LittleEndian.PutUint64(buf[40:48], t.bloomLen)
	binary.LittleEndian.PutUint32(buf[48:52], t.checksum)
	binary.LittleEndian.PutUint32(buf[52:56], magic)
	return buf
}

func decodeTrailer(b []byte) trailer {
	return trailer{
		dataOffset:  binary.LittleEndian.Uint64(b[0:8]),
		dataLen:     binary.LittleEndian.Uint64(b[8:16]),
		indexOffset: binary.LittleEndian.Uint64(b[16:24]),
		indexLen:    binary.LittleEndian.Uint64(b[24:32]),
		bloomOffset: binary.LittleEndian.Uint64(b[32:40]),
		bloomLen:    binary.LittleEndian.Uint64(b[40:48]),
		checksum:    binary.LittleEndian.Uint32(b[48:52]),
	}
}

// appendRecord serializes one record as
// `key_len, key, variant, [value_len, value], seq`.
func appendRecord(dst []byte, r types.Record) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(r.Key)))
	dst = append(dst, tmp[:]...)
	dst = append(dst, r.Key...)
	dst = append(dst, byte(r.Variant))
	if r.Variant == types.Live {
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(r.Value)))
		dst = append(dst, tmp[:]...)
		dst = append(dst, r.Value...)
	}
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(r.Seq))
	dst = append(dst, seqBuf[:]...)
	return dst
}

func decodeRecords(buf []byte, count int) ([]types.Record, error) {
	out := make([]types.Record, 0, count)
	r := bytesReader{buf: buf}
	for i := 0; i < count; i++ {
		keyLen := r.u32()
		key := append([]byte(nil), r.take(int(keyLen))...)
		variant := types.Variant(r.u8())
		var value types.Value
		if variant == types.Live {
			valLen := r.u32()
			value = append([]byte(nil), r.take(int(valLen))...)
		}
		seq := types.SeqNum(r.u64())
		if r.err != nil {
			return nil, r.err
		}
		out = append(out, types.Record{Key: key, Value: value, Variant: variant, Seq: seq})
	}
	return out, nil
}

func encodeIndex(entries []sparseEntry) []byte {
	var tmp [4]byte
	buf := make([]byte, 0, len(entries)*16)
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(entries)))
	buf = append(buf, tmp[:]...)
	for _, e := range entries {
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(e.key)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, e.key...)
		var idxBuf [8]byte
		binary.LittleEndian.PutUint64(idxBuf[:], uint64(e.idx))
		buf = append(buf, idxBuf[:]...)
	}
	return buf
}

func decodeIndex(b []byte) []sparseEntry {
	if len(b) < 4 {
		return nil
	}
	count := binary.LittleEndian.Uint32(b[0:4])
	r := bytesReader{buf: b[4:]}
	out := make([]sparseEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		keyLen := r.u32()
		key := append([]byte(nil), r.take(int(keyLen))...)
		idx := r.u64()
		if r.err != nil {
			break
		}
		out = append(out, sparseEntry{key: key, idx: int(idx)})
	}
	return out
}

func lessBytes(a, b []byte) bool      { return bytes.Compare(a, b) < 0 }
func equalBytes(a, b []byte) bool     { return bytes.Equal(a, b) }
func compareBytes(a, b []byte) int    { return bytes.Compare(a, b) }
func hasPrefix(b, prefix []byte) bool { return bytes.HasPrefix(b, prefix) }

// bytesBuf is a tiny growable little-endian encoder, avoiding a
// bytes.Buffer plus binary.Write's reflection overhead for a handful of
// fixed-width fields.
type bytesBuf struct {
	b []byte
}

func (w *bytesBuf) putU8(v uint8) { w.b = append(w.b, v) }
func (w *bytesBuf) putU32(v uint32) {
	var t [4]byte
	binary.LittleEndian.PutUint32(t[:], v)
	w.b = append(w.b, t[:]...)
}
func (w *bytesBuf) putU64(v uint64) {
	var t [8]byte
	binary.LittleEndian.PutUint64(t[:], v)
	w.b = append(w.b, t[:]...)
}
func (w *bytesBuf) put(v []byte)  { w.b = append(w.b, v...) }
func (w *bytesBuf) Len() int      { return len(w.b) }
func (w *bytesBuf) Bytes() []byte { return w.b }

// bytesReader is the matching little-endian decoder; the first error
// encountered sticks, so callers can chain reads and check err once.
type bytesReader struct {
	buf []byte
	pos int
	err error
}

func (r *bytesReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("sstable: unexpected end of buffer")
		return false
	}
	return true
}

func (r *bytesReader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *bytesReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *bytesReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v
}

func (r *bytesReader) take(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v
}
