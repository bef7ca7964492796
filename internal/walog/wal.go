// Package walog implements the write-ahead log from spec.md §4.5: an
// append-only stream of self-describing, individually checksummed records
// with an adaptive fsync schedule. It is grounded on the teacher's
// pkg/wal/wal.go (buffered *os.File writer, binary.Write-based framing,
// scan-to-recover-sequence on open) but replaces the teacher's
// fsync-every-append policy with the ascending schedule spec.md prescribes,
// and replaces its "read until io.EOF, else fail" replay with the spec's
// truncate-at-first-invalid-record rule so a torn write during a crash
// drops only the record it was writing, not the whole segment.
package walog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/andrewgoldstein/velocitydb/internal/types"
)

// Mode selects the durability/latency tradeoff for Append (spec.md §4.5).
type Mode string

const (
	// ModePerRecord fsyncs after every append: zero loss window.
	ModePerRecord Mode = "per-record"
	// ModeAdaptive fsyncs on the ascending schedule {2,4,8,16,32,64,128},
	// then every 128 appends: bounded loss of at most 128 operations.
	ModeAdaptive Mode = "adaptive"
	// ModeOff disables the WAL entirely: no durability across restarts.
	ModeOff Mode = "off"
)

var adaptiveSchedule = []int{2, 4, 8, 16, 32, 64, 128}

// Record is one WAL entry. On disk it is framed as `{ len, seq,
// variant_tag, key_len, key, value_len?, value?, crc32 }`: the variant tag
// is written ahead of key_len, and value_len/value appear only for Live.
type Record struct {
	Seq     types.SeqNum
	Key     types.Key
	Value   types.Value
	Variant types.Variant
}

// WAL is a single append-only segment file associated with exactly one
// live memtable (spec.md §3).
type WAL struct {
	mu       sync.Mutex
	mode     Mode
	file     *os.File
	writer   *bufio.Writer
	path     string
	pending  int
	schedIdx int
}

// Open creates or reopens the WAL segment at dir/name.
func Open(dir, name string, mode Mode) (*WAL, error) {
	if mode == ModeOff {
		return &WAL{mode: mode}, nil
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wal segment: %w", err)
	}

	return &WAL{
		mode:   mode,
		file:   f,
		writer: bufio.NewWriter(f),
		path:   path,
	}, nil
}

// Path returns the segment's file path ("" for a memory-only WAL).
func (w *WAL) Path() string {
	if w.file == nil {
		return ""
	}
	return w.path
}

// Append durably records r under the current flush policy and returns the
// byte offset it was written at. For ModeOff this is a no-op.
func (w *WAL) Append(r Record) (int64, error) {
	if w.mode == ModeOff {
		return 0, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	offset, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("wal seek: %w", err)
	}
	// account for bytes still sitting in the bufio.Writer
	offset += int64(w.writer.Buffered())

	body := encodeBody(r)
	sum := crc32.ChecksumIEEE(body)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)+4))
	if _, err := w.writer.Write(lenBuf[:]); err != nil {
		return 0, fmt.Errorf("wal write length: %w", err)
	}
	if _, err := w.writer.Write(body); err != nil {
		return 0, fmt.Errorf("wal write body: %w", err)
	}
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], sum)
	if _, err := w.writer.Write(crcBuf[:]); err != nil {
		return 0, fmt.Errorf("wal write crc: %w", err)
	}

	if err := w.writer.Flush(); err != nil {
		return 0, fmt.Errorf("wal flush: %w", err)
	}

	w.pending++
	if w.shouldSyncLocked() {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("wal fsync: %w", err)
		}
		w.pending = 0
	}

	return offset, nil
}

// shouldSyncLocked decides whether the current append must be followed by
// an fsync, per the schedule in spec.md §4.5. Caller holds w.mu.
func (w *WAL) shouldSyncLocked() bool {
	switch w.mode {
	case ModePerRecord:
		return true
	case ModeAdaptive:
		if w.schedIdx < len(adaptiveSchedule) {
			if w.pending >= adaptiveSchedule[w.schedIdx] {
				w.schedIdx++
				return true
			}
			return false
		}
		return w.pending >= adaptiveSchedule[len(adaptiveSchedule)-1]
	default:
		return false
	}
}

// ForceSync flushes and fsyncs unconditionally: called on a sealed-memtable
// event and on normal shutdown (spec.md §4.5).
func (w *WAL) ForceSync() error {
	if w.mode == ModeOff {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal fsync: %w", err)
	}
	w.pending = 0
	w.schedIdx = 0
	return nil
}

// Close flushes, fsyncs, and closes the segment file.
func (w *WAL) Close() error {
	if w.mode == ModeOff {
		return nil
	}
	if err := w.ForceSync(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Remove deletes the segment file from disk; called once the memtable it
// backed has been durably flushed to an SST (spec.md I5).
func (w *WAL) Remove() error {
	if w.mode == ModeOff {
		return nil
	}
	return os.Remove(w.path)
}

// Replay reads the segment from offset 0, validating each record's CRC
// against its payload, and stops at the first invalid or short record: the
// tail is truncated and the remainder ignored (spec.md §4.5). It reports
// the highest sequence number observed, for recovering the engine's clock
// (spec.md I1).
func Replay(dir, name string, fn func(Record) error) (types.SeqNum, error) {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open wal for replay: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var maxSeq types.SeqNum

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			break // clean EOF or short read: stop, nothing more to recover
		}
		recLen := binary.LittleEndian.Uint32(lenBuf[:])
		if recLen < 4 || recLen > 256*1024*1024 {
			break // corrupt length: truncate here
		}

		buf := make([]byte, recLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			break // torn write: the tail record never landed fully
		}

		body := buf[:len(buf)-4]
		wantSum := binary.LittleEndian.Uint32(buf[len(buf)-4:])
		if crc32.ChecksumIEEE(body) != wantSum {
			break // checksum mismatch: torn or corrupted record
		}

		rec, err := decodeBody(body)
		if err != nil {
			break
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		if err := fn(rec); err != nil {
			return maxSeq, fmt.Errorf("wal replay callback: %w", err)
		}
	}

	return maxSeq, nil
}

func encodeBody(r Record) []byte {
	size := 8 + 1 + 4 + len(r.Key)
	if r.Variant == types.Live {
		size += 4 + len(r.Value)
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.Seq))
	off += 8
	buf[off] = byte(r.Variant)
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Key)))
	off += 4
	off += copy(buf[off:], r.Key)
	if r.Variant == types.Live {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Value)))
		off += 4
		copy(buf[off:], r.Value)
	}
	return buf
}

func decodeBody(b []byte) (Record, error) {
	if len(b) < 13 {
		return Record{}, errShortRecord
	}
	seq := types.SeqNum(binary.LittleEndian.Uint64(b[0:8]))
	variant := types.Variant(b[8])
	keyLen := binary.LittleEndian.Uint32(b[9:13])
	off := 13
	if uint32(len(b)-off) < keyLen {
		return Record{}, errShortRecord
	}
	key := append([]byte(nil), b[off:off+int(keyLen)]...)
	off += int(keyLen)

	rec := Record{Seq: seq, Key: key, Variant: variant}
	if variant == types.Live {
		if len(b)-off < 4 {
			return Record{}, errShortRecord
		}
		valLen := binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
		if uint32(len(b)-off) < valLen {
			return Record{}, errShortRecord
		}
		rec.Value = append([]byte(nil), b[off:off+int(valLen)]...)
	}
	return rec, nil
}

var errShortRecord = errors.New("walog: truncated record body")
