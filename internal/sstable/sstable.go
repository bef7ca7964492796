// Package sstable implements the immutable, sorted, on-disk table from
// spec.md §4.6: a data block of sorted records, a sparse index, a
// membership filter, and a checksummed trailer. It is grounded on the
// teacher's pkg/persistence/sstable.go and pkg/persistence/levels.go
// (WriteSSTableData), reworked around this repo's internal/bloom filter
// and, for the optional compressed data block, klauspost/compress/zstd —
// the compression library CVDpl-go-live-srad and the teacher's own
// pkg/compression package both reach for in this pack.
package sstable

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/andrewgoldstein/velocitydb/internal/bloom"
	"github.com/andrewgoldstein/velocitydb/internal/dberrors"
	"github.com/andrewgoldstein/velocitydb/internal/types"
)

const (
	magic          uint32 = 0x564C5353 // "VLSS"
	formatVersion  uint8  = 1
	sparseInterval        = 16 // one index entry every N records
)

// sparseEntry maps a record's key to its position in the decoded record
// slice, letting Get seek near a key without a full linear scan.
type sparseEntry struct {
	key types.Key
	idx int
}

// Writer accumulates already-sorted records and serializes them into a
// single immutable SST file.
type Writer struct {
	path     string
	compress bool
	fpRate   float64
	records  []types.Record
}

// NewWriter returns a writer that will produce the file at path, sizing its
// membership filter for the given target false-positive rate.
func NewWriter(path string, compress bool, fpRate float64) *Writer {
	return &Writer{path: path, compress: compress, fpRate: fpRate}
}

// Add appends the next record. Callers must supply records in strictly
// ascending key order (spec.md I2): the memtable's IterSorted or a merged
// compaction stream both already satisfy this.
func (w *Writer) Add(r types.Record) {
	w.records = append(w.records, r)
}

// Finish writes the table to disk and returns its file-level metadata.
func (w *Writer) Finish() (Meta, error) {
	if len(w.records) == 0 {
		return Meta{}, fmt.Errorf("sstable: refusing to write empty table")
	}

	filt := bloom.New(len(w.records), w.fpRate)
	dataBuf := make([]byte, 0, 4096)
	index := make([]sparseEntry, 0, len(w.records)/sparseInterval+1)

	minSeq, maxSeq := w.records[0].Seq, w.records[0].Seq
	for i, r := range w.records {
		filt.Add(r.Key)
		if r.Seq < minSeq {
			minSeq = r.Seq
		}
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
		if i%sparseInterval == 0 {
			index = append(index, sparseEntry{key: r.Key, idx: i})
		}
		dataBuf = appendRecord(dataBuf, r)
	}

	if w.compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return Meta{}, fmt.Errorf("sstable: init zstd encoder: %w", err)
		}
		dataBuf = enc.EncodeAll(dataBuf, nil)
		enc.Close()
	}

	headerBytes := encodeHeader(header{
		entryCount: uint32(len(w.records)),
		minKey:     w.records[0].Key,
		maxKey:     w.records[len(w.records)-1].Key,
		minSeq:     minSeq,
		maxSeq:     maxSeq,
		compressed: w.compress,
	})

	dataOffset := uint64(len(headerBytes))
	indexOffset := dataOffset + uint64(len(dataBuf))
	indexBytes := encodeIndex(index)
	bloomOffset := indexOffset + uint64(len(indexBytes))
	bloomBytes := filt.Bytes()

	body := make([]byte, 0, len(headerBytes)+len(dataBuf)+len(indexBytes)+len(bloomBytes))
	body = append(body, headerBytes...)
	body = append(body, dataBuf...)
	body = append(body, indexBytes...)
	body = append(body, bloomBytes...)

	trailerBytes := encodeTrailer(trailer{
		dataOffset:  dataOffset,
		dataLen:     uint64(len(dataBuf)),
		indexOffset: indexOffset,
		indexLen:    uint64(len(indexBytes)),
		bloomOffset: bloomOffset,
		bloomLen:    uint64(len(bloomBytes)),
		checksum:    crc32.ChecksumIEEE(body),
	})

	// The table is written under a temporary name and renamed to w.path only
	// once it is complete and fsynced.
	tmpPath := w.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return Meta{}, fmt.Errorf("sstable: create file: %w", err)
	}
	defer os.Remove(tmpPath) // fails harmlessly once the rename has happened
	defer f.Close()

	if _, err := f.Write(body); err != nil {
		return Meta{}, fmt.Errorf("sstable: write body: %w", err)
	}
	if _, err := f.Write(trailerBytes); err != nil {
		return Meta{}, fmt.Errorf("sstable: write trailer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Meta{}, fmt.Errorf("sstable: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return Meta{}, fmt.Errorf("sstable: close: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return Meta{}, fmt.Errorf("sstable: rename into place: %w", err)
	}

	return Meta{
		Path:    w.path,
		MinKey:  append([]byte(nil), w.records[0].Key...),
		MaxKey:  append([]byte(nil), w.records[len(w.records)-1].Key...),
		MinSeq:  minSeq,
		MaxSeq:  maxSeq,
		Entries: len(w.records),
	}, nil
}

// Meta is the subset of an SST's identity the manifest needs to track.
type Meta struct {
	Path       string
	MinKey     types.Key
	MaxKey     types.Key
	MinSeq     types.SeqNum
	MaxSeq     types.SeqNum
	Entries    int
	Generation int
}

// Reader holds a fully validated, decoded SST in memory: point lookups and
// range scans never touch the file again after Open returns.
type Reader struct {
	path    string
	records []types.Record
	index   []sparseEntry
	filter  *bloom.Filter
	minKey  types.Key
	maxKey  types.Key
	minSeq  types.SeqNum
	maxSeq  types.SeqNum
}

// Open reads, checksum-validates, and decodes the table at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open: %w", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("sstable: read: %w", err)
	}
	if len(raw) < trailerSize+4 {
		return nil, &dberrors.CorruptionError{Path: path, Cause: fmt.Errorf("file too small")}
	}

	tr := decodeTrailer(raw[len(raw)-trailerSize:])
	body := raw[:len(raw)-trailerSize]
	if crc32.ChecksumIEEE(body) != tr.checksum {
		return nil, &dberrors.CorruptionError{Path: path, Cause: fmt.Errorf("trailer checksum mismatch")}
	}

	hdr, _, err := decodeHeader(raw)
	if err != nil {
		return nil, &dberrors.CorruptionError{Path: path, Cause: err}
	}

	dataBuf := raw[tr.dataOffset : tr.dataOffset+tr.dataLen]
	if hdr.compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("sstable: init zstd decoder: %w", err)
		}
		defer dec.Close()
		dataBuf, err = dec.DecodeAll(dataBuf, nil)
		if err != nil {
			return nil, &dberrors.CorruptionError{Path: path, Cause: err}
		}
	}

	records, err := decodeRecords(dataBuf, int(hdr.entryCount))
	if err != nil {
		return nil, &dberrors.CorruptionError{Path: path, Cause: err}
	}

	filt, err := bloom.Decode(raw[tr.bloomOffset : tr.bloomOffset+tr.bloomLen])
	if err != nil {
		return nil, &dberrors.CorruptionError{Path: path, Cause: err}
	}

	index := decodeIndex(raw[tr.indexOffset : tr.indexOffset+tr.indexLen])

	return &Reader{
		path:    path,
		records: records,
		index:   index,
		filter:  filt,
		minKey:  hdr.minKey,
		maxKey:  hdr.maxKey,
		minSeq:  hdr.minSeq,
		maxSeq:  hdr.maxSeq,
	}, nil
}

// Path returns the backing file path.
func (r *Reader) Path() string { return r.path }

// SeqRange returns the inclusive sequence-number range covered by the
// table, used by the manifest and compactor to reason about ordering.
func (r *Reader) SeqRange() (types.SeqNum, types.SeqNum) { return r.minSeq, r.maxSeq }

// Get implements the bounds -> bloom filter -> sparse index -> forward
// scan lookup algorithm from spec.md §4.6.
func (r *Reader) Get(key types.Key) (types.Record, bool) {
	if lessBytes(key, r.minKey) || lessBytes(r.maxKey, key) {
		return types.Record{}, false
	}
	if !r.filter.MayContain(key) {
		return types.Record{}, false
	}

	start := sort.Search(len(r.index), func(i int) bool {
		return !lessBytes(r.index[i].key, key)
	})
	if start == len(r.index) || !equalBytes(r.index[start].key, key) {
		start--
	}
	if start < 0 {
		start = 0
	}
	from := r.index[start].idx

	for i := from; i < len(r.records); i++ {
		cmp := compareBytes(r.records[i].Key, key)
		if cmp == 0 {
			return r.records[i], true
		}
		if cmp > 0 {
			break
		}
	}
	return types.Record{}, false
}

// PrefixScan returns every record whose key starts with prefix, in
// ascending order.
func (r *Reader) PrefixScan(prefix types.Key) []types.Record {
	start := sort.Search(len(r.records), func(i int) bool {
		return !lessBytes(r.records[i].Key, prefix)
	})
	var out []types.Record
	for i := start; i < len(r.records); i++ {
		if !hasPrefix(r.records[i].Key, prefix) {
			break
		}
		out = append(out, r.records[i])
	}
	return out
}

// RangeScan returns every record with key in [start, end], inclusive of
// both endpoints, in ascending order. end == nil means unbounded above.
func (r *Reader) RangeScan(start, end types.Key) []types.Record {
	from := sort.Search(len(r.records), func(i int) bool {
		return !lessBytes(r.records[i].Key, start)
	})
	var out []types.Record
	for i := from; i < len(r.records); i++ {
		if end != nil && lessBytes(end, r.records[i].Key) {
			break
		}
		out = append(out, r.records[i])
	}
	return out
}

// All returns every record in the table, in ascending order, for
// compaction merges.
func (r *Reader) All() []types.Record {
	return r.records
}
