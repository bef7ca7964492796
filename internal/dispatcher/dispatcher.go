// Package dispatcher decodes the fixed command grammar from spec.md §4.3
// off a COMMAND payload, drives the engine, and encodes the result back
// into a RESPONSE or ERROR payload per §6's wire shapes. It is grounded on
// the teacher's pkg/store/store.go call surface (Put/Get/Delete/Scan) with
// the wire encode/decode step added for the binary protocol this module
// fronts it with.
package dispatcher

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/andrewgoldstein/velocitydb/internal/dberrors"
	"github.com/andrewgoldstein/velocitydb/internal/engine"
	"github.com/andrewgoldstein/velocitydb/internal/types"
)

// MaxScan bounds SCAN_PREFIX and SCAN_RANGE limits (spec.md §4.3).
const MaxScan = 10000

// DefaultScanLimit is used when a scan request omits an explicit limit.
const DefaultScanLimit = 10000

// Op enumerates the fixed command grammar.
type Op uint8

const (
	OpGet Op = iota + 1
	OpPut
	OpDel
	OpScanPrefix
	OpScanRange
	OpStats
	OpPing
)

// Wire error codes from spec.md §6.
const (
	CodeSuccess           uint16 = 0x0000
	CodeInvalidCredential uint16 = 0x0001
	CodeRateLimited       uint16 = 0x0002
	CodeInvalidCommand    uint16 = 0x0003
	CodeKeyNotFound       uint16 = 0x0004
	CodeStorageError      uint16 = 0x0005
	CodeProtocolError     uint16 = 0x0006
	CodeServerOverloaded  uint16 = 0x0007
)

// Command is a decoded COMMAND payload: `{ op_u8, arg1, arg2, opt_limit_u32 }`.
type Command struct {
	Op    Op
	Arg1  []byte
	Arg2  []byte
	Limit uint32
}

// Row is one key/value pair inside a RESPONSE payload.
type Row struct {
	Key   []byte
	Value []byte
}

// Result is the outcome of Dispatch, before wire encoding.
type Result struct {
	Status uint16
	Rows   []Row
}

// DecodeCommand parses a COMMAND payload: `op_u8, arg1_len_u32, arg1,
// arg2_len_u32, arg2, opt_limit_u32`.
func DecodeCommand(payload []byte) (Command, error) {
	if len(payload) < 1 {
		return Command{}, &dberrors.InvalidCommand{Reason: "empty command payload"}
	}
	r := reader{buf: payload}
	op := Op(r.byte())
	arg1 := r.lenPrefixed32()
	arg2 := r.lenPrefixed32()
	limit := r.uint32()
	if r.err != nil {
		return Command{}, &dberrors.InvalidCommand{Reason: r.err.Error()}
	}
	return Command{Op: op, Arg1: arg1, Arg2: arg2, Limit: limit}, nil
}

// EncodeCommand is the inverse of DecodeCommand, used by clients such as
// cmd/velocity-bench.
func EncodeCommand(c Command) []byte {
	w := writer{}
	w.byte(byte(c.Op))
	w.lenPrefixed32(c.Arg1)
	w.lenPrefixed32(c.Arg2)
	w.uint32(c.Limit)
	return w.buf
}

// EncodeResponse builds a RESPONSE payload: `status_u16, row_count_u32,
// rows[row_count]` where each row is `k_len_u32, k, v_len_u32, v`.
func EncodeResponse(res Result) []byte {
	w := writer{}
	w.uint16(res.Status)
	w.uint32(uint32(len(res.Rows)))
	for _, row := range res.Rows {
		w.lenPrefixed32(row.Key)
		w.lenPrefixed32(row.Value)
	}
	return w.buf
}

// EncodeError builds an ERROR payload: `code_u16, msg_len_u16, msg_utf8`.
func EncodeError(code uint16, msg string) []byte {
	w := writer{}
	w.uint16(code)
	w.uint16LenPrefixed([]byte(msg))
	return w.buf
}

// Dispatch runs a decoded Command against eng and returns the RESPONSE (or
// synthesized KEY_NOT_FOUND / error) result.
func Dispatch(eng *engine.Engine, cmd Command) (Result, error) {
	switch cmd.Op {
	case OpGet:
		if len(cmd.Arg1) == 0 {
			return Result{}, &dberrors.InvalidCommand{Reason: "GET requires a key"}
		}
		val, ok, err := eng.Get(cmd.Arg1)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{Status: CodeKeyNotFound}, nil
		}
		return Result{Status: CodeSuccess, Rows: []Row{{Key: cmd.Arg1, Value: val}}}, nil

	case OpPut:
		if len(cmd.Arg1) == 0 {
			return Result{}, &dberrors.InvalidCommand{Reason: "PUT requires a key"}
		}
		if err := eng.Put(cmd.Arg1, cmd.Arg2); err != nil {
			return Result{}, err
		}
		return Result{Status: CodeSuccess}, nil

	case OpDel:
		if len(cmd.Arg1) == 0 {
			return Result{}, &dberrors.InvalidCommand{Reason: "DEL requires a key"}
		}
		if err := eng.Delete(cmd.Arg1); err != nil {
			return Result{}, err
		}
		return Result{Status: CodeSuccess}, nil

	case OpScanPrefix:
		limit, err := scanLimit(cmd.Limit)
		if err != nil {
			return Result{}, err
		}
		recs, err := eng.ScanPrefix(cmd.Arg1, limit)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: CodeSuccess, Rows: recordsToRows(recs)}, nil

	case OpScanRange:
		limit, err := scanLimit(cmd.Limit)
		if err != nil {
			return Result{}, err
		}
		recs, err := eng.ScanRange(cmd.Arg1, cmd.Arg2, limit)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: CodeSuccess, Rows: recordsToRows(recs)}, nil

	case OpStats:
		st := eng.Stats()
		return Result{Status: CodeSuccess, Rows: statsToRows(st)}, nil

	case OpPing:
		return Result{Status: CodeSuccess}, nil

	default:
		return Result{}, &dberrors.InvalidCommand{Reason: fmt.Sprintf("unknown opcode %d", cmd.Op)}
	}
}

func scanLimit(requested uint32) (int, error) {
	if requested == 0 {
		return DefaultScanLimit, nil
	}
	if requested > MaxScan {
		return 0, &dberrors.InvalidCommand{Reason: "limit exceeds MAX_SCAN"}
	}
	return int(requested), nil
}

func recordsToRows(recs []types.Record) []Row {
	rows := make([]Row, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, Row{Key: r.Key, Value: r.Value})
	}
	return rows
}

func statsToRows(st engine.Stats) []Row {
	kv := func(k string, v int64) Row {
		return Row{Key: []byte(k), Value: []byte(strconv.FormatInt(v, 10))}
	}
	rows := []Row{
		kv("active_memtable_bytes", st.ActiveMemtableBytes),
		kv("sealed_memtables", int64(st.SealedMemtables)),
		kv("live_tables", int64(st.LiveTables)),
		kv("next_seq", int64(st.NextSeq)),
		kv("cache_entries", int64(st.CacheEntries)),
	}
	for name, count := range st.OpCounters {
		rows = append(rows, kv("op."+name, count))
	}
	if st.OpCounters != nil {
		rows = append(rows,
			Row{Key: []byte("get_p50_us"), Value: []byte(strconv.FormatFloat(st.LatencyP50Micros, 'f', 1, 64))},
			Row{Key: []byte("get_p99_us"), Value: []byte(strconv.FormatFloat(st.LatencyP99Micros, 'f', 1, 64))},
		)
	}
	return rows
}

// ErrorCode maps an error returned by Dispatch (or the connection layer) to
// a wire error code, by type switch rather than string matching (spec.md
// §7).
func ErrorCode(err error) uint16 {
	switch err.(type) {
	case *dberrors.AuthError:
		return CodeInvalidCredential
	case *dberrors.RateLimited:
		return CodeRateLimited
	case *dberrors.InvalidCommand:
		return CodeInvalidCommand
	case *dberrors.ProtocolError:
		return CodeProtocolError
	case *dberrors.DurabilityError:
		return CodeStorageError
	case *dberrors.CorruptionError:
		return CodeStorageError
	case *dberrors.Overloaded:
		return CodeServerOverloaded
	default:
		if err == dberrors.ErrKeyNotFound {
			return CodeKeyNotFound
		}
		return CodeStorageError
	}
}

// reader walks a byte slice front to back, recording the first error seen
// so callers can check it once at the end instead of after every field.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("dispatcher: short command payload")
		return false
	}
	return true
}

func (r *reader) byte() byte {
	if !r.need(1) {
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *reader) uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) lenPrefixed32() []byte {
	n := r.uint32()
	if !r.need(int(n)) {
		return nil
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}

// writer accumulates the little-endian fields of a wire payload.
type writer struct {
	buf []byte
}

func (w *writer) byte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) uint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) uint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) lenPrefixed32(b []byte) {
	w.uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) uint16LenPrefixed(b []byte) {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(b)))
	w.buf = append(w.buf, l[:]...)
	w.buf = append(w.buf, b...)
}

// ParseSQL recognizes a small textual surface over six of the seven
// operations spec.md §4.3 defines (every Op except OpStats), matching original_source/src/sql.rs's "kv" virtual
// table: SELECT/INSERT/UPDATE/DELETE against `key`/`value` columns. It is
// never a general SQL engine — anything outside these shapes is rejected.
func ParseSQL(sql string) (Command, error) {
	fields := tokenize(sql)
	if len(fields) == 0 {
		return Command{}, &dberrors.InvalidCommand{Reason: "empty SQL statement"}
	}

	switch strings.ToUpper(fields[0]) {
	case "SELECT":
		return parseSelect(fields)
	case "INSERT":
		return parseInsert(fields)
	case "UPDATE":
		return parseUpdate(fields)
	case "DELETE":
		return parseDelete(fields)
	case "PING":
		return Command{Op: OpPing}, nil
	default:
		return Command{}, &dberrors.InvalidCommand{Reason: "unsupported SQL statement"}
	}
}

// tokenize splits on whitespace while keeping single- or double-quoted
// string literals intact, which is all the fixed grammar needs.
func tokenize(sql string) []string {
	var out []string
	var cur strings.Builder
	var quote byte
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			flush()
			quote = c
		case c == ' ' || c == '\t' || c == '\n' || c == ',' || c == '(' || c == ')' || c == ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// expectKV verifies the statement targets the single virtual "kv" table
// this surface exposes.
func expectKV(table string) error {
	if strings.EqualFold(table, "kv") {
		return nil
	}
	return &dberrors.InvalidCommand{Reason: "only the kv table is supported"}
}

func parseSelect(fields []string) (Command, error) {
	// SELECT * FROM kv [WHERE key = 'x' | key LIKE 'prefix%' | key >= 'lo' AND key < 'hi']
	fromIdx := indexOfUpper(fields, "FROM")
	if fromIdx < 0 || fromIdx+1 >= len(fields) {
		return Command{}, &dberrors.InvalidCommand{Reason: "SELECT requires FROM"}
	}
	if err := expectKV(fields[fromIdx+1]); err != nil {
		return Command{}, err
	}

	whereIdx := indexOfUpper(fields, "WHERE")
	if whereIdx < 0 {
		return Command{}, &dberrors.InvalidCommand{Reason: "SELECT requires a WHERE clause over key"}
	}
	clause := fields[whereIdx+1:]
	if len(clause) < 3 || !strings.EqualFold(clause[0], "key") {
		return Command{}, &dberrors.InvalidCommand{Reason: "WHERE clause must filter on key"}
	}

	switch strings.ToUpper(clause[1]) {
	case "=":
		return Command{Op: OpGet, Arg1: []byte(clause[2])}, nil
	case "LIKE":
		pattern := clause[2]
		if !strings.HasSuffix(pattern, "%") {
			return Command{}, &dberrors.InvalidCommand{Reason: "LIKE pattern must end in %"}
		}
		return Command{Op: OpScanPrefix, Arg1: []byte(strings.TrimSuffix(pattern, "%"))}, nil
	case ">=":
		if len(clause) >= 6 && strings.EqualFold(clause[3], "AND") && strings.EqualFold(clause[4], "key") && clause[5] == "<" {
			return Command{Op: OpScanRange, Arg1: []byte(clause[2]), Arg2: []byte(clause[len(clause)-1])}, nil
		}
		return Command{Op: OpScanPrefix, Arg1: []byte(clause[2])}, nil
	default:
		return Command{}, &dberrors.InvalidCommand{Reason: "unsupported WHERE operator"}
	}
}

func parseInsert(fields []string) (Command, error) {
	// INSERT INTO kv VALUES 'key' 'value'
	intoIdx := indexOfUpper(fields, "INTO")
	if intoIdx < 0 || intoIdx+1 >= len(fields) {
		return Command{}, &dberrors.InvalidCommand{Reason: "INSERT requires INTO"}
	}
	if err := expectKV(fields[intoIdx+1]); err != nil {
		return Command{}, err
	}
	valuesIdx := indexOfUpper(fields, "VALUES")
	if valuesIdx < 0 || len(fields)-valuesIdx-1 != 2 {
		return Command{}, &dberrors.InvalidCommand{Reason: "INSERT requires exactly 2 values (key, value)"}
	}
	return Command{Op: OpPut, Arg1: []byte(fields[valuesIdx+1]), Arg2: []byte(fields[valuesIdx+2])}, nil
}

func parseUpdate(fields []string) (Command, error) {
	// UPDATE kv SET value = 'v' WHERE key = 'k'
	if len(fields) < 2 {
		return Command{}, &dberrors.InvalidCommand{Reason: "malformed UPDATE"}
	}
	if err := expectKV(fields[1]); err != nil {
		return Command{}, err
	}
	setIdx := indexOfUpper(fields, "SET")
	whereIdx := indexOfUpper(fields, "WHERE")
	if setIdx < 0 || whereIdx < 0 || setIdx+3 >= len(fields) {
		return Command{}, &dberrors.InvalidCommand{Reason: "UPDATE requires SET value = ... WHERE key = ..."}
	}
	if !strings.EqualFold(fields[setIdx+1], "value") || fields[setIdx+2] != "=" {
		return Command{}, &dberrors.InvalidCommand{Reason: "UPDATE can only set the value column"}
	}
	newValue := fields[setIdx+3]

	clause := fields[whereIdx+1:]
	if len(clause) < 3 || !strings.EqualFold(clause[0], "key") || clause[1] != "=" {
		return Command{}, &dberrors.InvalidCommand{Reason: "UPDATE requires WHERE key = ..."}
	}
	return Command{Op: OpPut, Arg1: []byte(clause[2]), Arg2: []byte(newValue)}, nil
}

func parseDelete(fields []string) (Command, error) {
	// DELETE FROM kv WHERE key = 'k'
	fromIdx := indexOfUpper(fields, "FROM")
	if fromIdx < 0 || fromIdx+1 >= len(fields) {
		return Command{}, &dberrors.InvalidCommand{Reason: "DELETE requires FROM"}
	}
	if err := expectKV(fields[fromIdx+1]); err != nil {
		return Command{}, err
	}
	whereIdx := indexOfUpper(fields, "WHERE")
	if whereIdx < 0 {
		return Command{}, &dberrors.InvalidCommand{Reason: "DELETE requires a WHERE clause over key"}
	}
	clause := fields[whereIdx+1:]
	if len(clause) < 3 || !strings.EqualFold(clause[0], "key") || clause[1] != "=" {
		return Command{}, &dberrors.InvalidCommand{Reason: "DELETE requires WHERE key = ..."}
	}
	return Command{Op: OpDel, Arg1: []byte(clause[2])}, nil
}

func indexOfUpper(fields []string, target string) int {
	for i, f := range fields {
		if strings.EqualFold(f, target) {
			return i
		}
	}
	return -1
}
