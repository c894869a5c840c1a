// Package wal implements the per-shard write-ahead log and the versioned snapshot format.
//
// Record layout (all integers big-endian):
//
//	[4 bytes: magic "CWAL"]
//	[4 bytes: payload length]
//	[4 bytes: CRC32-C of payload]
//	[N bytes: CBOR-encoded Entry]
//
// A record is valid only if all three header fields check out. Open scans the file and
// truncates it at the first invalid record, so a write torn by a crash is discarded whole.
package wal

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
	"time"

	"github.com/liliang-cn/conceptdb/internal/encoding"
	"github.com/liliang-cn/conceptdb/pkg/core"
)

const (
	headerSize = 12

	// DefaultMaxRecordSize bounds a single record; larger lengths are treated as corruption.
	DefaultMaxRecordSize = 16 << 20
)

var walMagic = [4]byte{'C', 'W', 'A', 'L'}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// Errors returned by the log.
var (
	ErrCorruptRecord  = errors.New("wal: corrupt record")
	ErrRecordTooLarge = errors.New("wal: record too large")
)

// Op is the mutation type recorded by an entry.
type Op uint8

const (
	OpPutConcept Op = iota + 1
	OpDeleteConcept
	OpPutEdge
	OpDeleteEdge
	OpPutInbound
	OpDeleteInbound
	OpTxCommit
	OpTxAbort
	OpTxEnd
)

var opNames = map[Op]string{
	OpPutConcept:    "put_concept",
	OpDeleteConcept: "delete_concept",
	OpPutEdge:       "put_edge",
	OpDeleteEdge:    "delete_edge",
	OpPutInbound:    "put_inbound",
	OpDeleteInbound: "delete_inbound",
	OpTxCommit:      "tx_commit",
	OpTxAbort:       "tx_abort",
	OpTxEnd:         "tx_end",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Entry is one log record.
type Entry struct {
	Seq       uint64    `cbor:"seq"`
	Op        Op        `cbor:"op"`
	TxID      string    `cbor:"tx,omitempty"`
	Payload   []byte    `cbor:"payload,omitempty"`
	Timestamp time.Time `cbor:"ts"`
}

// Options configures a Log.
type Options struct {
	// SyncWrites fsyncs after every append. Defaults to true through DefaultOptions.
	SyncWrites bool
	// BaseSeq is the sequence already covered by a snapshot; new entries start above it.
	BaseSeq uint64
	// MaxRecordSize bounds a record payload.
	MaxRecordSize int
	Logger        core.Logger
}

// DefaultOptions returns options with fsync on every append.
func DefaultOptions() Options {
	return Options{SyncWrites: true, MaxRecordSize: DefaultMaxRecordSize}
}

// Stats describes the log.
type Stats struct {
	Seq          uint64 `json:"seq"`
	Entries      int    `json:"entries"`
	Bytes        int64  `json:"bytes"`
	TotalAppends uint64 `json:"total_appends"`
	TotalSyncs   uint64 `json:"total_syncs"`
	Truncated    int64  `json:"truncated_bytes"` // torn tail dropped by Open
	Failed       bool   `json:"failed"`
}

// Log is an append-only, fsynced write-ahead log. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	path   string
	opts   Options
	logger core.Logger

	file    *os.File
	size    int64
	seq     uint64
	entries int

	totalAppends uint64
	totalSyncs   uint64
	truncated    int64

	failed error
	closed bool
}

// Open opens or creates the log at path, discarding any torn or corrupt tail.
func Open(path string, opts Options) (*Log, error) {
	if opts.MaxRecordSize <= 0 {
		opts.MaxRecordSize = DefaultMaxRecordSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open file: %w", err)
	}

	l := &Log{
		path:   path,
		opts:   opts,
		logger: logger.With("wal", filepath.Base(filepath.Dir(path))),
		file:   file,
		seq:    opts.BaseSeq,
	}

	good, lastSeq, count, scanErr := scan(file, opts.MaxRecordSize, nil)
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat: %w", err)
	}
	if good < info.Size() {
		l.truncated = info.Size() - good
		l.logger.Warn("discarding torn wal tail",
			"offset", good, "bytes", l.truncated, "last_seq", lastSeq, "cause", scanErr)
		if err := file.Truncate(good); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: sync after truncate: %w", err)
		}
	}
	if _, err := file.Seek(good, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: seek: %w", err)
	}

	l.size = good
	l.entries = count
	if lastSeq > l.seq {
		l.seq = lastSeq
	}
	return l, nil
}

// scan reads records from the start of r until EOF or the first invalid record. It returns
// the offset just past the last good record. fn, when non-nil, receives each good entry.
func scan(r io.ReadSeeker, maxRecord int, fn func(Entry) error) (good int64, lastSeq uint64, count int, err error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, 0, 0, err
	}
	br := bufio.NewReaderSize(r, 64*1024)
	header := make([]byte, headerSize)

	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if errors.Is(err, io.EOF) {
				return good, lastSeq, count, nil
			}
			return good, lastSeq, count, fmt.Errorf("%w: short header: %v", ErrCorruptRecord, err)
		}
		if [4]byte(header[0:4]) != walMagic {
			return good, lastSeq, count, fmt.Errorf("%w: bad magic at offset %d", ErrCorruptRecord, good)
		}
		length := binary.BigEndian.Uint32(header[4:8])
		if int64(length) > int64(maxRecord) {
			return good, lastSeq, count, fmt.Errorf("%w: length %d at offset %d", ErrRecordTooLarge, length, good)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			return good, lastSeq, count, fmt.Errorf("%w: short payload at offset %d", ErrCorruptRecord, good)
		}
		if checksum(payload) != binary.BigEndian.Uint32(header[8:12]) {
			return good, lastSeq, count, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorruptRecord, good)
		}

		var entry Entry
		if err := encoding.Unmarshal(payload, &entry); err != nil {
			return good, lastSeq, count, fmt.Errorf("%w: decode at offset %d: %v", ErrCorruptRecord, good, err)
		}
		if entry.Seq <= lastSeq && count > 0 {
			return good, lastSeq, count, fmt.Errorf("%w: sequence %d after %d", ErrCorruptRecord, entry.Seq, lastSeq)
		}
		if fn != nil {
			if err := fn(entry); err != nil {
				return good, lastSeq, count, err
			}
		}

		good += int64(headerSize) + int64(length)
		lastSeq = entry.Seq
		count++
	}
}

func marshalEntry(e *Entry) ([]byte, error) {
	return encoding.Marshal(e)
}

func frame(payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	copy(buf[0:4], walMagic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[8:12], checksum(payload))
	copy(buf[headerSize:], payload)
	return buf
}

// Append writes one entry and, with SyncWrites, fsyncs it before returning its sequence.
// A write or sync failure puts the log into a failed state; every later append fails.
func (l *Log) Append(op Op, txID string, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, core.ErrClosed
	}
	if l.failed != nil {
		return 0, &core.Error{Op: "wal.append", Kind: core.KindInternal, Err: l.failed}
	}

	entry := Entry{
		Seq:       l.seq + 1,
		Op:        op,
		TxID:      txID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	data, err := marshalEntry(&entry)
	if err != nil {
		return 0, core.Errorf(core.KindInternal, "wal.append", "encode entry: %v", err)
	}
	if len(data) > l.opts.MaxRecordSize {
		return 0, core.Errorf(core.KindInvalidArgument, "wal.append", "%v: %d bytes", ErrRecordTooLarge, len(data))
	}

	record := frame(data)
	if _, err := l.file.Write(record); err != nil {
		return 0, l.fail("write", err)
	}
	if l.opts.SyncWrites {
		if err := l.file.Sync(); err != nil {
			return 0, l.fail("sync", err)
		}
		l.totalSyncs++
	}

	l.seq = entry.Seq
	l.size += int64(len(record))
	l.entries++
	l.totalAppends++
	return entry.Seq, nil
}

// fail marks the log unusable and rolls the file back to the last good record.
func (l *Log) fail(stage string, err error) error {
	l.failed = fmt.Errorf("wal %s failed: %w", stage, err)
	l.logger.Error("wal failure, refusing further writes", "stage", stage, "err", err)
	if terr := l.file.Truncate(l.size); terr == nil {
		_, _ = l.file.Seek(l.size, io.SeekStart)
	}
	return &core.Error{Op: "wal.append", Kind: core.KindInternal, Err: l.failed}
}

// Replay calls fn for every entry with Seq > fromSeq, in order.
func (l *Log) Replay(fromSeq uint64, fn func(Entry) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return core.ErrClosed
	}
	reader := io.NewSectionReader(l.file, 0, l.size)
	_, _, _, err := scan(reader, l.opts.MaxRecordSize, func(e Entry) error {
		if e.Seq <= fromSeq {
			return nil
		}
		return fn(e)
	})
	return err
}

// Reset drops every entry with Seq <= seq, after a snapshot covering them is durable.
func (l *Log) Reset(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return core.ErrClosed
	}

	var kept [][]byte
	var keptSize int64
	reader := io.NewSectionReader(l.file, 0, l.size)
	_, _, _, err := scan(reader, l.opts.MaxRecordSize, func(e Entry) error {
		if e.Seq <= seq {
			return nil
		}
		data, err := marshalEntry(&e)
		if err != nil {
			return err
		}
		rec := frame(data)
		kept = append(kept, rec)
		keptSize += int64(len(rec))
		return nil
	})
	if err != nil {
		return fmt.Errorf("wal: read for reset: %w", err)
	}

	tmpPath := l.path + ".reset.tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("wal: create temp log: %w", err)
	}
	for _, rec := range kept {
		if _, err := tmp.Write(rec); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("wal: write temp log: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: sync temp log: %w", err)
	}
	tmp.Close()

	if err := l.file.Close(); err != nil {
		l.logger.Warn("closing wal before reset", "err", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return l.reopen(fmt.Errorf("wal: rename reset log: %w", err))
	}
	if err := syncDir(filepath.Dir(l.path)); err != nil {
		l.logger.Warn("syncing wal directory", "err", err)
	}
	if err := l.reopen(nil); err != nil {
		return err
	}

	l.size = keptSize
	l.entries = len(kept)
	if seq > l.seq {
		l.seq = seq
	}
	return nil
}

func (l *Log) reopen(cause error) error {
	file, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		l.failed = fmt.Errorf("wal reopen failed: %w", err)
		return &core.Error{Op: "wal.reset", Kind: core.KindInternal, Err: l.failed}
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		l.failed = fmt.Errorf("wal reopen stat failed: %w", err)
		return &core.Error{Op: "wal.reset", Kind: core.KindInternal, Err: l.failed}
	}
	if _, err := file.Seek(info.Size(), io.SeekStart); err != nil {
		file.Close()
		l.failed = fmt.Errorf("wal reopen seek failed: %w", err)
		return &core.Error{Op: "wal.reset", Kind: core.KindInternal, Err: l.failed}
	}
	l.file = file
	l.size = info.Size()
	return cause
}

// Sync flushes the file to stable storage. Only needed when SyncWrites is off.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.ErrClosed
	}
	if err := l.file.Sync(); err != nil {
		return l.fail("sync", err)
	}
	l.totalSyncs++
	return nil
}

// Seq returns the sequence of the last appended entry.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Failed returns the error that put the log into its failed state, if any.
func (l *Log) Failed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// Stats returns a snapshot of log counters.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Seq:          l.seq,
		Entries:      l.entries,
		Bytes:        l.size,
		TotalAppends: l.totalAppends,
		TotalSyncs:   l.totalSyncs,
		Truncated:    l.truncated,
		Failed:       l.failed != nil,
	}
}

// Close syncs and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.failed == nil {
		if err := l.file.Sync(); err != nil {
			l.file.Close()
			return fmt.Errorf("wal: sync on close: %w", err)
		}
	}
	return l.file.Close()
}

// ReadAll returns every valid entry in the log file at path without opening it for writing.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	_, _, _, err = scan(f, DefaultMaxRecordSize, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
