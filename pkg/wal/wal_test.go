package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/conceptdb/pkg/core"
)

func openTestLog(t *testing.T, path string) *Log {
	t.Helper()
	l, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	return l
}

func collect(t *testing.T, l *Log, from uint64) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, l.Replay(from, func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard-0", "wal.log")
	l := openTestLog(t, path)

	for i := 1; i <= 5; i++ {
		seq, err := l.Append(OpPutConcept, "", []byte(fmt.Sprintf("payload-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}
	require.NoError(t, l.Close())

	l = openTestLog(t, path)
	defer l.Close()
	assert.Equal(t, uint64(5), l.Seq())

	entries := collect(t, l, 0)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, OpPutConcept, e.Op)
		assert.Equal(t, fmt.Sprintf("payload-%d", i+1), string(e.Payload))
	}

	assert.Len(t, collect(t, l, 3), 2)

	seq, err := l.Append(OpTxCommit, "tx-1", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
}

func TestTornTailIsDiscarded(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(t *testing.T, path string, goodSize int64)
	}{
		{
			name: "partial header",
			mangle: func(t *testing.T, path string, _ int64) {
				appendBytes(t, path, []byte{'C', 'W', 'A'})
			},
		},
		{
			name: "partial payload",
			mangle: func(t *testing.T, path string, _ int64) {
				data, err := encodeRecord(Entry{Seq: 4, Op: OpPutEdge, Payload: []byte("never finished")})
				require.NoError(t, err)
				appendBytes(t, path, data[:len(data)-5])
			},
		},
		{
			name: "checksum mismatch",
			mangle: func(t *testing.T, path string, _ int64) {
				data, err := encodeRecord(Entry{Seq: 4, Op: OpPutEdge, Payload: []byte("bit rot")})
				require.NoError(t, err)
				data[len(data)-1] ^= 0xff
				appendBytes(t, path, data)
			},
		},
		{
			name: "garbage",
			mangle: func(t *testing.T, path string, _ int64) {
				appendBytes(t, path, []byte("this is not a record at all"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "wal.log")
			l := openTestLog(t, path)
			for i := 0; i < 3; i++ {
				_, err := l.Append(OpPutConcept, "", []byte{byte(i)})
				require.NoError(t, err)
			}
			goodSize := l.Stats().Bytes
			require.NoError(t, l.Close())

			tt.mangle(t, path, goodSize)

			l = openTestLog(t, path)
			defer l.Close()

			entries := collect(t, l, 0)
			require.Len(t, entries, 3)
			assert.Equal(t, uint64(3), l.Seq())
			assert.Positive(t, l.Stats().Truncated)

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, goodSize, info.Size())

			// The log keeps working after recovery and the next entry follows the last good one.
			seq, err := l.Append(OpPutConcept, "", []byte("after"))
			require.NoError(t, err)
			assert.Equal(t, uint64(4), seq)
			assert.Len(t, collect(t, l, 0), 4)
		})
	}
}

func TestResetKeepsNewerEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l := openTestLog(t, path)
	defer l.Close()

	for i := 0; i < 6; i++ {
		_, err := l.Append(OpPutConcept, "", []byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, l.Reset(4))

	entries := collect(t, l, 0)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(5), entries[0].Seq)
	assert.Equal(t, uint64(6), entries[1].Seq)

	seq, err := l.Append(OpPutConcept, "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)
}

func TestBaseSeqAfterFullReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l := openTestLog(t, path)
	for i := 0; i < 3; i++ {
		_, err := l.Append(OpPutConcept, "", nil)
		require.NoError(t, err)
	}
	require.NoError(t, l.Reset(3))
	require.NoError(t, l.Close())

	opts := DefaultOptions()
	opts.BaseSeq = 3
	l, err := Open(path, opts)
	require.NoError(t, err)
	defer l.Close()

	assert.Empty(t, collect(t, l, 0))
	seq, err := l.Append(OpPutConcept, "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestAppendAfterClose(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "wal.log"))
	require.NoError(t, l.Close())

	_, err := l.Append(OpPutConcept, "", nil)
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.Equal(t, core.KindInternal, core.KindOf(err))
}

func TestReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l := openTestLog(t, path)
	_, err := l.Append(OpPutConcept, "tx", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	entries, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tx", entries[0].TxID)
}

func encodeRecord(e Entry) ([]byte, error) {
	data, err := marshalEntry(&e)
	if err != nil {
		return nil, err
	}
	return frame(data), nil
}

func appendBytes(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}
