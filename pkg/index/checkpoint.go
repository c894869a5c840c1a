package index

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/dgraph-io/badger/v4"

	"github.com/liliang-cn/conceptdb/internal/encoding"
	"github.com/liliang-cn/conceptdb/pkg/core"
)

// ErrStaleCheckpoint is returned by Load when no checkpoint matches the requested sequence.
var ErrStaleCheckpoint = errors.New("index checkpoint missing or stale")

var (
	metaKey    = []byte("m/meta")
	nodePrefix = []byte("n/")
)

func nodeKey(id string) []byte {
	return append(append([]byte{}, nodePrefix...), id...)
}

// checkpointMeta is written after the nodes it describes.
type checkpointMeta struct {
	Seq        uint64 `cbor:"seq"`
	Config     Config `cbor:"config"`
	EntryPoint string `cbor:"entry_point"`
	Dimension  int    `cbor:"dimension"`
	Nodes      int    `cbor:"nodes"`
	Tombstones int    `cbor:"tombstones"`
}

// CheckpointStore persists an HNSW graph in a Badger database so that a shard restart can
// skip rebuilding the index. A checkpoint is tagged with the snapshot sequence it matches.
type CheckpointStore struct {
	db     *badger.DB
	logger core.Logger
}

// OpenCheckpointStore opens (or creates) the checkpoint database in dir.
func OpenCheckpointStore(dir string, logger core.Logger) (*CheckpointStore, error) {
	if logger == nil {
		logger = core.NopLogger()
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithSyncWrites(true).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(32 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index checkpoint store: %w", err)
	}
	return &CheckpointStore{db: db, logger: logger}, nil
}

// Save replaces the stored checkpoint with the current state of h, tagged with seq.
func (s *CheckpointStore) Save(h *HNSW, seq uint64) error {
	h.mu.RLock()
	meta := checkpointMeta{
		Seq:        seq,
		Config:     h.cfg,
		EntryPoint: h.entryPoint,
		Dimension:  h.dim,
		Nodes:      len(h.nodes),
		Tombstones: h.tombstones,
	}
	encoded := make(map[string][]byte, len(h.nodes))
	for id, node := range h.nodes {
		data, err := encoding.Marshal(node)
		if err != nil {
			h.mu.RUnlock()
			return fmt.Errorf("encode index node %s: %w", id, err)
		}
		encoded[id] = data
	}
	h.mu.RUnlock()

	// Meta is dropped first and written last; a checkpoint without meta is never loaded.
	if err := s.db.DropPrefix(metaKey); err != nil {
		return fmt.Errorf("invalidate index checkpoint: %w", err)
	}
	if err := s.db.DropPrefix(nodePrefix); err != nil {
		return fmt.Errorf("clear index checkpoint: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for id, data := range encoded {
		if err := wb.Set(nodeKey(id), data); err != nil {
			return fmt.Errorf("write index node %s: %w", id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush index checkpoint: %w", err)
	}

	metaData, err := encoding.Marshal(meta)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey, metaData)
	}); err != nil {
		return fmt.Errorf("write index checkpoint meta: %w", err)
	}

	s.logger.Debug("index checkpoint saved", "seq", seq, "nodes", meta.Nodes)
	return nil
}

// Load restores the checkpoint tagged with seq. Any other state yields ErrStaleCheckpoint.
func (s *CheckpointStore) Load(seq uint64) (*HNSW, error) {
	var meta checkpointMeta
	nodes := make(map[string]*Node)

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrStaleCheckpoint
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return encoding.Unmarshal(val, &meta)
		}); err != nil {
			return fmt.Errorf("decode index checkpoint meta: %w", err)
		}
		if meta.Seq != seq {
			return ErrStaleCheckpoint
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = nodePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(nodePrefix); it.Next() {
			var node Node
			if err := it.Item().Value(func(val []byte) error {
				return encoding.Unmarshal(val, &node)
			}); err != nil {
				return fmt.Errorf("decode index node: %w", err)
			}
			nodes[node.ID] = &node
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(nodes) != meta.Nodes {
		return nil, fmt.Errorf("%w: expected %d nodes, found %d", ErrStaleCheckpoint, meta.Nodes, len(nodes))
	}
	if meta.EntryPoint != "" {
		if _, ok := nodes[meta.EntryPoint]; !ok {
			return nil, fmt.Errorf("%w: entry point %s missing", ErrStaleCheckpoint, meta.EntryPoint)
		}
	}

	h := NewHNSW(meta.Config)
	h.nodes = nodes
	h.entryPoint = meta.EntryPoint
	h.dim = meta.Dimension
	h.tombstones = meta.Tombstones
	// Reseed so levels assigned after a restart differ from those assigned before it.
	h.rng = rand.New(rand.NewSource(meta.Config.Seed + int64(seq)))
	return h, nil
}

// Close closes the underlying database.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}
