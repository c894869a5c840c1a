// Package shard implements one partition of the concept graph: lock-striped concept and
// edge maps, a co-located HNSW index, and a write-ahead log that every mutation reaches
// before it is applied.
package shard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/index"
	"github.com/liliang-cn/conceptdb/pkg/wal"
)

const (
	numStripes = 32

	walFile      = "wal.log"
	snapshotFile = "snapshot.bin"
	indexDir     = "index"

	// DefaultFlushThreshold is the number of WAL appends after which a snapshot is requested.
	DefaultFlushThreshold = 50000
)

// Options configures a shard.
type Options struct {
	ID  int
	Dir string

	// Dimension fixes the embedding dimension. Zero accepts the first dimension seen.
	Dimension int
	Index     index.Config

	FlushThreshold uint64
	SyncWrites     bool

	// Owns reports whether an id routes to this shard. Nil means every id does.
	Owns func(id string) bool
	// Committed reports whether a commit was decided for a transaction that recovery finds
	// prepared without a marker. Nil presumes abort for all of them.
	Committed func(txID string) bool

	Logger core.Logger
	Clock  func() time.Time
}

type inboundKey struct {
	Source string
	Type   core.AssociationType
}

type stripe struct {
	mu       sync.RWMutex
	concepts map[string]*core.Concept
	edges    map[string]map[core.EdgeKey]*core.Association // by source
	inbound  map[string]map[inboundKey]core.InboundRef     // by target
}

// Shard owns a disjoint partition of concept ids.
type Shard struct {
	id     int
	dir    string
	opts   Options
	logger core.Logger
	now    func() time.Time

	stripes [numStripes]stripe

	// commitMu is held shared by every logged mutation and exclusively while a snapshot
	// copies state, so a snapshot never sees a write that is logged but not applied.
	commitMu sync.RWMutex
	snapMu   sync.Mutex

	log         *wal.Log
	idx         *index.HNSW
	checkpoints *index.CheckpointStore

	txMu     sync.Mutex
	prepared map[string][]wal.Entry

	appendFault func(op wal.Op) error // set by tests

	snapshotSeq   atomic.Uint64
	sinceSnapshot atomic.Uint64
	lastDecay     atomic.Int64
	flushCh       chan struct{}
	closed        atomic.Bool
}

// Open loads the shard in opts.Dir: snapshot, index checkpoint (or rebuild), WAL replay,
// then resolution of transactions that prepared but have no marker.
func Open(opts Options) (*Shard, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: shard directory required", core.ErrInvalidArgument)
	}
	if opts.FlushThreshold == 0 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	if opts.Logger == nil {
		opts.Logger = core.NopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shard directory: %w", err)
	}

	s := &Shard{
		id:       opts.ID,
		dir:      opts.Dir,
		opts:     opts,
		logger:   opts.Logger.With("shard", opts.ID),
		now:      opts.Clock,
		prepared: make(map[string][]wal.Entry),
		flushCh:  make(chan struct{}, 1),
	}
	for i := range s.stripes {
		s.stripes[i] = stripe{
			concepts: make(map[string]*core.Concept),
			edges:    make(map[string]map[core.EdgeKey]*core.Association),
			inbound:  make(map[string]map[inboundKey]core.InboundRef),
		}
	}

	start := time.Now()
	if err := s.recover(); err != nil {
		s.closeResources()
		return nil, err
	}
	s.logger.Info("shard ready",
		"concepts", s.conceptCount(), "vectors", s.idx.Len(), "wal_seq", s.log.Seq(),
		"snapshot_seq", s.snapshotSeq.Load(), "took", core.Since(start))
	return s, nil
}

func (s *Shard) recover() error {
	snap, err := wal.ReadSnapshot(filepath.Join(s.dir, snapshotFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		snap = &wal.Snapshot{Shard: s.id, CreatedAt: s.now()}
	case err != nil:
		return core.WrapError("shard.recover", fmt.Errorf("shard %d snapshot: %w", s.id, err))
	default:
		if snap.Version < wal.SnapshotVersion {
			s.logger.Info("upgraded snapshot", "from_version", snap.Version, "to_version", wal.SnapshotVersion)
		}
	}
	s.loadSnapshot(snap)

	s.checkpoints, err = index.OpenCheckpointStore(filepath.Join(s.dir, indexDir), s.logger)
	if err != nil {
		return core.WrapError("shard.recover", err)
	}
	idx, err := s.checkpoints.Load(snap.Seq)
	if err != nil {
		if !errors.Is(err, index.ErrStaleCheckpoint) {
			s.logger.Warn("index checkpoint unreadable, rebuilding", "err", err)
		}
		idx = s.rebuildIndex()
	}
	s.idx = idx

	walOpts := wal.DefaultOptions()
	walOpts.SyncWrites = s.opts.SyncWrites
	walOpts.BaseSeq = snap.Seq
	walOpts.Logger = s.logger
	s.log, err = wal.Open(filepath.Join(s.dir, walFile), walOpts)
	if err != nil {
		return core.WrapError("shard.recover", err)
	}

	replayed := 0
	if err := s.log.Replay(snap.Seq, func(e wal.Entry) error {
		replayed++
		return s.replay(e)
	}); err != nil {
		return core.WrapError("shard.recover", fmt.Errorf("replay: %w", err))
	}
	s.sinceSnapshot.Store(uint64(replayed))
	s.syncIndex()

	if err := s.resolvePending(); err != nil {
		return err
	}
	if replayed > 0 {
		s.logger.Info("replayed wal", "entries", replayed)
	}
	return nil
}

func (s *Shard) loadSnapshot(snap *wal.Snapshot) {
	for i := range snap.Concepts {
		c := snap.Concepts[i]
		s.stripeFor(c.ID).concepts[c.ID] = &c
	}
	for i := range snap.Associations {
		a := snap.Associations[i]
		st := s.stripeFor(a.Source)
		putEdge(st, &a)
	}
	for _, ref := range snap.Inbound {
		putInbound(s.stripeFor(ref.Target), ref)
	}
	for _, p := range snap.Pending {
		s.prepared[p.TxID] = p.Entries
	}
	s.snapshotSeq.Store(snap.Seq)
	s.lastDecay.Store(snap.CreatedAt.UnixNano())
}

func (s *Shard) rebuildIndex() *index.HNSW {
	idx := index.NewHNSW(s.opts.Index)
	var ids []string
	vectors := make(map[string][]float32)
	s.forEachConcept(func(c *core.Concept) bool {
		if len(c.Embedding) > 0 {
			ids = append(ids, c.ID)
			vectors[c.ID] = c.Embedding
		}
		return true
	})
	sort.Strings(ids)
	for _, id := range ids {
		if err := idx.Insert(id, vectors[id]); err != nil {
			s.logger.Warn("skipping vector during index rebuild", "concept", id, "err", err)
		}
	}
	return idx
}

// syncIndex reconciles the index with the concept maps after a checkpoint load and replay.
func (s *Shard) syncIndex() {
	fixed := 0
	s.forEachConcept(func(c *core.Concept) bool {
		if len(c.Embedding) > 0 && !s.idx.Contains(c.ID) {
			if err := s.idx.Insert(c.ID, c.Embedding); err == nil {
				fixed++
			}
		}
		return true
	})
	for _, id := range s.idx.IDs() {
		c, ok := s.stripeFor(id).concepts[id]
		if !ok || len(c.Embedding) == 0 {
			_ = s.idx.Delete(id)
			fixed++
		}
	}
	if fixed > 0 {
		s.logger.Debug("index reconciled with concepts", "fixed", fixed)
	}
}

// ID returns the shard index.
func (s *Shard) ID() int {
	return s.id
}

// Dir returns the shard directory.
func (s *Shard) Dir() string {
	return s.dir
}

// FlushRequests delivers a signal whenever the flush threshold is crossed.
func (s *Shard) FlushRequests() <-chan struct{} {
	return s.flushCh
}

func (s *Shard) stripeFor(id string) *stripe {
	return &s.stripes[xxhash.Sum64String(id)%numStripes]
}

func (s *Shard) owns(id string) bool {
	return s.opts.Owns == nil || s.opts.Owns(id)
}

func (s *Shard) forEachConcept(fn func(*core.Concept) bool) {
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		for _, c := range st.concepts {
			if !fn(c) {
				st.mu.RUnlock()
				return
			}
		}
		st.mu.RUnlock()
	}
}

func (s *Shard) conceptCount() int {
	n := 0
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		n += len(st.concepts)
		st.mu.RUnlock()
	}
	return n
}

// Stats describes the shard.
func (s *Shard) Stats() core.ShardStats {
	stats := core.ShardStats{
		Shard:         s.id,
		Vectors:       s.idx.Len(),
		Tombstones:    s.idx.Tombstones(),
		PendingWrites: s.sinceSnapshot.Load(),
		WALSeq:        s.log.Seq(),
		SnapshotSeq:   s.snapshotSeq.Load(),
		Failed:        s.log.Failed() != nil,
	}
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		stats.Concepts += len(st.concepts)
		for _, edges := range st.edges {
			stats.Edges += len(edges)
		}
		st.mu.RUnlock()
	}
	return stats
}

// IndexStats returns statistics of the shard's vector index.
func (s *Shard) IndexStats() index.Stats {
	return s.idx.Stats()
}

// Close syncs the WAL and releases files. It does not snapshot.
func (s *Shard) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.closeResources()
}

func (s *Shard) closeResources() error {
	var errs []error
	if s.log != nil {
		errs = append(errs, s.log.Close())
	}
	if s.checkpoints != nil {
		errs = append(errs, s.checkpoints.Close())
	}
	return errors.Join(errs...)
}
