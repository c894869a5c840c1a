package shard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/txn"
	"github.com/liliang-cn/conceptdb/pkg/wal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openShard(t *testing.T, dir string, clock *fakeClock, mutate ...func(*Options)) *Shard {
	t.Helper()
	opts := Options{ID: 0, Dir: dir, SyncWrites: true, Clock: clock.Now}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := Open(opts)
	require.NoError(t, err)
	return s
}

func concept(content string, vec ...float32) *core.Concept {
	return &core.Concept{ID: core.ConceptID(content), Content: content, Embedding: vec, Strength: 1, Confidence: 1}
}

func TestPutAndGetConcept(t *testing.T) {
	s := openShard(t, t.TempDir(), newClock())
	defer s.Close()

	stored, created, err := s.PutConcept(concept("the cat sat", 1, 0, 0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, core.DefaultNamespace, stored.Namespace)
	assert.Equal(t, core.MinStrength, stored.Strength)

	got, err := s.GetConcept(stored.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "the cat sat", got.Content)
	assert.Equal(t, uint64(0), got.AccessCount)

	_, err = s.GetConcept(core.ConceptID("missing"), false)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRelearnUpserts(t *testing.T) {
	clock := newClock()
	s := openShard(t, t.TempDir(), clock)
	defer s.Close()

	first, _, err := s.PutConcept(concept("alpha", 1, 0))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	again := concept("alpha")
	again.Attributes = map[string]string{"lang": "en"}
	second, created, err := s.PutConcept(again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, []float32{1, 0}, second.Embedding, "embedding kept when none is given")
	assert.Greater(t, second.Strength, first.Strength)
	assert.Equal(t, "en", second.Attributes["lang"])
	assert.Equal(t, 1, s.Stats().Concepts)
}

func TestStrengthCappedAtMax(t *testing.T) {
	s := openShard(t, t.TempDir(), newClock())
	defer s.Close()

	c, _, err := s.PutConcept(concept("boosted"))
	require.NoError(t, err)

	prev := c.Strength
	for i := 0; i < 200; i++ {
		got, err := s.GetConcept(c.ID, true)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got.Strength, prev)
		assert.LessOrEqual(t, got.Strength, core.MaxStrength)
		prev = got.Strength
	}
	assert.Equal(t, core.MaxStrength, prev)
}

func TestDimensionMismatch(t *testing.T) {
	s := openShard(t, t.TempDir(), newClock())
	defer s.Close()

	_, _, err := s.PutConcept(concept("a", 1, 2, 3))
	require.NoError(t, err)
	_, _, err = s.PutConcept(concept("b", 1, 2))
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	_, err = s.Search([]float32{1, 2}, 3, 0)
	assert.Equal(t, core.KindInvalidArgument, core.KindOf(err))
}

func TestLocalEdgesAndCascade(t *testing.T) {
	s := openShard(t, t.TempDir(), newClock())
	defer s.Close()

	a, _, err := s.PutConcept(concept("alpha"))
	require.NoError(t, err)
	b, _, err := s.PutConcept(concept("beta"))
	require.NoError(t, err)

	_, err = s.PutEdge(core.Association{Source: a.ID, Target: b.ID, Type: core.AssocCausal, Confidence: 0.7})
	require.NoError(t, err)

	edges := s.Edges(a.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, b.ID, edges[0].Target)
	assert.Equal(t, core.DefaultEdgeWeight, edges[0].Weight)
	assert.Equal(t, []core.InboundRef{{Source: a.ID, Target: b.ID, Type: core.AssocCausal}}, s.Inbound(b.ID))

	traversed, err := s.Traverse(a.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, traversed[0].Confidence, 1e-9)
	assert.InDelta(t, core.DefaultEdgeWeight+core.WeightBoost, traversed[0].Weight, 1e-9)

	removed, err := s.DeleteConcept(b.ID)
	require.NoError(t, err)
	require.Len(t, removed.Inbound, 1)
	assert.Equal(t, a.ID, removed.Inbound[0].Source)
	assert.Empty(t, s.Inbound(b.ID))

	_, err = s.PutEdge(core.Association{Source: a.ID, Target: b.ID, Confidence: 0.5})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	s := openShard(t, dir, clock)

	a, _, err := s.PutConcept(concept("alpha", 1, 0))
	require.NoError(t, err)
	b, _, err := s.PutConcept(concept("beta", 0, 1))
	require.NoError(t, err)
	_, err = s.PutEdge(core.Association{Source: a.ID, Target: b.ID, Confidence: 0.9})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openShard(t, dir, clock)
	defer s.Close()

	stats := s.Stats()
	assert.Equal(t, 2, stats.Concepts)
	assert.Equal(t, 1, stats.Edges)
	assert.Equal(t, 2, stats.Vectors)
	assert.Equal(t, uint64(4), stats.WALSeq)

	results, err := s.Search([]float32{1, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, a.ID, results[0].ConceptID)
}

func TestRecoveryDiscardsTornTail(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	s := openShard(t, dir, clock)
	for _, c := range []string{"one", "two", "three"} {
		_, _, err := s.PutConcept(concept(c))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, walFile), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{'C', 'W', 'A', 'L', 0, 0, 0, 64, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openShard(t, dir, clock)
	defer s.Close()
	assert.Equal(t, 3, s.Stats().Concepts)
	assert.Equal(t, uint64(3), s.Stats().WALSeq)

	_, _, err = s.PutConcept(concept("four"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), s.Stats().WALSeq)
}

func TestSnapshotTruncatesWALAndReloads(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	s := openShard(t, dir, clock)

	a, _, err := s.PutConcept(concept("alpha", 1, 0))
	require.NoError(t, err)
	b, _, err := s.PutConcept(concept("beta", 0, 1))
	require.NoError(t, err)

	seq, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, uint64(0), s.Stats().PendingWrites)

	_, err = s.PutEdge(core.Association{Source: a.ID, Target: b.ID, Confidence: 0.4})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	entries, err := wal.ReadAll(filepath.Join(dir, walFile))
	require.NoError(t, err)
	for _, e := range entries {
		assert.Greater(t, e.Seq, seq)
	}

	s = openShard(t, dir, clock)
	defer s.Close()
	stats := s.Stats()
	assert.Equal(t, 2, stats.Concepts)
	assert.Equal(t, 1, stats.Edges)
	assert.Equal(t, seq, stats.SnapshotSeq)
	assert.Equal(t, 2, s.IndexStats().ActiveNodes)
}

func TestDecayThenPrune(t *testing.T) {
	clock := newClock()
	s := openShard(t, t.TempDir(), clock)
	defer s.Close()

	weak := concept("fading memory")
	weak.Strength = 1.6
	w, _, err := s.PutConcept(weak)
	require.NoError(t, err)

	strong := concept("vivid memory")
	strong.Strength = 9
	_, _, err = s.PutConcept(strong)
	require.NoError(t, err)

	cfg := PruneConfig{MinStrength: 1.5, MinConfidence: 0.1, Inactivity: 7 * 24 * time.Hour}

	res, err := s.Prune(clock.Now(), cfg)
	require.NoError(t, err)
	assert.Empty(t, res.Concepts, "nothing is prunable before decay")

	clock.Advance(30 * 24 * time.Hour)
	s.Decay(clock.Now(), core.DailyDecay)

	got, err := s.GetConcept(w.ID, false)
	require.NoError(t, err)
	assert.Less(t, got.Strength, 1.5)
	assert.GreaterOrEqual(t, got.Strength, core.MinStrength)

	res, err = s.Prune(clock.Now(), cfg)
	require.NoError(t, err)
	require.Len(t, res.Concepts, 1)
	assert.Equal(t, w.ID, res.Concepts[0].Concept.ID)
	assert.Equal(t, 1, s.Stats().Concepts)
}

func TestPruneWeakAndDanglingEdges(t *testing.T) {
	clock := newClock()
	s := openShard(t, t.TempDir(), clock)
	defer s.Close()

	a, _, _ := s.PutConcept(concept("alpha"))
	b, _, _ := s.PutConcept(concept("beta"))
	c, _, _ := s.PutConcept(concept("gamma"))
	_, err := s.PutEdge(core.Association{Source: a.ID, Target: b.ID, Confidence: 0.05})
	require.NoError(t, err)
	_, err = s.PutEdge(core.Association{Source: a.ID, Target: c.ID, Confidence: 0.9})
	require.NoError(t, err)
	_, err = s.PutEdge(core.Association{Source: c.ID, Target: b.ID, Confidence: 0.9})
	require.NoError(t, err)

	// Removing a target leaves its same-shard incoming edges dangling.
	_, err = s.DeleteConcept(c.ID)
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)
	res, err := s.Prune(clock.Now(), PruneConfig{MinStrength: 0, MinConfidence: 0.1, Inactivity: 7 * 24 * time.Hour})
	require.NoError(t, err)
	require.Len(t, res.Associations, 1)
	assert.Equal(t, b.ID, res.Associations[0].Target)
	// a->gamma, plus beta's reference from the deleted gamma.
	assert.Equal(t, 2, res.Dangling)
	assert.Empty(t, s.Edges(a.ID))
	assert.Empty(t, s.Inbound(b.ID))
}

func TestTextSearch(t *testing.T) {
	s := openShard(t, t.TempDir(), newClock())
	defer s.Close()

	for _, c := range []string{"the quick brown fox", "a quick fox", "slow turtle"} {
		_, _, err := s.PutConcept(concept(c))
		require.NoError(t, err)
	}
	results := s.TextSearch("Quick FOX!", 5)
	require.Len(t, results, 2)
	assert.Equal(t, core.ConceptID("a quick fox"), results[0].ConceptID)
	assert.Greater(t, results[0].Score, results[1].Score)

	assert.Empty(t, s.TextSearch("", 5))
	assert.Len(t, s.TextSearch("quick", 1), 1)
}

func TestListRecent(t *testing.T) {
	clock := newClock()
	s := openShard(t, t.TempDir(), clock)
	defer s.Close()

	for _, content := range []string{"first", "second", "third"} {
		c := concept(content)
		if content == "second" {
			c.Namespace = "notes"
		}
		_, _, err := s.PutConcept(c)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	items := s.ListRecent("", 2, 100)
	require.Len(t, items, 2)
	assert.Equal(t, "third", items[0].ContentPreview)
	assert.Equal(t, "second", items[1].ContentPreview)

	notes := s.ListRecent("notes", 10, 100)
	require.Len(t, notes, 1)
	assert.Equal(t, core.ConceptID("second"), notes[0].ID)
}

// twoShards opens a pair of shards that split ids by explicit ownership.
func twoShards(t *testing.T, clock *fakeClock, src, dst *core.Concept) (*Shard, *Shard, string, string) {
	t.Helper()
	dirA, dirB := t.TempDir(), t.TempDir()
	ownsA := func(id string) bool { return id == src.ID }
	ownsB := func(id string) bool { return id == dst.ID }

	a := openShard(t, dirA, clock, func(o *Options) { o.ID = 0; o.Owns = ownsA })
	b := openShard(t, dirB, clock, func(o *Options) { o.ID = 1; o.Owns = ownsB })
	_, _, err := a.PutConcept(src)
	require.NoError(t, err)
	_, _, err = b.PutConcept(dst)
	require.NoError(t, err)
	return a, b, dirA, dirB
}

func crossOp(src, dst string) txn.Operation {
	return txn.Operation{
		Kind:        txn.OpCreateAssociation,
		Association: core.Association{Source: src, Target: dst, Type: core.AssocSemantic, Confidence: 0.8},
		SourceShard: 0,
		TargetShard: 1,
	}
}

func TestParticipantCommit(t *testing.T) {
	clock := newClock()
	src, dst := concept("alpha"), concept("beta")
	a, b, _, _ := twoShards(t, clock, src, dst)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	op := crossOp(src.ID, dst.ID)
	require.NoError(t, a.Prepare(ctx, "tx-1", op))
	require.NoError(t, b.Prepare(ctx, "tx-1", op))
	assert.Equal(t, []string{"tx-1"}, a.Pending())

	require.NoError(t, a.Commit(ctx, "tx-1"))
	require.NoError(t, b.Commit(ctx, "tx-1"))
	assert.Empty(t, a.Pending())
	assert.Len(t, a.Edges(src.ID), 1)
	assert.Len(t, b.Inbound(dst.ID), 1)

	err := a.Commit(ctx, "tx-1")
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestParticipantCompensate(t *testing.T) {
	clock := newClock()
	src, dst := concept("alpha"), concept("beta")
	a, b, _, _ := twoShards(t, clock, src, dst)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	op := crossOp(src.ID, dst.ID)
	require.NoError(t, a.Prepare(ctx, "tx-1", op))
	require.NoError(t, b.Prepare(ctx, "tx-1", op))

	require.NoError(t, a.Compensate(ctx, "tx-1", op))
	require.NoError(t, b.Compensate(ctx, "tx-1", op))
	assert.Empty(t, a.Edges(src.ID))
	assert.Empty(t, b.Inbound(dst.ID))

	// Compensating twice or for an unknown transaction is a no-op.
	require.NoError(t, a.Compensate(ctx, "tx-1", op))
	require.NoError(t, a.Compensate(ctx, "tx-unknown", op))
}

func TestCompensateRestoresReplacedEdge(t *testing.T) {
	clock := newClock()
	src, dst := concept("alpha"), concept("beta")
	a, b, _, _ := twoShards(t, clock, src, dst)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	op := crossOp(src.ID, dst.ID)
	require.NoError(t, a.Prepare(ctx, "tx-1", op))
	require.NoError(t, a.Commit(ctx, "tx-1"))

	op2 := op
	op2.Association.Confidence = 0.2
	require.NoError(t, a.Prepare(ctx, "tx-2", op2))
	require.NoError(t, a.Compensate(ctx, "tx-2", op2))

	edges := a.Edges(src.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, 0.8, edges[0].Confidence)
}

func TestPrepareRejectsMissingEndpoint(t *testing.T) {
	clock := newClock()
	src, dst := concept("alpha"), concept("beta")
	a, b, _, _ := twoShards(t, clock, src, dst)
	defer a.Close()
	defer b.Close()

	op := crossOp(src.ID, core.ConceptID("nobody"))
	assert.ErrorIs(t, b.Prepare(context.Background(), "tx-1", op), core.ErrNotFound)
	assert.Empty(t, b.Pending())

	op = crossOp(src.ID, dst.ID)
	op.SourceShard, op.TargetShard = 5, 6
	assert.ErrorIs(t, a.Prepare(context.Background(), "tx-2", op), core.ErrInvalidParticipant)
}

func TestPresumedAbortOnRecovery(t *testing.T) {
	clock := newClock()
	src, dst := concept("alpha"), concept("beta")
	a, b, dirA, _ := twoShards(t, clock, src, dst)
	defer b.Close()

	require.NoError(t, a.Prepare(context.Background(), "tx-crash", crossOp(src.ID, dst.ID)))
	require.Len(t, a.Edges(src.ID), 1)
	require.NoError(t, a.Close())

	a = openShard(t, dirA, clock, func(o *Options) { o.Owns = func(id string) bool { return id == src.ID } })
	defer a.Close()
	assert.Empty(t, a.Edges(src.ID), "a prepared write without a commit marker is undone")
	assert.Empty(t, a.Pending())
}

func TestRecoveryCompletesDecidedCommit(t *testing.T) {
	clock := newClock()
	src, dst := concept("alpha"), concept("beta")
	a, b, dirA, _ := twoShards(t, clock, src, dst)
	defer b.Close()

	ctx := context.Background()
	decided := crossOp(src.ID, dst.ID)
	undecided := crossOp(src.ID, dst.ID)
	undecided.Association.Type = core.AssocCausal
	require.NoError(t, a.Prepare(ctx, "tx-decided", decided))
	require.NoError(t, a.Prepare(ctx, "tx-undecided", undecided))
	require.Len(t, a.Edges(src.ID), 2)
	require.NoError(t, a.Close())

	a = openShard(t, dirA, clock, func(o *Options) {
		o.Owns = func(id string) bool { return id == src.ID }
		o.Committed = func(txID string) bool { return txID == "tx-decided" }
	})
	defer a.Close()
	edges := a.Edges(src.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, core.AssocSemantic, edges[0].Type)
	assert.Empty(t, a.Pending())
}

func TestCommitMarkerFailureKeepsTransactionPending(t *testing.T) {
	clock := newClock()
	src, dst := concept("alpha"), concept("beta")
	a, b, _, _ := twoShards(t, clock, src, dst)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.Prepare(ctx, "tx-1", crossOp(src.ID, dst.ID)))

	a.appendFault = func(op wal.Op) error {
		if op == wal.OpTxCommit {
			return errors.New("fsync failed")
		}
		return nil
	}
	require.Error(t, a.Commit(ctx, "tx-1"))
	assert.Equal(t, []string{"tx-1"}, a.Pending(), "a failed marker can be retried")

	a.appendFault = nil
	require.NoError(t, a.Commit(ctx, "tx-1"))
	assert.Empty(t, a.Pending())
	assert.Len(t, a.Edges(src.ID), 1)
}

func TestPutEdgeRollsBackWhenInboundFails(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	s := openShard(t, dir, clock)

	a, _, err := s.PutConcept(concept("alpha"))
	require.NoError(t, err)
	b, _, err := s.PutConcept(concept("beta"))
	require.NoError(t, err)

	s.appendFault = func(op wal.Op) error {
		if op == wal.OpPutInbound {
			return errors.New("disk full")
		}
		return nil
	}
	_, err = s.PutEdge(core.Association{Source: a.ID, Target: b.ID, Type: core.AssocCausal, Confidence: 0.7})
	require.Error(t, err)
	assert.Empty(t, s.Edges(a.ID))
	assert.Empty(t, s.Inbound(b.ID))

	s.appendFault = nil
	require.NoError(t, s.Close())
	s = openShard(t, dir, clock)
	defer s.Close()
	assert.Empty(t, s.Edges(a.ID), "the rollback is logged")
	assert.Empty(t, s.Inbound(b.ID))
}

func TestPendingSurvivesSnapshot(t *testing.T) {
	clock := newClock()
	src, dst := concept("alpha"), concept("beta")
	a, b, dirA, _ := twoShards(t, clock, src, dst)
	defer b.Close()

	require.NoError(t, a.Prepare(context.Background(), "tx-1", crossOp(src.ID, dst.ID)))
	_, err := a.Snapshot()
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a = openShard(t, dirA, clock, func(o *Options) { o.Owns = func(id string) bool { return id == src.ID } })
	defer a.Close()
	assert.Empty(t, a.Edges(src.ID))
	assert.Empty(t, a.Pending())
}

func TestClosedShardRejectsWrites(t *testing.T) {
	s := openShard(t, t.TempDir(), newClock())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err := s.PutConcept(concept("late"))
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = s.Snapshot()
	assert.Error(t, err)
}
