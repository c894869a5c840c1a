package router

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/conceptdb/pkg/core"
)

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = core.ConceptID(fmt.Sprintf("concept-%d", i))
	}
	return out
}

func TestShardForDeterministic(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)
	again, err := New(8)
	require.NoError(t, err)

	for _, id := range ids(500) {
		first := r.ShardFor(id)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
		for i := 0; i < 3; i++ {
			assert.Equal(t, first, r.ShardFor(id))
		}
		assert.Equal(t, first, again.ShardFor(id), "separately built rings must agree")
	}
}

func TestShardForDistribution(t *testing.T) {
	const shards, n = 4, 20000
	r, err := New(shards)
	require.NoError(t, err)

	counts := r.Distribution(ids(n))
	expected := n / shards
	for s, c := range counts {
		// 64 virtual nodes keeps every shard within 35% of the mean.
		assert.InDelta(t, expected, c, float64(expected)*0.35, "shard %d got %d", s, c)
	}
}

func TestSingleShard(t *testing.T) {
	r, err := New(1)
	require.NoError(t, err)
	for _, id := range ids(50) {
		assert.Equal(t, 0, r.ShardFor(id))
	}
}

func TestNewRejectsNonPositive(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestRehashPlanMovesMinority(t *testing.T) {
	all := ids(5000)
	plan, err := RehashPlan(4, 5, all)
	require.NoError(t, err)

	// Consistent hashing should move roughly 1/5 of the keys, far below modulo's ~80%.
	assert.Less(t, len(plan), len(all)/2)
	assert.NotEmpty(t, plan)

	after, err := New(5)
	require.NoError(t, err)
	for _, m := range plan {
		assert.NotEqual(t, m.From, m.To)
		assert.Equal(t, m.To, after.ShardFor(m.ID))
	}
}

func TestRehashPlanSameCountIsEmpty(t *testing.T) {
	plan, err := RehashPlan(3, 3, ids(1000))
	require.NoError(t, err)
	assert.Empty(t, plan)
}
