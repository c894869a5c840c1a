package core

import (
	"cmp"
	"slices"
	"time"
)

// SearchResult is one hit of a vector or text search.
type SearchResult struct {
	ConceptID string  `cbor:"concept_id" json:"concept_id"`
	Score     float64 `cbor:"score" json:"score"`
}

// SortResults orders results by descending score, ties by id.
func SortResults(rs []SearchResult) {
	slices.SortFunc(rs, func(a, b SearchResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ConceptID, b.ConceptID)
	})
}

// MergeTopK merges per-shard result lists into one top-k list.
func MergeTopK(k int, lists ...[]SearchResult) []SearchResult {
	var all []SearchResult
	seen := make(map[string]struct{})
	for _, l := range lists {
		for _, r := range l {
			if _, ok := seen[r.ConceptID]; ok {
				continue
			}
			seen[r.ConceptID] = struct{}{}
			all = append(all, r)
		}
	}
	SortResults(all)
	if k >= 0 && len(all) > k {
		all = all[:k]
	}
	return all
}

// Neighbor is an outgoing association resolved against its target concept.
type Neighbor struct {
	ConceptID  string          `cbor:"concept_id" json:"concept_id"`
	Content    string          `cbor:"content" json:"content"`
	Type       AssociationType `cbor:"assoc_type" json:"assoc_type"`
	Confidence float64         `cbor:"confidence" json:"confidence"`
	Weight     float64         `cbor:"weight" json:"weight"`
}

// RecentItem is one row of ListRecent.
type RecentItem struct {
	ID             string    `cbor:"id" json:"id"`
	ContentPreview string    `cbor:"content_preview" json:"content_preview"`
	CreatedAt      time.Time `cbor:"created_at" json:"created_at"`
}

// ShardStats describes a single shard.
type ShardStats struct {
	Shard         int    `json:"shard"`
	Concepts      int    `json:"concepts"`
	Edges         int    `json:"edges"`
	Vectors       int    `json:"vectors"`
	Tombstones    int    `json:"tombstones"`
	PendingWrites uint64 `json:"pending_writes"`
	WALSeq        uint64 `json:"wal_seq"`
	SnapshotSeq   uint64 `json:"snapshot_seq"`
	Failed        bool   `json:"failed"`
}

// Stats aggregates engine-wide statistics.
type Stats struct {
	ConceptCount       int           `json:"concept_count"`
	EdgeCount          int           `json:"edge_count"`
	VectorCount        int           `json:"vector_count"`
	PendingWrites      uint64        `json:"pending_writes"`
	ActiveTransactions int           `json:"active_transactions"`
	Uptime             time.Duration `json:"uptime"`
	Shards             []ShardStats  `json:"shards"`
}
