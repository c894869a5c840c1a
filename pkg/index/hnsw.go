// Package index provides the per-shard approximate nearest-neighbor index.
package index

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"sync"

	"github.com/liliang-cn/conceptdb/pkg/core"
)

// maxLevel caps the layer assigned to a node.
const maxLevel = 16

// Config holds HNSW construction and search parameters.
type Config struct {
	M              int         `cbor:"m"`               // Max number of bi-directional links per node
	EfConstruction int         `cbor:"ef_construction"` // Size of dynamic candidate list during insert
	EfSearch       int         `cbor:"ef_search"`       // Default candidate list size during search
	Metric         core.Metric `cbor:"metric"`
	Seed           int64       `cbor:"seed"`
}

// DefaultConfig returns M=16, efConstruction=200, efSearch=50 over cosine similarity.
func DefaultConfig() Config {
	return Config{
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		Metric:         core.MetricCosine,
		Seed:           42,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.M < 2 {
		c.M = d.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = d.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = d.EfSearch
	}
	return c
}

// Node is a vertex of the HNSW graph.
type Node struct {
	ID        string     `cbor:"id"`
	Vector    []float32  `cbor:"vector"`
	Level     int        `cbor:"level"`
	Neighbors [][]string `cbor:"neighbors"` // Neighbors at each level
	Deleted   bool       `cbor:"deleted,omitempty"`
}

// HNSW implements a Hierarchical Navigable Small World index.
//
// Deleted nodes are tombstoned: they stay in the graph for traversal and are filtered from
// results until Compact rebuilds the graph from live nodes.
type HNSW struct {
	cfg  Config
	maxM int     // Max number of links for layer 0
	ml   float64 // Level assignment normalization
	sim  core.SimilarityFunc

	mu         sync.RWMutex
	nodes      map[string]*Node
	entryPoint string
	dim        int
	tombstones int
	rng        *rand.Rand
}

// NewHNSW creates an empty index.
func NewHNSW(cfg Config) *HNSW {
	cfg = cfg.withDefaults()
	return &HNSW{
		cfg:   cfg,
		maxM:  cfg.M * 2,
		ml:    1.0 / math.Log(float64(cfg.M)),
		sim:   cfg.Metric.Similarity(),
		nodes: make(map[string]*Node),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Config returns the parameters the index was built with.
func (h *HNSW) Config() Config {
	return h.cfg
}

// Dimension returns the vector dimension, or 0 before the first insert.
func (h *HNSW) Dimension() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dim
}

// distance turns the metric's similarity into a smaller-is-closer value.
func (h *HNSW) distance(query []float32, node *Node) float64 {
	return -h.sim(query, node.Vector)
}

func (h *HNSW) selectLevel() int {
	level := int(math.Floor(-math.Log(1-h.rng.Float64()) * h.ml))
	if level > maxLevel {
		level = maxLevel
	}
	return level
}

// Insert adds vector under id. An existing id is updated in place and un-tombstoned.
func (h *HNSW) Insert(id string, vector []float32) error {
	if err := core.ValidateVector(vector); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dim != 0 && len(vector) != h.dim {
		return fmt.Errorf("%w: index holds %d-dimensional vectors, got %d", core.ErrDimensionMismatch, h.dim, len(vector))
	}
	h.insertLocked(id, slices.Clone(vector))
	return nil
}

func (h *HNSW) insertLocked(id string, vector []float32) {
	if h.dim == 0 {
		h.dim = len(vector)
	}

	if node, ok := h.nodes[id]; ok {
		if node.Deleted {
			node.Deleted = false
			h.tombstones--
		}
		if slices.Equal(node.Vector, vector) {
			return
		}
		node.Vector = vector
		h.link(node)
		return
	}

	level := h.selectLevel()
	node := &Node{
		ID:        id,
		Vector:    vector,
		Level:     level,
		Neighbors: make([][]string, level+1),
	}
	h.nodes[id] = node

	// If this is the first node, set as entry point
	if h.entryPoint == "" {
		h.entryPoint = id
		return
	}

	h.link(node)
	if level > h.nodes[h.entryPoint].Level {
		h.entryPoint = id
	}
}

// link (re)computes node's neighbor lists and adds the reverse links.
func (h *HNSW) link(node *Node) {
	entry := h.nodes[h.entryPoint]
	currNearest := []string{h.entryPoint}

	for lc := entry.Level; lc > node.Level; lc-- {
		currNearest = h.searchLayerClosest(node.Vector, currNearest, 1, lc)
	}

	top := min(node.Level, entry.Level)
	for lc := top; lc >= 0; lc-- {
		maxConn := h.maxConnections(lc)

		candidates := h.searchLayer(node.Vector, currNearest, h.cfg.EfConstruction, lc)
		candidates = slices.DeleteFunc(candidates, func(c string) bool { return c == node.ID })
		neighbors := h.selectNeighbors(node.Vector, candidates, maxConn)

		node.Neighbors[lc] = neighbors
		for _, neighbor := range neighbors {
			h.addConnection(neighbor, node.ID, lc)

			neighborNode := h.nodes[neighbor]
			if lc < len(neighborNode.Neighbors) && len(neighborNode.Neighbors[lc]) > maxConn {
				neighborNode.Neighbors[lc] = h.selectNeighbors(neighborNode.Vector, neighborNode.Neighbors[lc], maxConn)
			}
		}

		if len(neighbors) > 0 {
			currNearest = neighbors
		}
	}
}

// maxConnections returns the connection limit for a layer.
func (h *HNSW) maxConnections(layer int) int {
	if layer == 0 {
		return h.maxM
	}
	return h.cfg.M
}

// searchLayer performs a greedy beam search in a specific layer, closest first.
func (h *HNSW) searchLayer(query []float32, entryPoints []string, ef int, layer int) []string {
	visited := make(map[string]bool)
	candidates := &distHeap{}
	dynamicList := &distHeap{} // max heap for nearest

	for _, point := range entryPoints {
		if visited[point] {
			continue
		}
		dist := h.distance(query, h.nodes[point])

		heap.Push(candidates, &heapItem{id: point, dist: dist})
		heap.Push(dynamicList, &heapItem{id: point, dist: -dist}) // negative for max heap
		visited[point] = true
	}

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(*heapItem)
		if dynamicList.Len() >= ef && current.dist > -(*dynamicList)[0].dist {
			break
		}

		currentNode := h.nodes[current.id]
		if layer >= len(currentNode.Neighbors) {
			continue
		}

		for _, neighbor := range currentNode.Neighbors[layer] {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true

			dist := h.distance(query, h.nodes[neighbor])
			if dynamicList.Len() < ef || dist < -(*dynamicList)[0].dist {
				heap.Push(candidates, &heapItem{id: neighbor, dist: dist})
				heap.Push(dynamicList, &heapItem{id: neighbor, dist: -dist})

				if dynamicList.Len() > ef {
					heap.Pop(dynamicList)
				}
			}
		}
	}

	result := make([]string, dynamicList.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(dynamicList).(*heapItem).id
	}
	return result
}

func (h *HNSW) searchLayerClosest(query []float32, entryPoints []string, num int, layer int) []string {
	candidates := h.searchLayer(query, entryPoints, num, layer)
	if len(candidates) > num {
		return candidates[:num]
	}
	return candidates
}

// selectNeighbors keeps the m closest candidates, ties broken by id.
func (h *HNSW) selectNeighbors(query []float32, candidates []string, m int) []string {
	type distPair struct {
		id   string
		dist float64
	}

	pairs := make([]distPair, 0, len(candidates))
	for _, c := range candidates {
		pairs = append(pairs, distPair{id: c, dist: h.distance(query, h.nodes[c])})
	}
	slices.SortFunc(pairs, func(a, b distPair) int {
		switch {
		case a.dist < b.dist:
			return -1
		case a.dist > b.dist:
			return 1
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})

	if len(pairs) > m {
		pairs = pairs[:m]
	}
	result := make([]string, len(pairs))
	for i, p := range pairs {
		result[i] = p.id
	}
	return result
}

// addConnection adds a connection between two nodes
func (h *HNSW) addConnection(from, to string, layer int) {
	fromNode, exists := h.nodes[from]
	if !exists || layer >= len(fromNode.Neighbors) {
		return
	}
	if slices.Contains(fromNode.Neighbors[layer], to) {
		return
	}
	fromNode.Neighbors[layer] = append(fromNode.Neighbors[layer], to)
}

// Search returns up to k live nodes most similar to query, by descending score.
// ef <= 0 uses the configured EfSearch; ef is raised to at least k.
func (h *HNSW) Search(query []float32, k int, ef int) ([]core.SearchResult, error) {
	if k <= 0 {
		return []core.SearchResult{}, nil
	}
	if err := core.ValidateVector(query); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint == "" {
		return []core.SearchResult{}, nil
	}
	if len(query) != h.dim {
		return nil, fmt.Errorf("%w: index holds %d-dimensional vectors, got %d", core.ErrDimensionMismatch, h.dim, len(query))
	}

	if ef <= 0 {
		ef = h.cfg.EfSearch
	}
	ef = max(ef, k)
	// Tombstones occupy beam slots; widen so k live nodes can still surface.
	ef = min(ef+h.tombstones, len(h.nodes))

	entryNode := h.nodes[h.entryPoint]
	currNearest := []string{h.entryPoint}
	for layer := entryNode.Level; layer > 0; layer-- {
		currNearest = h.searchLayerClosest(query, currNearest, 1, layer)
	}

	candidates := h.searchLayer(query, currNearest, ef, 0)

	results := make([]core.SearchResult, 0, len(candidates))
	for _, id := range candidates {
		node := h.nodes[id]
		if node.Deleted {
			continue
		}
		results = append(results, core.SearchResult{ConceptID: id, Score: h.sim(query, node.Vector)})
	}
	core.SortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete tombstones id. Deleting an already-deleted id is a no-op.
func (h *HNSW) Delete(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, exists := h.nodes[id]
	if !exists {
		return fmt.Errorf("%w: vector %s", core.ErrNotFound, id)
	}
	if !node.Deleted {
		node.Deleted = true
		h.tombstones++
	}
	return nil
}

// Contains reports whether id is a live node.
func (h *HNSW) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	node, ok := h.nodes[id]
	return ok && !node.Deleted
}

// IDs returns the ids of live nodes in ascending order.
func (h *HNSW) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.nodes)-h.tombstones)
	for id, node := range h.nodes {
		if !node.Deleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Compact rebuilds the graph from live nodes and returns how many tombstones were dropped.
func (h *HNSW) Compact() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tombstones == 0 {
		return 0
	}

	live := make([]string, 0, len(h.nodes)-h.tombstones)
	for id, node := range h.nodes {
		if !node.Deleted {
			live = append(live, id)
		}
	}
	sort.Strings(live)

	old := h.nodes
	dropped := h.tombstones
	h.nodes = make(map[string]*Node, len(live))
	h.entryPoint = ""
	h.tombstones = 0
	if len(live) == 0 {
		h.dim = 0
	}
	for _, id := range live {
		h.insertLocked(id, old[id].Vector)
	}
	return dropped
}

// Len returns the number of live nodes.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes) - h.tombstones
}

// Tombstones returns the number of deleted nodes still held by the graph.
func (h *HNSW) Tombstones() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tombstones
}

// TombstoneRatio returns tombstones / total nodes.
func (h *HNSW) TombstoneRatio() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.nodes) == 0 {
		return 0
	}
	return float64(h.tombstones) / float64(len(h.nodes))
}

// Stats describes the graph.
type Stats struct {
	TotalNodes      int         `json:"total_nodes"`
	ActiveNodes     int         `json:"active_nodes"`
	DeletedNodes    int         `json:"deleted_nodes"`
	TotalEdges      int         `json:"total_edges"`
	AvgEdgesPerNode float64     `json:"avg_edges_per_node"`
	MaxLevel        int         `json:"max_level"`
	Dimension       int         `json:"dimension"`
	EntryPoint      string      `json:"entry_point"`
	M               int         `json:"m"`
	EfConstruction  int         `json:"ef_construction"`
	Metric          core.Metric `json:"metric"`
}

// Stats returns index statistics
func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		TotalNodes:     len(h.nodes),
		DeletedNodes:   h.tombstones,
		Dimension:      h.dim,
		EntryPoint:     h.entryPoint,
		M:              h.cfg.M,
		EfConstruction: h.cfg.EfConstruction,
		Metric:         h.cfg.Metric,
	}
	for _, node := range h.nodes {
		if node.Deleted {
			continue
		}
		s.ActiveNodes++
		s.MaxLevel = max(s.MaxLevel, node.Level)
		for _, neighbors := range node.Neighbors {
			s.TotalEdges += len(neighbors)
		}
	}
	if s.ActiveNodes > 0 {
		s.AvgEdgesPerNode = float64(s.TotalEdges) / float64(s.ActiveNodes)
	}
	return s
}

// heapItem for priority queue
type heapItem struct {
	id   string
	dist float64
}

// distHeap implements heap.Interface
type distHeap []*heapItem

func (h distHeap) Len() int { return len(h) }
func (h distHeap) Less(i, j int) bool {
	if h[i].dist == h[j].dist {
		return h[i].id < h[j].id
	}
	return h[i].dist < h[j].dist
}
func (h distHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *distHeap) Push(x any) {
	*h = append(*h, x.(*heapItem))
}

func (h *distHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}
