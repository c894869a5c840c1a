package shard

import (
	"github.com/liliang-cn/conceptdb/pkg/core"
)

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range core.Tokenize(s) {
		set[t] = struct{}{}
	}
	return set
}

// TokenOverlap is the Jaccard similarity of the token sets of two texts.
func TokenOverlap(query map[string]struct{}, content string) float64 {
	if len(query) == 0 {
		return 0
	}
	doc := tokenSet(content)
	shared := 0
	for t := range doc {
		if _, ok := query[t]; ok {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}
	return float64(shared) / float64(len(query)+len(doc)-shared)
}

// TextSearch scores every concept by token overlap with query and returns the best limit
// matches. Concepts sharing no token are left out.
func (s *Shard) TextSearch(query string, limit int) []core.SearchResult {
	q := tokenSet(query)
	if len(q) == 0 || limit <= 0 {
		return []core.SearchResult{}
	}
	results := []core.SearchResult{}
	s.forEachConcept(func(c *core.Concept) bool {
		if score := TokenOverlap(q, c.Content); score > 0 {
			results = append(results, core.SearchResult{ConceptID: c.ID, Score: score})
		}
		return true
	})
	core.SortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
