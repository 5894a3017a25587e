package types

import "sort"

// Reranker reorders retrieval candidates by relevance to the query.
type Reranker interface {
	// Rerank takes a query and a list of results, and returns a reranked list.
	Rerank(query string, results []Result) ([]Result, error)
}

// SimilarityReranker orders results by vector similarity alone. It is
// the fallback when no remote reranking service is configured or the
// remote call fails.
type SimilarityReranker struct{}

// NewSimilarityReranker creates a new SimilarityReranker instance
func NewSimilarityReranker() *SimilarityReranker {
	return &SimilarityReranker{}
}

// Rerank sorts by similarity descending, breaking ties on the original
// chunk index so equal-scored chunks keep a stable order.
func (r *SimilarityReranker) Rerank(query string, results []Result) ([]Result, error) {
	reranked := make([]Result, len(results))
	copy(reranked, results)

	sort.SliceStable(reranked, func(i, j int) bool {
		if reranked[i].Similarity != reranked[j].Similarity {
			return reranked[i].Similarity > reranked[j].Similarity
		}
		return reranked[i].ChunkIndex < reranked[j].ChunkIndex
	})

	for i := range reranked {
		reranked[i].RerankScore = reranked[i].Similarity
	}

	return reranked, nil
}
