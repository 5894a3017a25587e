package engine

import (
	"fmt"

	"github.com/mudler/xlog"
	"github.com/policyrecall/policyrecall/rag/interfaces"
	"github.com/policyrecall/policyrecall/rag/types"
)

// RerankedSearchEngine composes a semantic engine with a reranking
// pass: vector search produces topN candidates, the reranker keeps the
// topK most relevant ones.
type RerankedSearchEngine struct {
	semanticEngine interfaces.Engine
	reranker       types.Reranker
}

// NewRerankedSearchEngine creates a new two-stage search engine.
func NewRerankedSearchEngine(semanticEngine interfaces.Engine, reranker types.Reranker) *RerankedSearchEngine {
	if reranker == nil {
		reranker = types.NewSimilarityReranker()
	}
	return &RerankedSearchEngine{
		semanticEngine: semanticEngine,
		reranker:       reranker,
	}
}

// Store stores a document in the semantic engine.
func (h *RerankedSearchEngine) Store(s string, metadata map[string]string) error {
	return h.semanticEngine.Store(s, metadata)
}

// Reset resets the semantic engine.
func (h *RerankedSearchEngine) Reset() error {
	return h.semanticEngine.Reset()
}

// Count returns the number of documents in the semantic engine.
func (h *RerankedSearchEngine) Count() int {
	return h.semanticEngine.Count()
}

// Search retrieves topN candidates by vector similarity, reranks them
// against the raw query and returns the topK best. A rerank failure
// degrades to the similarity ordering rather than failing the query.
func (h *RerankedSearchEngine) Search(query string, topN, topK int) ([]types.Result, error) {
	candidates, err := h.semanticEngine.Search(query, topN)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}

	reranked, err := h.reranker.Rerank(query, candidates)
	if err != nil {
		xlog.Warn("Reranking failed, keeping similarity order", "error", err)
		reranked = candidates
	}

	if topK > 0 && len(reranked) > topK {
		reranked = reranked[:topK]
	}

	return reranked, nil
}
