package types

// Result represents a single chunk returned from a store query.
type Result struct {
	ID        string
	Metadata  map[string]string
	Embedding []float32
	Content   string

	// ChunkIndex is the position of the chunk within its source
	// document. Used as a secondary sort key so retrieval order is
	// reproducible when similarities tie.
	ChunkIndex int

	// The cosine similarity between the query and the document.
	// The higher the value, the more similar the document is to the query.
	// The value is in the range [-1, 1].
	Similarity float32

	// RerankScore is the relevance score assigned by the reranker.
	// Only populated after a rerank pass.
	RerankScore float32
}
