package types_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/policyrecall/policyrecall/rag/types"
)

var _ = Describe("SimilarityReranker", func() {
	It("should order by similarity descending", func() {
		results := []types.Result{
			{ID: "1", Similarity: 0.2, ChunkIndex: 0},
			{ID: "2", Similarity: 0.9, ChunkIndex: 1},
			{ID: "3", Similarity: 0.5, ChunkIndex: 2},
		}
		reranked, err := types.NewSimilarityReranker().Rerank("q", results)
		Expect(err).ToNot(HaveOccurred())
		Expect(reranked[0].ID).To(Equal("2"))
		Expect(reranked[1].ID).To(Equal("3"))
		Expect(reranked[2].ID).To(Equal("1"))
	})

	It("should break similarity ties by chunk index", func() {
		results := []types.Result{
			{ID: "b", Similarity: 0.7, ChunkIndex: 5},
			{ID: "a", Similarity: 0.7, ChunkIndex: 2},
		}
		reranked, err := types.NewSimilarityReranker().Rerank("q", results)
		Expect(err).ToNot(HaveOccurred())
		Expect(reranked[0].ID).To(Equal("a"))
		Expect(reranked[1].ID).To(Equal("b"))
	})

	It("should not mutate the input slice", func() {
		results := []types.Result{
			{ID: "1", Similarity: 0.1},
			{ID: "2", Similarity: 0.9},
		}
		_, err := types.NewSimilarityReranker().Rerank("q", results)
		Expect(err).ToNot(HaveOccurred())
		Expect(results[0].ID).To(Equal("1"))
	})
})
