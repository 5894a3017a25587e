package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/philippgille/chromem-go"
	"github.com/policyrecall/policyrecall/rag/types"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const embeddingMaxRetries = 3

// ChromemDB is an ephemeral, in-memory vector store holding the chunks
// of exactly one application's policy document. It is created fresh
// for each application and discarded afterwards, so chunks can never
// leak across applications.
type ChromemDB struct {
	collectionName  string
	collection      *chromem.Collection
	index           int
	client          *openai.Client
	db              *chromem.DB
	embeddingsModel string
	limiter         *rate.Limiter
}

// NewChromemDB creates a new in-memory collection. The rate limiter
// paces embedding calls against the provider; pass rps <= 0 to disable
// pacing.
func NewChromemDB(collection string, openaiClient *openai.Client, embeddingsModel string, rps float64) (*ChromemDB, error) {
	db := chromem.NewDB()

	chromemDB := &ChromemDB{
		collectionName:  collection,
		index:           1,
		db:              db,
		client:          openaiClient,
		embeddingsModel: embeddingsModel,
	}
	if rps > 0 {
		chromemDB.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	c, err := db.CreateCollection(collection, nil, chromemDB.embedding())
	if err != nil {
		return nil, err
	}
	chromemDB.collection = c

	return chromemDB, nil
}

func (c *ChromemDB) Count() int {
	return c.collection.Count()
}

// Reset discards all stored chunks and recreates the collection.
func (c *ChromemDB) Reset() error {
	if err := c.db.DeleteCollection(c.collectionName); err != nil {
		return fmt.Errorf("error deleting collection: %v", err)
	}
	collection, err := c.db.CreateCollection(c.collectionName, nil, c.embedding())
	if err != nil {
		return fmt.Errorf("error creating collection: %v", err)
	}
	c.collection = collection
	c.index = 1
	return nil
}

func (c *ChromemDB) embedding() chromem.EmbeddingFunc {
	return chromem.EmbeddingFunc(
		func(ctx context.Context, text string) ([]float32, error) {
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return nil, err
				}
			}

			var embedding []float32
			op := func() error {
				resp, err := c.client.CreateEmbeddings(ctx,
					openai.EmbeddingRequestStrings{
						Input: []string{text},
						Model: openai.EmbeddingModel(c.embeddingsModel),
					},
				)
				if err != nil {
					return types.MarkPermanent(err)
				}
				if len(resp.Data) == 0 {
					return backoff.Permanent(fmt.Errorf("empty embeddings response"))
				}
				embedding = resp.Data[0].Embedding
				return nil
			}
			if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), embeddingMaxRetries)); err != nil {
				return nil, &types.ProviderError{Provider: "embeddings", Op: "CreateEmbeddings", Err: err}
			}

			return embedding, nil
		},
	)
}

// Store embeds one chunk and writes it into the collection. The chunk
// index is recorded in the metadata so retrieval ties can be broken
// deterministically.
func (c *ChromemDB) Store(s string, metadata map[string]string) error {
	if s == "" {
		return fmt.Errorf("empty string")
	}

	docID := fmt.Sprint(c.index)
	meta := map[string]string{"chunkIndex": strconv.Itoa(c.index - 1)}
	for k, v := range metadata {
		meta[k] = v
	}

	if err := c.collection.AddDocuments(context.Background(), []chromem.Document{
		{
			Metadata: meta,
			Content:  s,
			ID:       docID,
		},
	}, 1); err != nil {
		return err
	}

	c.index++
	return nil
}

// Search returns the similarEntries most similar chunks to s. Results
// with equal similarity keep their original chunk order.
func (c *ChromemDB) Search(s string, similarEntries int) ([]types.Result, error) {
	n := similarEntries
	if count := c.collection.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	chromemResults, err := c.collection.Query(context.Background(), s, n, nil, nil)
	if err != nil {
		return nil, err
	}

	results := make([]types.Result, 0, len(chromemResults))
	for _, r := range chromemResults {
		idx := 0
		if v, ok := r.Metadata["chunkIndex"]; ok {
			idx, _ = strconv.Atoi(v)
		}
		results = append(results, types.Result{
			ID:         r.ID,
			Metadata:   r.Metadata,
			Content:    r.Content,
			ChunkIndex: idx,
			Similarity: r.Similarity,
		})
	}

	// chromem orders by similarity already; re-sort with the chunk
	// index as a secondary key so ties are reproducible.
	reranker := types.NewSimilarityReranker()
	return reranker.Rerank(s, results)
}
