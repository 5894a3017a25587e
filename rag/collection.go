package rag

import (
	"fmt"
	"strconv"

	"github.com/mudler/xlog"
	"github.com/policyrecall/policyrecall/rag/engine"
	"github.com/policyrecall/policyrecall/rag/types"
	"github.com/sashabaranov/go-openai"
)

var _ Engine = (*engine.ChromemDB)(nil)

// EphemeralCollection is the scoped document store for exactly one
// application: created, populated, queried and released within that
// application's processing. Nothing survives Release, so no chunk can
// leak into another application's run.
type EphemeralCollection struct {
	name     string
	store    *engine.ChromemDB
	searcher *engine.RerankedSearchEngine
	released bool
}

// CollectionOptions configures a per-application collection.
type CollectionOptions struct {
	EmbeddingModel string
	EmbeddingRate  float64
	Reranker       types.Reranker
}

// NewEphemeralCollection creates a fresh in-memory collection for one
// application.
func NewEphemeralCollection(appID int, client *openai.Client, opts CollectionOptions) (*EphemeralCollection, error) {
	name := "app-" + strconv.Itoa(appID)

	store, err := engine.NewChromemDB(name, client, opts.EmbeddingModel, opts.EmbeddingRate)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", name, err)
	}

	return &EphemeralCollection{
		name:     name,
		store:    store,
		searcher: engine.NewRerankedSearchEngine(store, opts.Reranker),
	}, nil
}

// Populate embeds the chunks and stores them with their provenance.
func (c *EphemeralCollection) Populate(chunks []string, sourceURL string) error {
	if c.released {
		return fmt.Errorf("collection %s already released", c.name)
	}

	for _, chunk := range chunks {
		if err := c.store.Store(chunk, map[string]string{"source": sourceURL}); err != nil {
			return fmt.Errorf("storing chunk in %s: %w", c.name, err)
		}
	}

	xlog.Debug("Populated collection", "collection", c.name, "chunks", len(chunks))
	return nil
}

// Query retrieves topN chunks by similarity and reranks them down to
// topK.
func (c *EphemeralCollection) Query(question string, topN, topK int) ([]Result, error) {
	if c.released {
		return nil, fmt.Errorf("collection %s already released", c.name)
	}
	return c.searcher.Search(question, topN, topK)
}

// Count returns the number of stored chunks.
func (c *EphemeralCollection) Count() int {
	return c.store.Count()
}

// Release discards the collection's contents. The collection cannot be
// used afterwards.
func (c *EphemeralCollection) Release() {
	if c.released {
		return
	}
	if err := c.store.Reset(); err != nil {
		xlog.Warn("Failed to reset collection on release", "collection", c.name, "error", err)
	}
	c.released = true
}
