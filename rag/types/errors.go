package types

import "fmt"

// ProviderError wraps a failure from an external model provider
// (embeddings, rerank or generation). Callers use it to decide whether
// to skip an application without aborting the batch.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
