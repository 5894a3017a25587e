package interfaces

import "github.com/policyrecall/policyrecall/rag/types"

// Engine defines the interface for the per-application document store.
type Engine interface {
	Store(s string, meta map[string]string) error
	Reset() error
	Search(s string, similarEntries int) ([]types.Result, error)
	Count() int
}
