package rag

import (
	"github.com/policyrecall/policyrecall/rag/interfaces"
	"github.com/policyrecall/policyrecall/rag/types"
)

// Engine is an alias for interfaces.Engine
type Engine = interfaces.Engine

// Result is an alias for types.Result
type Result = types.Result
