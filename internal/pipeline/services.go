package pipeline

import (
	"context"

	"engram/internal/config"
	"engram/internal/embedding"
	"engram/internal/queue"
	"engram/internal/types"
)

// Compactor summarizes a finished session. The maintenance package provides
// the real implementation; the pipeline only schedules it.
type Compactor interface {
	CompactSession(ctx context.Context, scope types.Scope, sessionID string) error
}

// Services bundles every port the pipeline's job handlers need. It is
// constructed once at startup and passed in; handlers hold no globals.
type Services struct {
	Graph    types.GraphStore
	Vectors  types.VectorStore
	Labels   types.RelationalStore
	Embedder embedding.Engine
	Model    types.ModelClient
	Queue    *queue.Manager
	Config   *config.Config

	// Compactor may be nil; session compaction is then never scheduled.
	Compactor Compactor
}
