// Package embeddings turns text into vectors for the recall index.
package embeddings

import (
	"context"

	"github.com/fernlabs/fern/internal/fault"
)

// Client is the embedding surface the archiver, memory store and search
// engine depend on. Implementations do not retry: a failed call surfaces
// as an error and the caller degrades to text-only scoring.
type Client interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one request.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension for the configured model.
	Dimension() int
}

// Disabled is the Client used when no embedding provider is configured.
// Every call fails with a transient error, which callers already treat as
// "skip the vector stage".
type Disabled struct{}

func (Disabled) Embed(context.Context, string) ([]float32, error) {
	return nil, fault.New(fault.Transient, "embeddings not configured")
}

func (Disabled) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, fault.New(fault.Transient, "embeddings not configured")
}

func (Disabled) Dimension() int { return 0 }
