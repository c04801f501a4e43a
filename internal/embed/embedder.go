// Package embed defines the embedding provider boundary. The engine depends
// only on the Embedder interface; concrete providers live behind it.
package embed

import "context"

// Embedder produces a vector representation of a piece of text.
type Embedder interface {
	// Embed returns the embedding vector for text. Implementations must be
	// safe for concurrent use.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model returns the model identifier embeddings are produced with.
	Model() string
}
