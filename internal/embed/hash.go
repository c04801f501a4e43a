package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"sync"
)

// HashEmbedder is a deterministic, offline embedder for tests and local
// development. Each lowercased token contributes a hash-derived unit
// direction, so texts sharing words produce similar vectors. It is not a
// semantic model.
type HashEmbedder struct {
	model string
	dim   int

	mu   sync.Mutex
	fail error // when set, Embed returns this error
}

// NewHashEmbedder creates a hash embedder producing dim-length vectors.
func NewHashEmbedder(model string, dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 8
	}
	return &HashEmbedder{model: model, dim: dim}
}

// Embed returns a normalized vector derived from the text's tokens.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	fail := h.fail
	h.mu.Unlock()
	if fail != nil {
		return nil, fail
	}

	vec := make([]float32, h.dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(token))
		for i := 0; i < h.dim; i++ {
			bits := binary.LittleEndian.Uint32(sum[(i*4)%28:])
			// Map the hash word onto [-1, 1).
			vec[i] += float32(int32(bits)) / float32(math.MaxInt32)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// Model returns the embedder's model identifier.
func (h *HashEmbedder) Model() string {
	return h.model
}

// SetFailure makes subsequent Embed calls return err; pass nil to recover.
// Tests use this to exercise fallback and breaker paths.
func (h *HashEmbedder) SetFailure(err error) {
	h.mu.Lock()
	h.fail = err
	h.mu.Unlock()
}

var _ Embedder = (*HashEmbedder)(nil)
