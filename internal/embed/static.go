package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	verrors "github.com/vection-dev/vection/internal/errors"
)

// StaticEmbedder is a deterministic, in-process embedder based on token
// feature hashing. It needs no model or network and always produces the
// same vector for the same text, which makes it the testing provider and
// the fallback when no local endpoint is reachable.
//
// Quality is far below a learned model; it exists so the pipeline keeps
// functioning (and stays testable) without one.
type StaticEmbedder struct {
	dims         int
	contextChars int
}

// Verify interface implementation at compile time.
var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a static embedder with the given dimension.
// A dimension <= 0 uses StaticDimension.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = StaticDimension
	}
	return &StaticEmbedder{dims: dims, contextChars: StaticContextChars}
}

// NewStaticEmbedderWithContext creates a static embedder with a custom
// context limit, used by tests that exercise the truncation ladder.
func NewStaticEmbedderWithContext(dims, contextChars int) *StaticEmbedder {
	e := NewStaticEmbedder(dims)
	if contextChars > 0 {
		e.contextChars = contextChars
	}
	return e
}

// Embed generates a deterministic embedding for a single text.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if len(text) > e.contextChars {
		return nil, verrors.ContextLengthExceeded(
			"input exceeds static embedder context limit")
	}

	vec := make([]float32, e.dims)
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return vec, nil
	}

	for _, token := range tokenizeStatic(trimmed) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()

		idx := int(sum % uint64(e.dims))
		// Sign bit from a high-order bit decorrelates buckets.
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		vec[idx] += sign

		// A second hash position smooths collisions for short texts.
		idx2 := int((sum >> 17) % uint64(e.dims))
		vec[idx2] += sign * 0.5
	}

	return normalizeVector(vec), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// Dimension returns the embedding dimension.
func (e *StaticEmbedder) Dimension() int {
	return e.dims
}

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string {
	return "static-hash"
}

// Available always reports true; there is nothing to reach.
func (e *StaticEmbedder) Available(ctx context.Context) bool {
	return true
}

// Close releases resources.
func (e *StaticEmbedder) Close() error {
	return nil
}

// tokenizeStatic splits text into lowercase word tokens.
func tokenizeStatic(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
