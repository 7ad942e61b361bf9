package embedding

import (
	"context"
	"fmt"
	"math"
)

// Provider converts text to fixed-dimension vectors. Implementations must be
// deterministic for the same input and configured model.
type Provider interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order.
	// An empty input returns an empty result without a network call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the configured vector width.
	Dimensions() int
}

// CosineSimilarity returns (a·b)/(‖a‖‖b‖). Zero-norm inputs yield 0 rather
// than NaN. A dimension mismatch fails the call.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
