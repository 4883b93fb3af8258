package contextstore

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

// EmbeddingProvider turns text into a fixed-size vector for similarity search.
type EmbeddingProvider interface {
	// Embed returns the vector for the given text. The dimension must be
	// stable across calls.
	Embed(text string) ([]float64, error)
}

// HashEmbedder is a deterministic feature-hashing embedder. It needs no
// network or model weights, which keeps the store usable offline; swap in a
// real provider for higher-quality similarity.
type HashEmbedder struct {
	// Dim is the vector dimension. Zero means DefaultEmbeddingDim.
	Dim int
}

// DefaultEmbeddingDim is the dimension HashEmbedder uses when unconfigured.
const DefaultEmbeddingDim = 128

// Embed hashes each token into a bucket with a sign bit and L2-normalizes
// the result. Identical text always yields identical vectors.
func (e HashEmbedder) Embed(text string) ([]float64, error) {
	dim := e.Dim
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}

	vec := make([]float64, dim)
	for _, token := range tokenize(text) {
		sum := sha256.Sum256([]byte(token))
		bucket := binary.BigEndian.Uint32(sum[:4]) % uint32(dim)
		if sum[4]&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// cosine returns the cosine similarity of two equal-length vectors.
// Zero vectors score zero against everything.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
