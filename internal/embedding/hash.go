package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic, model-free embedder for local runs and
// tests. Each lower-cased token is hashed into a signed bucket, so texts that
// share words land close together. The empty text embeds to the zero vector.
type HashEmbedder struct {
	dims int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Dimensions() int { return h.dims }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, tok := range tokens {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		// LCG step spreads the sign bit independently of the bucket bits
		sign := float32(1)
		if (sum*6364136223846793005+1442695040888963407)>>63 == 1 {
			sign = -1
		}
		vec[sum%uint64(h.dims)] += sign
	}
	return normalize(vec), nil
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
