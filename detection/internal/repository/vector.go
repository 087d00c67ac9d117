package repository

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// vectorLiteral renders an embedding in pgvector's text form: [a,b,c].
func vectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidVector)
	}
	var b strings.Builder
	b.Grow(len(vec) * 10)
	b.WriteByte('[')
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("%w: non-finite value at %d", ErrInvalidVector, i)
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(f, 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}

// decodeEmbedding parses the embedding_json column. Malformed vectors yield nil.
func decodeEmbedding(raw []byte) []float32 {
	if len(raw) == 0 {
		return nil
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil
	}
	return vec
}

// embeddingArgs returns the (vector literal, json) pair stored for vec, or
// two nils when vec is empty or unusable.
func embeddingArgs(vec []float32) (interface{}, interface{}) {
	literal, err := vectorLiteral(vec)
	if err != nil {
		return nil, nil
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return nil, nil
	}
	return literal, data
}
