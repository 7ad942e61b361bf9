package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SerializeEmbedding packs a float32 vector into a little-endian blob.
// Returns nil for an empty vector.
func SerializeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}

	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DeserializeEmbedding unpacks a little-endian blob into a float32 vector.
// Returns nil for an empty blob; errors on a length that is not a multiple
// of four bytes.
func DeserializeEmbedding(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}

	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
