// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package embedding

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HashVector derives a deterministic unit vector of length dim from the
// SHA-256 of text. Each 32-byte block is sha256(text || counter) and yields
// eight components in [-1, 1]. The vector carries no semantics; it keeps
// indexing aligned when the provider is unavailable.
func HashVector(text string, dim int) []float32 {
	if dim <= 0 {
		return nil
	}
	vec := make([]float32, dim)
	seed := sha256.Sum256([]byte(text))

	var block [sha256.Size + 4]byte
	copy(block[:], seed[:])
	var sum float64
	for i := 0; i < dim; i += 8 {
		binary.BigEndian.PutUint32(block[sha256.Size:], uint32(i/8))
		digest := sha256.Sum256(block[:])
		for j := 0; j < 8 && i+j < dim; j++ {
			u := binary.BigEndian.Uint32(digest[j*4:])
			v := float64(u)/float64(math.MaxUint32)*2 - 1
			vec[i+j] = float32(v)
			sum += v * v
		}
	}

	if norm := math.Sqrt(sum); norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}
