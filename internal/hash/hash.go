// Package hash provides deterministic content hashes for raw bytes and
// parsed blocks. BLAKE3 is the canonical algorithm; SHA-256 is available as
// an alternative. Hashes are stable across runs and across peers running the
// same algorithm; switching algorithms rewrites every hash in the kiln and is
// not a supported in-place migration.
package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"lukechampine.com/blake3"

	"github.com/mootikins/crucible/internal/domain"
)

// Algorithm selects the hash function used by a Hasher.
type Algorithm string

const (
	BLAKE3 Algorithm = "blake3"
	SHA256 Algorithm = "sha256"
)

// Hasher computes content hashes with a fixed algorithm.
type Hasher struct {
	alg Algorithm
}

// New returns a Hasher for the given algorithm.
func New(alg Algorithm) (*Hasher, error) {
	switch alg {
	case BLAKE3, SHA256:
		return &Hasher{alg: alg}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
}

// Default returns the canonical BLAKE3 hasher.
func Default() *Hasher {
	return &Hasher{alg: BLAKE3}
}

// Algorithm returns the configured algorithm.
func (h *Hasher) Algorithm() Algorithm { return h.alg }

// Sum hashes raw bytes.
func (h *Hasher) Sum(data []byte) domain.Hash {
	if h.alg == SHA256 {
		return domain.Hash(sha256.Sum256(data))
	}
	return domain.Hash(blake3.Sum256(data))
}

// SumBlock hashes the deterministic serialization of a block:
// type tag, content bytes, metadata entries with sorted keys, and the
// big-endian byte range. Two blocks with identical fields hash identically
// on every peer.
func (h *Hasher) SumBlock(b *domain.Block) (domain.Hash, error) {
	data, err := serializeBlock(b)
	if err != nil {
		return domain.Hash{}, err
	}
	return h.Sum(data), nil
}

// Combine hashes the concatenation of two child hashes. Used by the Merkle
// tree to derive interior nodes.
func (h *Hasher) Combine(left, right domain.Hash) domain.Hash {
	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return h.Sum(buf)
}

// serializeBlock produces the canonical byte form of a block. Every field is
// length-prefixed and integers use big-endian encoding so the result does not
// depend on host byte order or map iteration order.
func serializeBlock(b *domain.Block) ([]byte, error) {
	var buf []byte
	buf = appendField(buf, []byte(b.Type))
	buf = appendField(buf, []byte(b.Content))

	keys := make([]string, 0, len(b.Metadata))
	for k := range b.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = appendField(buf, []byte(k))
		// JSON gives a stable encoding for the heterogeneous metadata values.
		v, err := json.Marshal(b.Metadata[k])
		if err != nil {
			return nil, fmt.Errorf("failed to serialize block metadata %q: %w", k, err)
		}
		buf = appendField(buf, v)
	}

	buf = binary.BigEndian.AppendUint64(buf, uint64(b.Start))
	buf = binary.BigEndian.AppendUint64(buf, uint64(b.End))
	return buf, nil
}

// appendField appends a length-prefixed byte field.
func appendField(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}
