// Package fingerprint derives the 128-bit content-addressed identity of a
// compilation from the preprocessed source, the cacheable flag subset and
// the compiler identity.
//
// The digest is a non-cryptographic murmur3 128-bit mixing hash. It is
// deterministic across processes and hosts: every identity and flag field is
// written with a length prefix so that field boundaries cannot alias (the
// source bytes, streamed last, are written as they come), the cacheable
// flags are sorted lexically before hashing, and the non-cacheable buckets
// (output path, host-local flags) never reach the hash at all.
package fingerprint

import (
	"encoding/binary"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/farmcc/farmcc/pkg/types"
)

// Hasher accumulates a compilation fingerprint. The flag set and compiler
// identity are folded in at construction; the preprocessed source may then
// be streamed in arbitrary chunks.
type Hasher struct {
	h murmur3.Hash128
}

// New returns a Hasher seeded with the cacheable parts of the flag set.
func New(flags *types.FlagSet) *Hasher {
	h := &Hasher{h: murmur3.New128()}
	h.writeField([]byte(compilerIdentity(&flags.Compiler)))
	h.writeField([]byte(flags.Compiler.Version))
	h.writeField([]byte(flags.Language))

	// Sort a copy: the digest must be invariant under permutation of the
	// cacheable flags, and the caller's slice must stay untouched.
	other := make([]string, len(flags.Other))
	copy(other, flags.Other)
	sort.Strings(other)
	h.writeUvarint(uint64(len(other)))
	for _, f := range other {
		h.writeField([]byte(f))
	}
	return h
}

// compilerIdentity prefers the binary hash when the parser resolved one;
// the path is only a proxy for the binary.
func compilerIdentity(id *types.CompilerID) string {
	if id.BinaryHash != "" {
		return id.BinaryHash
	}
	return id.Path
}

// Write streams a chunk of the preprocessed source into the fingerprint.
// It never fails; the error return satisfies io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum finalizes the fingerprint. The hasher must not be written to after
// Sum.
func (h *Hasher) Sum() types.Digest {
	hi, lo := h.h.Sum128()
	return types.DigestFromParts(hi, lo)
}

func (h *Hasher) writeField(b []byte) {
	h.writeUvarint(uint64(len(b)))
	h.h.Write(b)
}

func (h *Hasher) writeUvarint(v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	h.h.Write(buf[:n])
}

// Compute hashes a fully in-memory preprocessed source in one call.
func Compute(source []byte, flags *types.FlagSet) types.Digest {
	h := New(flags)
	h.Write(source)
	return h.Sum()
}

// Payload hashes raw artifact bytes with no flag context. It is used to
// verify a just-written store entry on read-back.
func Payload(b []byte) types.Digest {
	hi, lo := murmur3.Sum128(b)
	return types.DigestFromParts(hi, lo)
}
