package replay

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/minio/sha256-simd"
	"github.com/zeebo/blake3"
)

type HashKind string

const (
	XXHash HashKind = "xxhash"
	Blake3 HashKind = "blake3"
	SHA256 HashKind = "sha256"
)

var HashKinds = []HashKind{XXHash, Blake3, SHA256}

// Digest holds the hash of a block. Shorter hashes use a prefix.
type Digest [32]byte

type HashFunc func([]byte) Digest

func Hasher(kind HashKind) (HashFunc, error) {
	switch kind {
	case XXHash, "":
		return func(b []byte) Digest {
			var d Digest
			binary.LittleEndian.PutUint64(d[:], xxhash.Sum64(b))
			return d
		}, nil
	case Blake3:
		return func(b []byte) Digest {
			return blake3.Sum256(b)
		}, nil
	case SHA256:
		return func(b []byte) Digest {
			return sha256.Sum256(b)
		}, nil
	}
	return nil, fmt.Errorf("unknown hash %q, want one of %v", kind, HashKinds)
}
