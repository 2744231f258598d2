// Package fingerprint derives the stable 64-bit identities used to
// deduplicate archive entries. Digests come from BLAKE2b-256 truncated to
// the first eight bytes; identity mixing for composite keys follows an
// XOR-with-index scheme so that reordering inputs or parameters changes
// the resulting fingerprint.
package fingerprint

import (
	"encoding/binary"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// Digest is a stable 64-bit fingerprint rendered decimal on the wire.
type Digest uint64

// Sum fingerprints the full content of data.
func Sum(data []byte) Digest {
	h := blake2b.Sum256(data)
	return Digest(binary.BigEndian.Uint64(h[:8]))
}

// SumString fingerprints a string.
func SumString(s string) Digest {
	return Sum([]byte(s))
}

// SumUint64 fingerprints an integer by hashing its big-endian encoding.
func SumUint64(v uint64) Digest {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return Sum(buf[:])
}

// String renders the digest in decimal, matching the wire encoding.
func (d Digest) String() string {
	return strconv.FormatUint(uint64(d), 10)
}

// Parse reads a decimal digest as produced by String.
func Parse(s string) (Digest, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Digest(v), nil
}

// MixIndexed folds an element fingerprint at a given position into an
// accumulated identity. XOR keeps the mix reversible for dedup equality
// while the index hash makes it order sensitive.
func MixIndexed(acc Digest, element Digest, index int) Digest {
	return acc ^ element ^ SumUint64(uint64(index))
}
