package hasher

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"sort"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
)

// Algorithm is one registered hash algorithm. Implementations must be
// deterministic and must not share state between New() instances.
type Algorithm struct {
	Name      string
	DigestLen int
	New       func() hash.Hash
}

// Compile-time algorithm registry. Backends register here; there is no
// runtime code loading.
var algorithms = map[string]Algorithm{
	"sha256": {
		Name:      "sha256",
		DigestLen: sha256.Size,
		New:       sha256.New,
	},
	"sha512": {
		Name:      "sha512",
		DigestLen: sha512.Size,
		New:       sha512.New,
	},
	"sha3_256": {
		Name:      "sha3_256",
		DigestLen: 32,
		New:       func() hash.Hash { return sha3.New256() },
	},
	"blake2b": {
		Name:      "blake2b",
		DigestLen: 32,
		New: func() hash.Hash {
			h, _ := blake2b.New256(nil)
			return h
		},
	},
	"blake2s": {
		Name:      "blake2s",
		DigestLen: 32,
		New: func() hash.Hash {
			h, _ := blake2s.New256(nil)
			return h
		},
	},
	"blake3": {
		Name:      "blake3",
		DigestLen: 32,
		New:       func() hash.Hash { return blake3.New(32, nil) },
	},
}

// LookupAlgorithm returns a registered algorithm by name
func LookupAlgorithm(name string) (Algorithm, error) {
	a, ok := algorithms[name]
	if !ok {
		return Algorithm{}, fmt.Errorf("%w: unknown hash algorithm %q", errdefs.ErrInvalidInput, name)
	}
	return a, nil
}

// Algorithms returns the registered algorithm names, sorted
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
