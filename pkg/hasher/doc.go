/*
Package hasher computes content fingerprints: xxhash64 quick digests over
a prefix (and suffix sample) for candidate pruning, streamed full digests
through a compile-time registry of algorithms (sha256, sha512, sha3_256,
blake2b, blake2s, blake3), and optional embedding vectors through the
embedding model registry.

The autotuner benchmarks the registered algorithms over a sample of the
actual workload once per scan epoch and picks the fastest one meeting
the digest-length floor; the pick is recorded in the scan checkpoint so
a resumed scan keeps hashing with the same algorithm.
*/
package hasher
