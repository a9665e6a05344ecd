package storage

import (
	"encoding/binary"
)

// Composite index keys use 0x00 as the field separator. Relative paths
// never contain NUL, root ids are UUIDs and algorithm names are ASCII
// identifiers, so the separator is unambiguous.
const keySep = byte(0)

func u64Key(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func u64FromKey(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func u32Key(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// fileKey builds the unique (root_id, relative_path) index key
func fileKey(rootID, relativePath string) []byte {
	k := make([]byte, 0, len(rootID)+1+len(relativePath))
	k = append(k, rootID...)
	k = append(k, keySep)
	k = append(k, relativePath...)
	return k
}

// sizeKey builds a size-index key ordered by (size, file_id)
func sizeKey(size, fileID uint64) []byte {
	k := make([]byte, 0, 16)
	k = append(k, u64Key(size)...)
	k = append(k, u64Key(fileID)...)
	return k
}

// hashKey builds a hash-index key ordered by (algo, hash, file_id)
func hashKey(algo string, hash []byte, fileID uint64) []byte {
	k := make([]byte, 0, len(algo)+1+len(hash)+8)
	k = append(k, algo...)
	k = append(k, keySep)
	k = append(k, hash...)
	k = append(k, u64Key(fileID)...)
	return k
}

// entryKey builds a txn-entry key ordered by (txn_id, seq)
func entryKey(txnID string, seq int) []byte {
	k := make([]byte, 0, len(txnID)+1+4)
	k = append(k, txnID...)
	k = append(k, keySep)
	k = append(k, u32Key(uint32(seq))...)
	return k
}
