package silkdb

import (
	"encoding/binary"
)

// KeySlice is an 8-byte key prefix extracted at a given layer, compared as a
// big-endian integer so numeric order equals byte order.
type KeySlice uint64

const (
	InfimumSlice KeySlice = 0
	// SupremumSlice marks the exclusive upper sentinel together with the
	// page version's supremum flag; the all-ones slice itself stays usable
	// as a key because the flag disambiguates.
	SupremumSlice KeySlice = ^KeySlice(0)

	// MaxKeyLength bounds variable-length Masstree keys.
	MaxKeyLength = 1024
)

// sliceLayer extracts layer k's slice. Keys shorter than (k+1)*8 bytes are
// zero-padded on the right, matching big-endian prefix order.
func sliceLayer(key []byte, layer int) KeySlice {
	from := layer * 8
	if from >= len(key) {
		return 0
	}
	rest := key[from:]
	if len(rest) >= 8 {
		return KeySlice(binary.BigEndian.Uint64(rest))
	}
	var padded [8]byte
	copy(padded[:], rest)
	return KeySlice(binary.BigEndian.Uint64(padded[:]))
}

// NormalizePrimitive maps a uint64 key to its KeySlice; the 8-byte
// normalized key forms used by the storage APIs are defined over this.
func NormalizePrimitive(key uint64) KeySlice { return KeySlice(key) }

// sliceBytes renders a slice back to its big-endian key bytes.
func sliceBytes(slice KeySlice) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(slice))
	return b
}

// remainingLength is the key length from the viewpoint of a layer.
func remainingLength(keyLen, layer int) int {
	return keyLen - layer*8
}

// suffixOf returns the key bytes beyond the layer's slice; empty when the
// key ends within the slice.
func suffixOf(key []byte, layer int) []byte {
	from := (layer + 1) * 8
	if from >= len(key) {
		return nil
	}
	return key[from:]
}

// bytesCompare is three-way lexicographic comparison over raw suffixes.
func bytesCompare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] < b[i] {
			return -1
		} else if a[i] > b[i] {
			return 1
		}
	}
	switch {
	case len(a) > len(b):
		return 1
	case len(a) < len(b):
		return -1
	}
	return 0
}

func bytesEqual(a, b []byte) bool { return bytesCompare(a, b) == 0 }
