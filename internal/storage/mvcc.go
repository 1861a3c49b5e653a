package storage

import (
	"encoding/binary"
	"math"
)

// EncodeKey appends the inverted commit timestamp to a user key.
// Format: Key + (MaxUint64 - ts). Inverting the timestamp makes newer
// versions of the same key sort first, so the first version at or after
// EncodeKey(key, readTs) is the newest one visible at readTs.
func EncodeKey(key []byte, ts uint64) []byte {
	buf := make([]byte, len(key)+8)
	copy(buf, key)
	binary.BigEndian.PutUint64(buf[len(key):], math.MaxUint64-ts)
	return buf
}

// DecodeKey splits an encoded key back into the user key and timestamp.
func DecodeKey(joined []byte) ([]byte, uint64) {
	if len(joined) < 8 {
		return joined, 0 // not a valid version key
	}
	keyLen := len(joined) - 8
	invTs := binary.BigEndian.Uint64(joined[keyLen:])
	return joined[:keyLen], math.MaxUint64 - invTs
}
