package memutils

import "encoding/binary"

const (
	// GuardSize is the number of bytes written by WriteGuard
	GuardSize int = 8

	guardMagicValue uint32 = 0x7F84E666
)

// WriteGuard writes an easy-to-identify marker across GuardSize bytes of data at the provided offset.
func WriteGuard(data []byte, offset int) {
	for i := 0; i < GuardSize; i += 4 {
		binary.LittleEndian.PutUint32(data[offset+i:], guardMagicValue)
	}
}

// ValidateGuard verifies that the marker written by WriteGuard is still present. It returns true if the value
// is still present and false otherwise.
func ValidateGuard(data []byte, offset int) bool {
	if offset < 0 || offset+GuardSize > len(data) {
		return false
	}

	for i := 0; i < GuardSize; i += 4 {
		if binary.LittleEndian.Uint32(data[offset+i:]) != guardMagicValue {
			return false
		}
	}

	return true
}

// Fill overwrites data[offset:offset+size] with value
func Fill(data []byte, offset, size int, value byte) {
	region := data[offset : offset+size]
	for i := range region {
		region[i] = value
	}
}
