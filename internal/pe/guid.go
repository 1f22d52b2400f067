package pe

import (
	"strings"

	"github.com/google/uuid"
)

// EncodeGUID converts the 16 raw GUID bytes as stored by the linker into the
// 32-character uppercase hex string used by symbol server paths.
//
// The linker stores the first three GUID fields little-endian, so the bytes
// are reordered into canonical form before encoding: the first four bytes
// reversed, then two two-byte groups reversed, then the remaining eight
// bytes as-is. Total function: every input has exactly one output.
func EncodeGUID(raw [16]byte) string {
	ordered := [16]byte{
		raw[3], raw[2], raw[1], raw[0],
		raw[5], raw[4],
		raw[7], raw[6],
		raw[8], raw[9], raw[10], raw[11],
		raw[12], raw[13], raw[14], raw[15],
	}

	// FromBytes only fails for slices that are not 16 bytes long.
	u, _ := uuid.FromBytes(ordered[:])
	return strings.ToUpper(strings.ReplaceAll(u.String(), "-", ""))
}
