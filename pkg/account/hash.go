package account

import (
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
)

// ChecksumSize is the length of a CRC-32 checksum in bytes
const ChecksumSize = 4

// HashSize is the length of a SHA-224 digest in bytes
const HashSize = sha256.Size224

// Sha224 returns the SHA-224 digest of data
func Sha224(data []byte) [HashSize]byte {
	return sha256.Sum224(data)
}

// Checksum returns the reflected CRC-32 (polynomial 0xEDB88320, the zlib/PNG table)
// of data, most significant byte first.
func Checksum(data []byte) [ChecksumSize]byte {
	var out [ChecksumSize]byte
	binary.BigEndian.PutUint32(out[:], crc32.ChecksumIEEE(data))
	return out
}

// VerifyChecksum reports whether sum is the checksum of data
func VerifyChecksum(data []byte, sum []byte) bool {
	if len(sum) != ChecksumSize {
		return false
	}
	return binary.BigEndian.Uint32(sum) == crc32.ChecksumIEEE(data)
}
