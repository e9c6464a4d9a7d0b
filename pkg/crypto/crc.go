package crypto

import (
	"encoding/binary"
	"hash/crc32"
)

// CRC32Size is the size of an encoded chunk receipt.
const CRC32Size = 4

// CRC32 computes the IEEE CRC32 of data. Devices acknowledge each
// firmware chunk with this checksum.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// EncodeCRC32 encodes a CRC32 value as 4 big-endian bytes, the form it
// takes in a ChunkReceived payload.
func EncodeCRC32(crc uint32) []byte {
	var b [CRC32Size]byte
	binary.BigEndian.PutUint32(b[:], crc)
	return b[:]
}

// DecodeCRC32 decodes a 4-byte big-endian chunk receipt.
// Returns false if the payload is not exactly 4 bytes.
func DecodeCRC32(payload []byte) (uint32, bool) {
	if len(payload) != CRC32Size {
		return 0, false
	}
	return binary.BigEndian.Uint32(payload), true
}
