package ucode

import (
	"encoding/binary"
	"hash/adler32"
	"hash/crc32"
)

// Checksum32 is the historical Intel microcode validation sum, also used by
// VIA and for the Intel extended header block: the two's complement of the
// unsigned 32-bit sum of all little-endian dwords in the region. A region
// whose own checksum field is included validates when the result is zero.
// A trailing partial dword is summed zero-extended.
func Checksum32(data []byte) uint32 {
	var sum uint32
	for i := 0; i < len(data); i += 4 {
		if i+4 <= len(data) {
			sum += binary.LittleEndian.Uint32(data[i : i+4])
			continue
		}
		var tail [4]byte
		copy(tail[:], data[i:])
		sum += binary.LittleEndian.Uint32(tail[:])
	}
	return -sum
}

// sumDwords is the raw dword sum Checksum32 negates.
func sumDwords(data []byte) uint32 {
	return -Checksum32(data)
}

// amdBodyOffset is where the checksummed AMD payload begins. The header's
// declared checksum covers the region from here to the end of the patch.
const amdBodyOffset = 0x40

// AMDBodyValid checks the AMD data checksum: the dword sum of the payload
// past the header region must equal the declared checksum. Only meaningful
// on families that still populate the field; callers gate on that.
func AMDBodyValid(data []byte, declared uint32) bool {
	if len(data) <= amdBodyOffset {
		return false
	}
	return sumDwords(data[amdBodyOffset:]) == declared
}

// Fingerprint is the Adler-32 catalog fingerprint of an extracted region.
// It identifies byte-identical extractions across runs and is not a vendor
// integrity check.
func Fingerprint(data []byte) uint32 {
	return adler32.Checksum(data)
}

// CRC32FSL computes the Freescale per-module CRC: reflected CRC-32 with
// all-ones initial state and all-ones final XOR, over every byte before
// the trailing big-endian checksum field.
func CRC32FSL(data []byte) uint32 {
	return crc32.Update(0xFFFFFFFF, crc32.IEEETable, data) ^ 0xFFFFFFFF
}
