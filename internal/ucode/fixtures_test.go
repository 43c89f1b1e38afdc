package ucode

import (
	"encoding/binary"
	"testing"
)

// Fixture builders shared by the vendor tests. Each builds a minimal but
// fully valid microcode image whose checksums verify.

func createTestIntel(t *testing.T) []byte {
	t.Helper()
	hdr := IntelHeader{
		HeaderVersion:      1,
		UpdateRevision:     0x1D,
		Year:               0x2019,
		Day:                0x15,
		Month:              0x06,
		ProcessorSignature: 0x306C3,
		LoaderRevision:     1,
		PlatformIDs:        0x32,
		DataSize:           0x7D0,
		TotalSize:          0x800,
	}
	buf := make([]byte, hdr.TotalSize)
	copy(buf, writeStruct(binary.LittleEndian, &hdr))
	fillPayload(buf[intelHeaderLen:])
	binary.LittleEndian.PutUint32(buf[0x10:], Checksum32(buf))
	return buf
}

// createTestIntelExtended builds an Intel image carrying one extended
// field whose checksum keeps a materialized image valid, the way real
// extended fields are computed.
func createTestIntelExtended(t *testing.T) ([]byte, IntelExtendedField) {
	t.Helper()
	const (
		dataSize  = 0x400
		totalSize = intelHeaderLen + dataSize + intelExtHeaderLen + intelExtFieldLen
		extOff    = intelHeaderLen + dataSize
		fieldOff  = extOff + intelExtHeaderLen
	)
	hdr := IntelHeader{
		HeaderVersion:      1,
		UpdateRevision:     0xA4,
		Year:               0x2020,
		Day:                0x27,
		Month:              0x05,
		ProcessorSignature: 0x406E3,
		LoaderRevision:     1,
		PlatformIDs:        0xC0,
		DataSize:           dataSize,
		TotalSize:          totalSize,
	}
	field := IntelExtendedField{
		ProcessorSignature: 0x506E3,
		PlatformIDs:        0x36,
	}

	buf := make([]byte, totalSize)
	copy(buf, writeStruct(binary.LittleEndian, &hdr))
	fillPayload(buf[intelHeaderLen:extOff])
	binary.LittleEndian.PutUint32(buf[extOff:], 1) // SignatureCount
	binary.LittleEndian.PutUint32(buf[fieldOff:], field.ProcessorSignature)
	binary.LittleEndian.PutUint32(buf[fieldOff+4:], field.PlatformIDs)

	// With all three checksum slots still zero, solve for values that
	// zero both the container sum and the extended region sum while
	// keeping a field-materialized image valid. Substituting the field
	// triple shifts the container sum by the dword deltas, so the field
	// checksum must absorb the CPUID and platform differences.
	base := sumDwords(buf)
	extBase := sumDwords(buf[extOff:totalSize])
	mainChk := extBase - base
	delta := hdr.ProcessorSignature + uint32(hdr.PlatformIDs) - field.ProcessorSignature - field.PlatformIDs
	field.Checksum = mainChk + delta
	extChk := -extBase - field.Checksum

	binary.LittleEndian.PutUint32(buf[0x10:], mainChk)
	binary.LittleEndian.PutUint32(buf[extOff+4:], extChk)
	binary.LittleEndian.PutUint32(buf[fieldOff+8:], field.Checksum)
	return buf, field
}

func createTestAMD(t *testing.T) []byte {
	t.Helper()
	hdr := AMDHeader{
		Year:               0x2014,
		Day:                0x10,
		Month:              0x05,
		UpdateRevision:     0x6000822,
		LoaderID:           0x8000,
		ProcessorSignature: 0x6810, // family 68, 0x980 bytes
	}
	buf := make([]byte, 0x980)
	copy(buf, writeStruct(binary.LittleEndian, &hdr))
	fillPayload(buf[amdHeaderLen:])
	binary.LittleEndian.PutUint32(buf[0x0C:], sumDwords(buf[amdBodyOffset:]))
	return buf
}

func createTestVIA(t *testing.T) []byte {
	t.Helper()
	hdr := VIAHeader{
		Signature:          [4]byte{'R', 'R', 'A', 'S'},
		UpdateRevision:     0x0C,
		Year:               2011,
		Day:                9,
		Month:              8,
		ProcessorSignature: 0x6FE1,
		LoaderRevision:     1,
		CNRRevision:        0xFF,
		Reserved:           [3]uint8{0xFF, 0xFF, 0xFF},
		DataSize:           0x3D0,
		TotalSize:          0x400,
	}
	copy(hdr.Name[:], "06FA003BB")
	buf := make([]byte, hdr.TotalSize)
	copy(buf, writeStruct(binary.LittleEndian, &hdr))
	fillPayload(buf[viaHeaderLen:])
	binary.LittleEndian.PutUint32(buf[0x10:], Checksum32(buf))
	return buf
}

func createTestFSL(t *testing.T) []byte {
	t.Helper()
	const (
		codeLen   = 0x40
		totalSize = fslHeaderLen + fslEntryLen + codeLen + 4
	)
	hdr := FSLHeader{
		TotalSize:     totalSize,
		Signature:     [3]byte{'Q', 'E', 'F'},
		HeaderVersion: 1,
		CountMC:       1,
		Model:         8569,
		Major:         1,
		Minor:         0,
	}
	copy(hdr.Name[:], "Microcode Package")
	entry := FSLEntry{
		ECCR:       0x1180000,
		CodeLength: codeLen / 4,
		CodeOffset: fslHeaderLen + fslEntryLen,
		Major:      1,
	}
	copy(entry.Name[:], "I-RAM")

	buf := make([]byte, totalSize)
	copy(buf, writeStruct(binary.BigEndian, &hdr))
	copy(buf[fslHeaderLen:], writeStruct(binary.BigEndian, &entry))
	fillPayload(buf[fslHeaderLen+fslEntryLen : totalSize-4])
	binary.BigEndian.PutUint32(buf[totalSize-4:], CRC32FSL(buf[:totalSize-4]))
	return buf
}

// fillPayload writes a deterministic non-zero byte pattern.
func fillPayload(b []byte) {
	for i := range b {
		b[i] = byte(i%251) | 1
	}
}

// embedAt places a microcode image inside a larger buffer of filler.
func embedAt(outer []byte, image []byte, off int) []byte {
	copy(outer[off:], image)
	return outer
}
