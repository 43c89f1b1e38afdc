package ucode

import (
	"encoding/binary"
	"fmt"
)

const (
	fslHeaderLen = 0x7C
	fslEntryLen  = 0x78
)

// FSLHeader is the 0x7C-byte Freescale QE microcode container header.
// All Freescale structures are big-endian.
type FSLHeader struct {
	TotalSize     uint32  // entire file
	Signature     [3]byte // QEF
	HeaderVersion uint8   // 1
	Name          [62]byte
	IRAM          uint8 // 0 shared, 1 split
	CountMC       uint8
	Model         uint16
	Major         uint8
	Minor         uint8
	Reserved0     uint32
	ExtendedModes uint64
	VTraps        [8]uint32
	Reserved1     uint32
}

// FSLEntry describes one embedded microcode blob.
type FSLEntry struct {
	Name       [32]byte
	Traps      [16]uint32 // 0 ignore
	ECCR       uint32
	IRAMOffset uint32
	CodeLength uint32 // dwords
	CodeOffset uint32
	Major      uint8
	Minor      uint8
	Revision   uint8
	Reserved0  uint8
	Reserved1  uint32
}

// SigName returns the module name of one embedded blob.
func (e FSLEntry) SigName() string { return cString(e.Name[:]) }

// FSLMicrocode is a validated Freescale candidate.
type FSLMicrocode struct {
	Header  FSLHeader
	Entries []FSLEntry
	Offset  int
	Data    []byte // declared region; shorter than Size when truncated
	Size    int
	SigName string
	Model   string // zero-padded decimal SoC model
	// Checksum is the trailing big-endian CRC over everything before it.
	Checksum uint32
	// ReservedSum aggregates every reserved field that should be empty.
	ReservedSum uint64
}

// Name encodes the identity key into the artifact name.
func (mc *FSLMicrocode) Name() string {
	return fmt.Sprintf("soc%s_rev%d.%d_sig[%s]_%08X",
		mc.Model, mc.Header.Major, mc.Header.Minor, mc.SigName, mc.Checksum)
}

// ChecksumValid recomputes the trailing CRC over the region body.
func (mc *FSLMicrocode) ChecksumValid() bool {
	if len(mc.Data) < 4 {
		return false
	}
	return CRC32FSL(mc.Data[:len(mc.Data)-4]) == mc.Checksum
}

// Truncated reports whether the buffer ended before the declared size.
func (mc *FSLMicrocode) Truncated() bool {
	return len(mc.Data) < mc.Size
}

// ScanFSL finds and validates every Freescale candidate in buf.
func ScanFSL(buf []byte) ([]*FSLMicrocode, []*Rejection, error) {
	offsets := patFSL.FindAll(buf)
	mcs := make([]*FSLMicrocode, 0, len(offsets))
	var rejects []*Rejection
	for _, off := range offsets {
		mc, rej, err := ValidateFSL(buf, off)
		if err != nil {
			return mcs, rejects, err
		}
		if rej != nil {
			rejects = append(rejects, rej)
			continue
		}
		mcs = append(mcs, mc)
	}
	return mcs, rejects, nil
}

// ValidateFSL decodes one candidate at off, walking its per-module entry
// table and aggregating reserved fields.
func ValidateFSL(buf []byte, off int) (*FSLMicrocode, *Rejection, error) {
	var hdr FSLHeader
	if err := readStruct(buf, off, binary.BigEndian, &hdr); err != nil {
		return nil, nil, err
	}

	mc := &FSLMicrocode{
		Header:  hdr,
		Offset:  off,
		Size:    int(hdr.TotalSize),
		SigName: cString(hdr.Name[:]),
		Model:   fmt.Sprintf("%04d", hdr.Model),
	}
	mc.ReservedSum = uint64(hdr.Reserved0) + uint64(hdr.Reserved1)

	end := off + mc.Size
	if end > len(buf) {
		end = len(buf)
	}
	mc.Data = buf[off:end]
	if len(mc.Data) >= 4 {
		mc.Checksum = binary.BigEndian.Uint32(mc.Data[len(mc.Data)-4:])
	}

	entryOff := fslHeaderLen
	for i := 0; i < int(hdr.CountMC); i++ {
		var entry FSLEntry
		if err := readStruct(mc.Data, entryOff, binary.BigEndian, &entry); err != nil {
			return nil, nil, err
		}
		mc.ReservedSum += uint64(entry.Reserved0) + uint64(entry.Reserved1)
		mc.Entries = append(mc.Entries, entry)
		entryOff += fslEntryLen
	}
	return mc, nil, nil
}
