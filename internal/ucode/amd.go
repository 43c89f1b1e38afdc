package ucode

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const amdHeaderLen = 0x20

// AMDHeader is the 0x20-byte AMD microcode patch header.
type AMDHeader struct {
	Year              uint16 // packed BCD
	Day               uint8
	Month             uint8
	UpdateRevision    uint32
	LoaderID          uint16
	DataSize          uint8 // 0x00, 0x10 or 0x20
	InitializationFlag uint8
	DataChecksum      uint32 // OEM validation only
	NorthBridgeVENID  uint16 // 0x0000 or 0x1022
	NorthBridgeDEVID  uint16
	SouthBridgeVENID  uint16 // 0x0000 or 0x1022
	SouthBridgeDEVID  uint16
	ProcessorSignature uint16
	NorthBridgeREVID  uint8
	SouthBridgeREVID  uint8
	BiosApiREVID      uint8
	Reserved          [3]uint8 // 000000 or AAAAAA
}

// AMDMicrocode is a validated AMD candidate.
type AMDMicrocode struct {
	Header  AMDHeader
	Offset  int
	Data    []byte // declared region; shorter than Size when truncated
	Date    Date
	Size    int
	CPUID   string // expanded 8-digit form
	NBID    string // north bridge DEV+VEN composite
	SBID    string // south bridge DEV+VEN composite
	NBSBRev string // bridge revision composite
}

// amdVendorID is the PCI vendor ID the bridge fields carry when populated.
const amdVendorID = 0x1022

// amdSizeByFamily maps the family byte of the expanded CPUID to the fixed
// patch size of that generation, for headers that declare no data size.
var amdSizeByFamily = map[string]int{
	"50": 0x620,
	"58": 0x567,
	"60": 0xA20, "61": 0xA20, "63": 0xA20, "66": 0xA20, "67": 0xA20,
	"68": 0x980, "69": 0x980,
	"70": 0xD60, "73": 0xD60,
	"80": 0xC80, "81": 0xC80, "82": 0xC80, "83": 0xC80, "85": 0xC80, "86": 0xC80, "87": 0xC80,
	"8A": 0xD80,
	"A0": 0x15C0, "A1": 0x15C0, "A2": 0x15C0, "A3": 0x15C0, "A4": 0x15C0, "A5": 0x15C0, "A6": 0x15C0, "AA": 0x15C0,
}

// amdCPUID expands the 16-bit header signature to the canonical 8-digit
// CPUID string; the header omits the constant 0F family marker.
func amdCPUID(sig uint16) string {
	s := fmt.Sprintf("%04X", sig)
	return "00" + s[:2] + "0F" + s[2:]
}

// Family returns the family byte of the expanded CPUID.
func (mc *AMDMicrocode) Family() string { return mc.CPUID[2:4] }

// Name encodes the identity key plus the extraction fingerprint.
func (mc *AMDMicrocode) Name() string {
	return fmt.Sprintf("cpu%s_ver%08X_%s_%08X",
		mc.CPUID, mc.Header.UpdateRevision, mc.Date, Fingerprint(mc.Data))
}

// BodyChecksumApplies reports whether the declared data checksum is
// meaningful for this microcode. Recent families stopped populating the
// field, leaving stale or zero values that must not fail validation.
func (mc *AMDMicrocode) BodyChecksumApplies() bool {
	if mc.Header.DataChecksum == 0 {
		return false
	}
	return strings.Compare(mc.Family(), "70") < 0
}

// ChecksumValid applies the body dword-sum validation when it applies.
func (mc *AMDMicrocode) ChecksumValid() bool {
	if !mc.BodyChecksumApplies() {
		return true
	}
	return AMDBodyValid(mc.Data, mc.Header.DataChecksum)
}

// Truncated reports whether the buffer ended before the declared size.
func (mc *AMDMicrocode) Truncated() bool {
	return len(mc.Data) < mc.Size
}

// ScanAMD finds and validates every AMD candidate in buf.
func ScanAMD(buf []byte) ([]*AMDMicrocode, []*Rejection, error) {
	offsets := patAMD.FindAll(buf)
	mcs := make([]*AMDMicrocode, 0, len(offsets))
	var rejects []*Rejection
	for _, off := range offsets {
		mc, rej, err := ValidateAMD(buf, off)
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

// ValidateAMD decodes and validates one candidate at off.
func ValidateAMD(buf []byte, off int) (*AMDMicrocode, *Rejection, error) {
	var hdr AMDHeader
	if err := readStruct(buf, off, binary.LittleEndian, &hdr); err != nil {
		return nil, nil, err
	}

	mc := &AMDMicrocode{
		Header:  hdr,
		Offset:  off,
		Date:    bcdDate(hdr.Year, hdr.Month, hdr.Day),
		CPUID:   amdCPUID(hdr.ProcessorSignature),
		NBID:    fmt.Sprintf("%04X%04X", hdr.NorthBridgeDEVID, hdr.NorthBridgeVENID),
		SBID:    fmt.Sprintf("%04X%04X", hdr.SouthBridgeDEVID, hdr.SouthBridgeVENID),
		NBSBRev: fmt.Sprintf("%02X%02X", hdr.NorthBridgeREVID, hdr.SouthBridgeREVID),
	}
	amdDateFixups(mc)

	if !mc.Date.Valid() || mc.Date.Year > "2025" {
		// A single release shipped with a thirteenth month; let it pass.
		if !(mc.Date.String() == "2011-13-09" && hdr.UpdateRevision == 0x3000027) {
			return nil, &Rejection{Reason: RejectInvalidDate, Offset: off, Detail: mc.Date.String()}, nil
		}
	}

	// Real patches always carry payload right after the header region.
	if off+0x44 <= len(buf) && isAllZero(buf[off+0x40:off+0x44]) {
		return nil, &Rejection{Reason: RejectNullData, Offset: off, Detail: "0x40"}, nil
	}

	size, ok := amdSize(&hdr, mc.Family())
	if !ok {
		return nil, &Rejection{Reason: RejectUnknownSize, Offset: off, Detail: mc.CPUID}, nil
	}
	mc.Size = size

	end := off + size
	if end > len(buf) {
		end = len(buf)
	}
	mc.Data = buf[off:end]
	return mc, nil, nil
}

// amdSize resolves the patch size from the declared data size when set,
// otherwise from the fixed per-family table.
func amdSize(hdr *AMDHeader, family string) (int, bool) {
	switch hdr.DataSize {
	case 0x20:
		return 0x3C0, true
	case 0x10:
		return 0x200, true
	}
	size, ok := amdSizeByFamily[family]
	return size, ok
}

// amdDateFixups corrects the two releases AMD shipped with scrambled
// dates: a Zen patch stamped January 2016 instead of 2017, and a Fam 15h
// patch with month and day swapped.
func amdDateFixups(mc *AMDMicrocode) {
	if mc.CPUID == "00800F11" && mc.Header.UpdateRevision == 0x8001105 && mc.Date.Year == "2016" {
		mc.Date.Year = "2017"
	}
	if mc.CPUID == "00730F01" && mc.Header.UpdateRevision == 0x7030106 && mc.Date.Month == "09" && mc.Date.Day == "02" {
		mc.Date.Month, mc.Date.Day = "02", "09"
	}
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
