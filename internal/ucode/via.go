package ucode

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const viaHeaderLen = 0x30

// VIAHeader is the 0x30-byte VIA (Centaur) microcode header. Dates are
// plain integers, not BCD.
type VIAHeader struct {
	Signature          [4]byte // RRAS
	UpdateRevision     uint32
	Year               uint16
	Day                uint8
	Month              uint8
	ProcessorSignature uint32
	Checksum           uint32 // OEM validation only
	LoaderRevision     uint32 // always 1
	CNRRevision        uint8  // 0 CNR001 A0, 1 CNR001 A1, FF none
	Reserved           [3]uint8
	DataSize           uint32
	TotalSize          uint32
	Name               [12]byte
}

// VIAMicrocode is a validated VIA candidate.
type VIAMicrocode struct {
	Header VIAHeader
	Offset int
	Data   []byte // declared region; shorter than Size when truncated
	Date   Date
	Size   int
	// SigName is the header name with the 0x7F control byte VIA uses as a
	// separator rendered as a full stop.
	SigName string
}

// Name encodes the identity key into the artifact name.
func (mc *VIAMicrocode) Name() string {
	return fmt.Sprintf("cpu%05X_ver%08X_sig[%s]_%s_%08X",
		mc.Header.ProcessorSignature, mc.Header.UpdateRevision, mc.SigName,
		mc.Date, mc.Header.Checksum)
}

type viaBadKey struct {
	date     string
	name     string
	checksum uint32
}

// viaKnownBad lists two releases whose checksum can never validate: one
// shipped with a typo in its name string and one checksummed over the
// wrong reserved filler. Membership bypasses the checksum verdict.
var viaKnownBad = map[viaBadKey]bool{
	{"2011-08-09", "06FA03BB0", 0x9B86F886}: true,
	{"2011-08-09", "06FE105A", 0x8F396F73}:  true,
}

// KnownBad reports whether this microcode is on the checksum allow list.
func (mc *VIAMicrocode) KnownBad() bool {
	return viaKnownBad[viaBadKey{mc.Date.String(), mc.SigName, mc.Header.Checksum}]
}

// ChecksumValid applies the dword-sum validation over the whole region,
// treating the allow-listed releases as valid.
func (mc *VIAMicrocode) ChecksumValid() bool {
	return Checksum32(mc.Data) == 0 || mc.KnownBad()
}

// Truncated reports whether the buffer ended before the declared size.
func (mc *VIAMicrocode) Truncated() bool {
	return len(mc.Data) < mc.Size
}

// ScanVIA finds and validates every VIA candidate in buf.
func ScanVIA(buf []byte) ([]*VIAMicrocode, []*Rejection, error) {
	offsets := patVIA.FindAll(buf)
	mcs := make([]*VIAMicrocode, 0, len(offsets))
	var rejects []*Rejection
	for _, off := range offsets {
		mc, rej, err := ValidateVIA(buf, off)
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

// ValidateVIA decodes and validates one candidate at off.
func ValidateVIA(buf []byte, off int) (*VIAMicrocode, *Rejection, error) {
	var hdr VIAHeader
	if err := readStruct(buf, off, binary.LittleEndian, &hdr); err != nil {
		return nil, nil, err
	}

	mc := &VIAMicrocode{
		Header:  hdr,
		Offset:  off,
		Date:    decDate(hdr.Year, hdr.Month, hdr.Day),
		Size:    int(hdr.TotalSize),
		SigName: viaSigName(hdr.Name),
	}
	if !mc.Date.Valid() {
		return nil, &Rejection{Reason: RejectInvalidDate, Offset: off, Detail: mc.Date.String()}, nil
	}

	end := off + mc.Size
	if end > len(buf) {
		end = len(buf)
	}
	mc.Data = buf[off:end]
	return mc, nil, nil
}

func viaSigName(raw [12]byte) string {
	name := strings.ReplaceAll(cString(raw[:]), "\x7F", ".")
	return strings.TrimSpace(name)
}
