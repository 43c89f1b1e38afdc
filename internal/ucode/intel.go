package ucode

import (
	"encoding/binary"
	"fmt"
)

const (
	intelHeaderLen    = 0x30
	intelExtHeaderLen = 0x14
	intelExtFieldLen  = 0x0C

	// Pre-2000 microcodes declare no sizes; these are the fixed values
	// the loader assumes for them.
	intelDefaultTotalSize = 0x800
	intelDefaultDataSize  = 0x7D0
)

// IntelHeader is the 0x30-byte Intel microcode main header.
type IntelHeader struct {
	HeaderVersion      uint32
	UpdateRevision     uint32 // signed interpretation distinguishes PRD/PRE
	Year               uint16 // packed BCD
	Day                uint8
	Month              uint8
	ProcessorSignature uint32
	Checksum           uint32 // OEM validation only
	LoaderRevision     uint32
	PlatformIDs        uint8
	Reserved0          [3]uint8
	DataSize           uint32 // extra + patch
	TotalSize          uint32 // header + extra + patch + extended
	Reserved1          [3]uint32
}

// intelExtraFixed is the fixed 0x80-byte leading part of the optional
// "extra" header carrying RSA metadata. Two revisions follow it, differing
// only in RSA key width.
type intelExtraFixed struct {
	ModuleType              uint16
	ModuleSubType           uint16
	ModuleSize              uint32 // dwords
	Flags                   uint16 // bit 0: RSA signed, bits 1-7 reserved
	RSAKeySize              uint16 // KiB multiple
	UpdateRevision          uint32
	VCN                     uint32
	MultiPurpose1           uint32
	Day                     uint8
	Month                   uint8
	Year                    uint16
	UpdateSize              uint32 // dwords
	ProcessorSignatureCount uint32
	ProcessorSignatures     [8]uint32
	MultiPurpose2           uint32
	SVN                     uint32
	Unknown                 [13]uint32
}

// IntelExtra is a decoded extra header of either revision.
type IntelExtra struct {
	intelExtraFixed
	RSAKeyLen    int // bytes: 0x100 (2048-bit, rev 1) or 0x180 (3072-bit, rev 2)
	RSAExponent  uint32
	RSAPublicKey []byte
	RSASignature []byte
}

// RSASigned reports the signature flag bit.
func (e *IntelExtra) RSASigned() bool { return e.Flags&1 == 1 }

// reservedFlags returns the value of the reserved flag bits 1-7.
func (e *IntelExtra) reservedFlags() uint16 { return e.Flags >> 1 & 0x7F }

// HasCPUID reports whether the given CPUID appears in the extra header's
// signature slots.
func (e *IntelExtra) HasCPUID(cpuid uint32) bool {
	for _, sig := range e.ProcessorSignatures {
		if sig == cpuid {
			return true
		}
	}
	return false
}

// IntelExtendedHeader introduces the optional trailing list of alternate
// CPUID/platform/checksum triples.
type IntelExtendedHeader struct {
	SignatureCount uint32
	Checksum       uint32
	Reserved       [3]uint32
}

// IntelExtendedField is one alternate signature entry. Substituting its
// three values into a copy of the main header yields a standalone logical
// microcode for the alternate CPUID.
type IntelExtendedField struct {
	ProcessorSignature uint32
	PlatformIDs        uint32
	Checksum           uint32
}

// IntelExtended is the decoded trailing extended header block.
type IntelExtended struct {
	Header IntelExtendedHeader
	Fields []IntelExtendedField
	Region []byte // raw header+fields bytes, the checksummed area
}

// Fingerprint is the Adler-32 catalog identity of the extended region.
func (x *IntelExtended) Fingerprint() uint32 { return Fingerprint(x.Region) }

// IntelMicrocode is a validated Intel candidate.
type IntelMicrocode struct {
	Header   IntelHeader
	Extra    *IntelExtra
	Extended *IntelExtended
	Offset   int
	Data     []byte // declared region; shorter than Size when truncated
	Date     Date
	Size     int
	DataSize int
	Release  Release

	// ReservedSum aggregates every reserved field that should be empty.
	ReservedSum uint64
	// CPUIDMismatch is set when the main or an extended-field CPUID is
	// absent from the extra header's signature slots.
	CPUIDMismatch bool
	// RevisionMismatch is set when main and extra header revisions
	// disagree outside the known-bad allow list.
	RevisionMismatch bool
	// Synthetic marks a microcode materialized from an extended field.
	Synthetic bool
}

// CPUID returns the main header processor signature.
func (mc *IntelMicrocode) CPUID() uint32 { return mc.Header.ProcessorSignature }

// Name encodes the full identity key into the artifact name.
func (mc *IntelMicrocode) Name() string {
	return fmt.Sprintf("cpu%05X_plat%02X_ver%08X_%s_%s_%08X",
		mc.Header.ProcessorSignature, mc.Header.PlatformIDs, mc.Header.UpdateRevision,
		mc.Date, mc.Release, mc.Header.Checksum)
}

// KnownBad reports whether this microcode is on the historical allow list
// of corrupted-but-legitimate releases.
func (mc *IntelMicrocode) KnownBad() bool {
	return intelKnownBad[intelBadKey{mc.Header.ProcessorSignature, mc.Header.UpdateRevision, mc.Date.String()}]
}

type intelBadKey struct {
	cpuid    uint32
	revision uint32
	date     string
}

// intelKnownBad lists microcodes whose checksum or header revision was
// altered after release (third-party "fixes" and OEM edits). Fixed data,
// reproduced verbatim; membership bypasses the corresponding check.
var intelKnownBad = map[intelBadKey]bool{
	{0x306C3, 0x99, "2013-01-21"}: true,
	{0x506E3, 0xFF, "2016-01-05"}: true,
	{0x90672, 0xFF, "2021-11-11"}: true,
	{0x90675, 0xFF, "2021-11-11"}: true,
}

// Extra header detection markers at offset 0x30: module type/subtype zero
// followed by the revision-specific module size in dwords.
var (
	intelExtraMarkerR1 = []byte{0x00, 0x00, 0x00, 0x00, 0xA1, 0x00, 0x00, 0x00}
	intelExtraMarkerR2 = []byte{0x00, 0x00, 0x00, 0x00, 0xE0, 0x00, 0x00, 0x00}
)

// ScanIntel finds and validates every Intel candidate in buf.
func ScanIntel(buf []byte) ([]*IntelMicrocode, []*Rejection, error) {
	offsets := patIntel.FindAll(buf)
	mcs := make([]*IntelMicrocode, 0, len(offsets))
	var rejects []*Rejection
	for _, off := range offsets {
		mc, rej, err := ValidateIntel(buf, off, false)
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

// ValidateIntel decodes and validates one candidate at off. A nil
// *Rejection with a nil error means the candidate is a structurally
// plausible microcode; integrity (checksum) is judged by the caller so
// corrupted microcodes can still be extracted for inspection.
func ValidateIntel(buf []byte, off int, synthetic bool) (*IntelMicrocode, *Rejection, error) {
	var hdr IntelHeader
	if err := readStruct(buf, off, binary.LittleEndian, &hdr); err != nil {
		return nil, nil, err
	}

	mc := &IntelMicrocode{
		Header:    hdr,
		Offset:    off,
		Date:      bcdDate(hdr.Year, hdr.Month, hdr.Day),
		Release:   ReleaseOf(hdr.UpdateRevision),
		Synthetic: synthetic,
	}
	if !mc.Date.Valid() {
		return nil, &Rejection{Reason: RejectInvalidDate, Offset: off, Detail: mc.Date.String()}, nil
	}

	mc.Size = int(hdr.TotalSize)
	if mc.Size == 0 {
		mc.Size = intelDefaultTotalSize
	}
	mc.DataSize = int(hdr.DataSize)
	if mc.DataSize == 0 {
		mc.DataSize = intelDefaultDataSize
	}

	end := off + mc.Size
	if end > len(buf) {
		end = len(buf)
	}
	mc.Data = buf[off:end]

	if err := parseIntelExtra(mc); err != nil {
		return nil, nil, err
	}
	if !synthetic {
		if err := parseIntelExtended(mc); err != nil {
			return nil, nil, err
		}
	}
	return mc, nil, nil
}

// parseIntelExtra decodes the optional RSA metadata block following the
// main header and cross-validates it against the main header.
func parseIntelExtra(mc *IntelMicrocode) error {
	if len(mc.Data) < 0x38 {
		return nil
	}
	marker := mc.Data[0x30:0x38]
	var keyLen int
	switch {
	case equalBytes(marker, intelExtraMarkerR1):
		keyLen = 0x100
	case equalBytes(marker, intelExtraMarkerR2):
		keyLen = 0x180
	default:
		return nil
	}

	extra := &IntelExtra{RSAKeyLen: keyLen}
	if err := readStruct(mc.Data, 0x30, binary.LittleEndian, &extra.intelExtraFixed); err != nil {
		return err
	}

	rsaOff := 0x30 + 0x80
	if keyLen == 0x100 {
		// Revision 1: 2048-bit key, explicit exponent dword between key
		// and signature.
		if err := sliceInto(mc.Data, rsaOff, keyLen, &extra.RSAPublicKey); err != nil {
			return err
		}
		if rsaOff+keyLen+4 > len(mc.Data) {
			return fmt.Errorf("%w: RSA exponent at 0x%X", ErrTruncated, rsaOff+keyLen)
		}
		extra.RSAExponent = binary.LittleEndian.Uint32(mc.Data[rsaOff+keyLen:])
		if err := sliceInto(mc.Data, rsaOff+keyLen+4, keyLen, &extra.RSASignature); err != nil {
			return err
		}
	} else {
		// Revision 2: 3072-bit key, fixed exponent 65537.
		extra.RSAExponent = 0x10001
		if err := sliceInto(mc.Data, rsaOff, keyLen, &extra.RSAPublicKey); err != nil {
			return err
		}
		if err := sliceInto(mc.Data, rsaOff+keyLen, keyLen, &extra.RSASignature); err != nil {
			return err
		}
	}

	mc.Extra = extra
	mc.ReservedSum += uint64(extra.reservedFlags())

	// Containers with CPUID 0 are wildcards and skip the membership check.
	if cpuid := mc.Header.ProcessorSignature; cpuid != 0 && !extra.HasCPUID(cpuid) {
		mc.CPUIDMismatch = true
	}
	if mc.Header.UpdateRevision != extra.UpdateRevision && !mc.KnownBad() {
		mc.RevisionMismatch = true
	}
	// The RSA signature itself is not verifiable: the hash input includes
	// the decrypted patch body, which is not public.
	return nil
}

// parseIntelExtended decodes the optional trailing alternate-signature
// list, present when the total size exceeds header plus data size.
func parseIntelExtended(mc *IntelMicrocode) error {
	if mc.Size <= mc.DataSize+intelHeaderLen {
		return nil
	}
	extOff := intelHeaderLen + mc.DataSize

	ext := &IntelExtended{}
	if err := readStruct(mc.Data, extOff, binary.LittleEndian, &ext.Header); err != nil {
		return err
	}
	for _, r := range ext.Header.Reserved {
		mc.ReservedSum += uint64(r)
	}

	count := int(ext.Header.SignatureCount)
	regionLen := intelExtHeaderLen + count*intelExtFieldLen
	if extOff+regionLen > len(mc.Data) {
		return fmt.Errorf("%w: extended header fields at 0x%X", ErrTruncated, extOff)
	}
	ext.Region = mc.Data[extOff : extOff+regionLen]

	fieldOff := extOff + intelExtHeaderLen
	for i := 0; i < count; i++ {
		var field IntelExtendedField
		if err := readStruct(mc.Data, fieldOff, binary.LittleEndian, &field); err != nil {
			return err
		}
		if mc.Extra != nil && !mc.Extra.HasCPUID(field.ProcessorSignature) {
			mc.CPUIDMismatch = true
		}
		ext.Fields = append(ext.Fields, field)
		fieldOff += intelExtFieldLen
	}

	mc.Extended = ext
	return nil
}

// Materialize builds a standalone microcode image for one extended field
// by substituting its CPUID, checksum and platform IDs into a copy of the
// container bytes. The result re-enters the pipeline as a synthetic
// candidate; payload bytes are untouched.
func (mc *IntelMicrocode) Materialize(field IntelExtendedField) []byte {
	data := make([]byte, len(mc.Data))
	copy(data, mc.Data)
	binary.LittleEndian.PutUint32(data[0x0C:], field.ProcessorSignature)
	binary.LittleEndian.PutUint32(data[0x10:], field.Checksum)
	binary.LittleEndian.PutUint32(data[0x18:], field.PlatformIDs)
	return data
}

// ChecksumValid applies the loader's dword-sum validation over the whole
// declared region.
func (mc *IntelMicrocode) ChecksumValid() bool {
	return Checksum32(mc.Data) == 0
}

// ExtendedChecksumValid validates the extended region's own dword sum.
// Vacuously true when no extended header is present.
func (mc *IntelMicrocode) ExtendedChecksumValid() bool {
	return mc.Extended == nil || Checksum32(mc.Extended.Region) == 0
}

// Truncated reports whether the buffer ended before the declared size.
func (mc *IntelMicrocode) Truncated() bool {
	return len(mc.Data) < mc.Size
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sliceInto copies a bounded region out of data, failing on truncation.
func sliceInto(data []byte, off, n int, dst *[]byte) error {
	if off+n > len(data) {
		return fmt.Errorf("%w: 0x%X bytes at 0x%X", ErrTruncated, n, off)
	}
	*dst = append([]byte(nil), data[off:off+n]...)
	return nil
}
