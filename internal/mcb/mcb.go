// Package mcb implements the Microcode Blob container, a flat archive of
// extracted microcodes with a fixed-size lookup table for fast retrieval
// of a single payload without rescanning inputs.
package mcb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/platomav/MCExtractor/internal/ucode"
)

const (
	headerLen = 0x10
	entryLen  = 0x20

	headerRev = 2
)

var (
	tag      = [4]byte{'$', 'M', 'C', 'B'}
	reserved = [2]byte{'$', '$'}

	// ErrInvalid means the file is not a blob at all; ErrCorrupted means
	// a well-formed blob whose CRC does not verify.
	ErrInvalid   = errors.New("not a microcode blob")
	ErrCorrupted = errors.New("microcode blob checksum mismatch")
	ErrNotFound  = errors.New("microcode not within blob")
)

// Header is the 0x10-byte blob header. The CRC covers the header up to
// its own checksum field plus everything after the header.
type Header struct {
	Tag        [4]byte
	MCCount    uint16
	CatalogRev uint16
	HeaderRev  uint8
	MCVendor   uint8 // 0 Intel, 1 AMD
	Reserved   [2]byte
	Checksum   uint32
}

// Entry is one 0x20-byte lookup table row. Platform is zero for AMD;
// Checksum carries the vendor header checksum for Intel and the Adler-32
// fingerprint for AMD.
type Entry struct {
	CPUID    uint32
	Platform uint32
	Revision uint32
	Year     uint16 // packed BCD
	Month    uint8
	Day      uint8
	Offset   uint32
	Size     uint32
	Checksum uint32
	Reserved uint32
}

// DateKey returns the sortable YYYYMMDD form of the entry date.
func (e Entry) DateKey() string {
	return fmt.Sprintf("%04X%02X%02X", e.Year, e.Month, e.Day)
}

// Release returns the release channel of the entry revision.
func (e Entry) Release() ucode.Release {
	return ucode.ReleaseOf(e.Revision)
}

// Item pairs a lookup entry with its payload for building. Entry offsets
// are assigned by Build.
type Item struct {
	Entry Entry
	Data  []byte
}

// Build assembles a blob for one vendor. Payloads are laid out in item
// order directly after the lookup table.
func Build(vendor ucode.Vendor, catalogRev uint16, items []Item) ([]byte, error) {
	ven, err := vendorCode(vendor)
	if err != nil {
		return nil, err
	}

	var lut, data bytes.Buffer
	offset := uint32(headerLen + len(items)*entryLen)
	for _, item := range items {
		entry := item.Entry
		entry.Offset = offset
		entry.Size = uint32(len(item.Data))
		_ = binary.Write(&lut, binary.LittleEndian, &entry)
		data.Write(item.Data)
		offset += entry.Size
	}

	hdr := Header{
		Tag:        tag,
		MCCount:    uint16(len(items)),
		CatalogRev: catalogRev,
		HeaderRev:  headerRev,
		MCVendor:   ven,
		Reserved:   reserved,
	}
	var hdrBuf bytes.Buffer
	_ = binary.Write(&hdrBuf, binary.LittleEndian, &hdr)

	blob := hdrBuf.Bytes()
	blob = append(blob, lut.Bytes()...)
	blob = append(blob, data.Bytes()...)
	binary.LittleEndian.PutUint32(blob[0xC:], checksum(blob))
	return blob, nil
}

// Blob is a parsed, CRC-verified microcode blob.
type Blob struct {
	Header  Header
	Entries []Entry
	data    []byte
}

// Parse validates the container identity and CRC and decodes the lookup
// table.
func Parse(data []byte) (*Blob, error) {
	if len(data) < headerLen {
		return nil, ErrInvalid
	}
	var hdr Header
	_ = binary.Read(bytes.NewReader(data[:headerLen]), binary.LittleEndian, &hdr)
	if hdr.Tag != tag || hdr.HeaderRev != headerRev || hdr.Reserved != reserved {
		return nil, ErrInvalid
	}
	if checksum(data) != hdr.Checksum {
		return nil, ErrCorrupted
	}

	count := int(hdr.MCCount)
	if headerLen+count*entryLen > len(data) {
		return nil, ErrInvalid
	}
	entries := make([]Entry, count)
	lut := bytes.NewReader(data[headerLen : headerLen+count*entryLen])
	for i := range entries {
		_ = binary.Read(lut, binary.LittleEndian, &entries[i])
	}
	return &Blob{Header: hdr, Entries: entries, data: data}, nil
}

// Vendor returns the blob's vendor.
func (b *Blob) Vendor() ucode.Vendor {
	if b.Header.MCVendor == 1 {
		return ucode.VendorAMD
	}
	return ucode.VendorIntel
}

// Payload returns the microcode bytes of one entry.
func (b *Blob) Payload(e Entry) ([]byte, error) {
	end := int(e.Offset) + int(e.Size)
	if int(e.Offset) > len(b.data) || end > len(b.data) {
		return nil, fmt.Errorf("%w: entry exceeds blob", ErrInvalid)
	}
	return b.data[e.Offset:end], nil
}

// FindIntel locates the entry matching an Intel identity: CPUID,
// platform mask, revision and release channel must agree; the date
// narrows the match only when the reference carries one.
func (b *Blob) FindIntel(ref ucode.IntelRef) (Entry, error) {
	if b.Header.MCVendor != 0 {
		return Entry{}, ErrNotFound
	}
	for _, e := range b.Entries {
		if e.CPUID == ref.CPUID && e.Platform == ref.Platform && e.Revision == ref.Version &&
			(ref.DateKey == "" || e.DateKey() == ref.DateKey) && e.Release() == ref.Release() {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// FindAMD locates the entry matching an AMD identity: CPUID and
// revision, narrowed by date when the reference carries one.
func (b *Blob) FindAMD(ref ucode.AMDRef) (Entry, error) {
	if b.Header.MCVendor != 1 {
		return Entry{}, ErrNotFound
	}
	var cpuid uint32
	if _, err := fmt.Sscanf(ref.CPUID, "%08X", &cpuid); err != nil {
		return Entry{}, fmt.Errorf("bad CPUID %q: %w", ref.CPUID, err)
	}
	for _, e := range b.Entries {
		if e.CPUID == cpuid && e.Revision == ref.Version &&
			(ref.DateKey == "" || e.DateKey() == ref.DateKey) {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// FindLatestIntel returns the newest entry for a CPUID and platform
// mask, by date then revision. This is the fast-path lookup the blob
// exists for: no catalog and no rescan, just the table.
func (b *Blob) FindLatestIntel(cpuid, platform uint32) (Entry, error) {
	if b.Header.MCVendor != 0 {
		return Entry{}, ErrNotFound
	}
	var best Entry
	found := false
	for _, e := range b.Entries {
		if e.CPUID != cpuid || e.Platform != platform {
			continue
		}
		if !found || e.DateKey() > best.DateKey() ||
			(e.DateKey() == best.DateKey() && e.Revision > best.Revision) {
			best = e
			found = true
		}
	}
	if !found {
		return Entry{}, ErrNotFound
	}
	return best, nil
}

// FindLatestAMD returns the newest entry for an AMD CPUID, by date then
// revision.
func (b *Blob) FindLatestAMD(cpuidHex string) (Entry, error) {
	if b.Header.MCVendor != 1 {
		return Entry{}, ErrNotFound
	}
	var cpuid uint32
	if _, err := fmt.Sscanf(cpuidHex, "%08X", &cpuid); err != nil {
		return Entry{}, fmt.Errorf("bad CPUID %q: %w", cpuidHex, err)
	}
	var best Entry
	found := false
	for _, e := range b.Entries {
		if e.CPUID != cpuid {
			continue
		}
		if !found || e.DateKey() > best.DateKey() ||
			(e.DateKey() == best.DateKey() && e.Revision > best.Revision) {
			best = e
			found = true
		}
	}
	if !found {
		return Entry{}, ErrNotFound
	}
	return best, nil
}

func vendorCode(v ucode.Vendor) (uint8, error) {
	switch v {
	case ucode.VendorIntel:
		return 0, nil
	case ucode.VendorAMD:
		return 1, nil
	default:
		return 0, fmt.Errorf("vendor %s cannot be packed into a blob", v)
	}
}

// checksum computes the blob CRC: the header through its checksum field's
// offset, then everything past the header.
func checksum(blob []byte) uint32 {
	crc := crc32.ChecksumIEEE(blob[:0xC])
	return crc32.Update(crc, crc32.IEEETable, blob[headerLen:])
}
