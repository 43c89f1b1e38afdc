package catalog

import (
	"fmt"

	"github.com/platomav/MCExtractor/internal/ucode"
)

// Records mirror the four vendor tables of the published microcode
// catalog. All numeric fields are stored as fixed-width upper-case hex
// strings so keys and values sort and compare textually.

// IntelRecord is one cataloged Intel microcode revision.
type IntelRecord struct {
	CPUID          string `json:"cpuid"`
	Platform       string `json:"platform"`
	Version        string `json:"version"`
	DateKey        string `json:"yyyymmdd"`
	Size           string `json:"size"`
	Checksum       string `json:"checksum"`
	Fingerprint    string `json:"adler32"`
	ExtFingerprint string `json:"adler32e"`
	Modded         bool   `json:"modded,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// NewIntelRecord builds the catalog row for a validated microcode.
func NewIntelRecord(mc *ucode.IntelMicrocode) IntelRecord {
	rec := IntelRecord{
		CPUID:       fmt.Sprintf("%08X", mc.Header.ProcessorSignature),
		Platform:    fmt.Sprintf("%08X", mc.Header.PlatformIDs),
		Version:     fmt.Sprintf("%08X", mc.Header.UpdateRevision),
		DateKey:     mc.Date.Key(),
		Size:        fmt.Sprintf("%08X", mc.Size),
		Checksum:    fmt.Sprintf("%08X", mc.Header.Checksum),
		Fingerprint: fmt.Sprintf("%08X", ucode.Fingerprint(mc.Data)),
	}
	if mc.Extended != nil {
		rec.ExtFingerprint = fmt.Sprintf("%08X", mc.Extended.Fingerprint())
	}
	return rec
}

// key places the date right after the CPUID so a reverse prefix scan over
// one CPUID yields date-descending rows. The fingerprint is not part of
// the identity.
func (r IntelRecord) key() []byte {
	return []byte(fmt.Sprintf("intel/%s/%s/%s/%s/%s/%s",
		r.CPUID, r.DateKey, r.Platform, r.Version, r.Size, r.Checksum))
}

// Ref converts the record to the comparator's view.
func (r IntelRecord) Ref() ucode.IntelRef {
	return ucode.IntelRef{
		CPUID:    parseHex32(r.CPUID),
		Platform: parseHex32(r.Platform),
		Version:  parseHex32(r.Version),
		DateKey:  r.DateKey,
	}
}

// AMDRecord is one cataloged AMD microcode revision. The fingerprint is
// part of the identity: AMD reuses header tuples across differing
// payloads often enough that byte identity matters.
type AMDRecord struct {
	CPUID       string `json:"cpuid"`
	NBDevID     string `json:"nbdevid"`
	SBDevID     string `json:"sbdevid"`
	NBSBRev     string `json:"nbsbrev"`
	Version     string `json:"version"`
	DateKey     string `json:"yyyymmdd"`
	Size        string `json:"size"`
	Checksum    string `json:"checksum"`
	Fingerprint string `json:"adler32"`
	Modded      bool   `json:"modded,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// NewAMDRecord builds the catalog row for a validated microcode.
func NewAMDRecord(mc *ucode.AMDMicrocode) AMDRecord {
	return AMDRecord{
		CPUID:       mc.CPUID,
		NBDevID:     mc.NBID,
		SBDevID:     mc.SBID,
		NBSBRev:     mc.NBSBRev,
		Version:     fmt.Sprintf("%08X", mc.Header.UpdateRevision),
		DateKey:     mc.Date.Key(),
		Size:        fmt.Sprintf("%08X", mc.Size),
		Checksum:    fmt.Sprintf("%08X", mc.Header.DataChecksum),
		Fingerprint: fmt.Sprintf("%08X", ucode.Fingerprint(mc.Data)),
	}
}

func (r AMDRecord) key() []byte {
	return []byte(fmt.Sprintf("amd/%s/%s/%s/%s/%s/%s/%s/%s/%s",
		r.CPUID, r.DateKey, r.Version, r.NBDevID, r.SBDevID, r.NBSBRev,
		r.Size, r.Checksum, r.Fingerprint))
}

// Ref converts the record to the comparator's view.
func (r AMDRecord) Ref() ucode.AMDRef {
	return ucode.AMDRef{
		CPUID:   r.CPUID,
		Version: parseHex32(r.Version),
		DateKey: r.DateKey,
	}
}

// VIARecord is one cataloged VIA microcode revision.
type VIARecord struct {
	CPUID       string `json:"cpuid"`
	Signature   string `json:"signature"`
	Version     string `json:"version"`
	DateKey     string `json:"yyyymmdd"`
	Size        string `json:"size"`
	Checksum    string `json:"checksum"`
	Fingerprint string `json:"adler32"`
	Modded      bool   `json:"modded,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// NewVIARecord builds the catalog row for a validated microcode.
func NewVIARecord(mc *ucode.VIAMicrocode) VIARecord {
	return VIARecord{
		CPUID:       fmt.Sprintf("%08X", mc.Header.ProcessorSignature),
		Signature:   mc.SigName,
		Version:     fmt.Sprintf("%08X", mc.Header.UpdateRevision),
		DateKey:     mc.Date.Key(),
		Size:        fmt.Sprintf("%08X", mc.Size),
		Checksum:    fmt.Sprintf("%08X", mc.Header.Checksum),
		Fingerprint: fmt.Sprintf("%08X", ucode.Fingerprint(mc.Data)),
	}
}

func (r VIARecord) key() []byte {
	return []byte(fmt.Sprintf("via/%s/%s/%s/%s/%s/%s",
		r.CPUID, r.DateKey, r.Version, r.Size, r.Checksum, r.Signature))
}

// FSLRecord is one cataloged Freescale microcode package.
type FSLRecord struct {
	Name        string `json:"name"`
	Model       string `json:"model"`
	Major       string `json:"major"`
	Minor       string `json:"minor"`
	Size        string `json:"size"`
	Checksum    string `json:"checksum"`
	Fingerprint string `json:"adler32"`
	Modded      bool   `json:"modded,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// NewFSLRecord builds the catalog row for a validated microcode.
func NewFSLRecord(mc *ucode.FSLMicrocode) FSLRecord {
	return FSLRecord{
		Name:        mc.SigName,
		Model:       mc.Model,
		Major:       fmt.Sprintf("%d", mc.Header.Major),
		Minor:       fmt.Sprintf("%d", mc.Header.Minor),
		Size:        fmt.Sprintf("%08X", mc.Size),
		Checksum:    fmt.Sprintf("%08X", mc.Checksum),
		Fingerprint: fmt.Sprintf("%08X", ucode.Fingerprint(mc.Data)),
	}
}

func (r FSLRecord) key() []byte {
	return []byte(fmt.Sprintf("fsl/%s/%s/%s/%s/%s/%s",
		r.Model, r.Name, r.Major, r.Minor, r.Size, r.Checksum))
}

func parseHex32(s string) uint32 {
	var v uint32
	_, _ = fmt.Sscanf(s, "%08X", &v)
	return v
}
