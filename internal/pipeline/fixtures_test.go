package pipeline

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platomav/MCExtractor/internal/catalog"
	"github.com/platomav/MCExtractor/internal/ucode"
	"github.com/platomav/MCExtractor/internal/utils"
)

// testEnv bundles a pipeline over a throwaway catalog and directories.
type testEnv struct {
	store   *catalog.Store
	opts    Options
	baseDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	store, err := catalog.Open(filepath.Join(base, "MCE.db"), true, utils.NewDefaultLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &testEnv{
		store:   store,
		baseDir: base,
		opts: Options{
			ExtractDir:  filepath.Join(base, "Extracted"),
			WarningsDir: filepath.Join(base, "Warnings"),
			RepoDir:     base,
		},
	}
}

func (env *testEnv) pipeline() *Pipeline {
	return New(env.store, utils.NewDefaultLogger(), env.opts)
}

// writeInput places a scan input file under the test directory.
func (env *testEnv) writeInput(t *testing.T, name string, data []byte) string {
	t.Helper()
	dir := filepath.Join(env.baseDir, "inputs")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func writeLE(v interface{}) []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, v)
	return b.Bytes()
}

func writeBE(v interface{}) []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.BigEndian, v)
	return b.Bytes()
}

// buildIntel creates a fully valid 0x800-byte Intel image.
func buildIntel(cpuid, revision uint32) []byte {
	hdr := ucode.IntelHeader{
		HeaderVersion:      1,
		UpdateRevision:     revision,
		Year:               0x2019,
		Day:                0x15,
		Month:              0x06,
		ProcessorSignature: cpuid,
		LoaderRevision:     1,
		PlatformIDs:        0x32,
		DataSize:           0x7D0,
		TotalSize:          0x800,
	}
	buf := make([]byte, hdr.TotalSize)
	copy(buf, writeLE(&hdr))
	fillPayload(buf[0x30:])
	binary.LittleEndian.PutUint32(buf[0x10:], ucode.Checksum32(buf))
	return buf
}

// buildIntelExtended creates an Intel image with one extended field whose
// checksum keeps a materialized image valid.
func buildIntelExtended() []byte {
	const (
		dataSize  = 0x400
		extOff    = 0x30 + dataSize
		fieldOff  = extOff + 0x14
		totalSize = fieldOff + 0x0C
	)
	hdr := ucode.IntelHeader{
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
	field := ucode.IntelExtendedField{
		ProcessorSignature: 0x506E3,
		PlatformIDs:        0x36,
	}

	buf := make([]byte, totalSize)
	copy(buf, writeLE(&hdr))
	fillPayload(buf[0x30:extOff])
	binary.LittleEndian.PutUint32(buf[extOff:], 1) // SignatureCount
	binary.LittleEndian.PutUint32(buf[fieldOff:], field.ProcessorSignature)
	binary.LittleEndian.PutUint32(buf[fieldOff+4:], field.PlatformIDs)

	// Solve the three checksum slots so the container, the extended
	// region and any materialized image all sum to zero.
	base := -ucode.Checksum32(buf)
	extBase := -ucode.Checksum32(buf[extOff:totalSize])
	mainChk := extBase - base
	delta := hdr.ProcessorSignature + uint32(hdr.PlatformIDs) - field.ProcessorSignature - field.PlatformIDs
	fieldChk := mainChk + delta
	extChk := -extBase - fieldChk

	binary.LittleEndian.PutUint32(buf[0x10:], mainChk)
	binary.LittleEndian.PutUint32(buf[extOff+4:], extChk)
	binary.LittleEndian.PutUint32(buf[fieldOff+8:], fieldChk)
	return buf
}

// buildAMD creates a fully valid AMD image for family 68 (0x980 bytes).
func buildAMD() []byte {
	hdr := ucode.AMDHeader{
		Year:               0x2014,
		Day:                0x10,
		Month:              0x05,
		UpdateRevision:     0x6000822,
		LoaderID:           0x8000,
		ProcessorSignature: 0x6810,
	}
	buf := make([]byte, 0x980)
	copy(buf, writeLE(&hdr))
	fillPayload(buf[0x20:])
	binary.LittleEndian.PutUint32(buf[0x0C:], -ucode.Checksum32(buf[0x40:]))
	return buf
}

// buildFSL creates a valid Freescale container with one module entry.
func buildFSL() []byte {
	const (
		headerLen = 0x7C
		entryLen  = 0x78
		codeLen   = 0x40
		totalSize = headerLen + entryLen + codeLen + 4
	)
	hdr := ucode.FSLHeader{
		TotalSize:     totalSize,
		Signature:     [3]byte{'Q', 'E', 'F'},
		HeaderVersion: 1,
		CountMC:       1,
		Model:         8569,
		Major:         1,
	}
	copy(hdr.Name[:], "Microcode Package")
	entry := ucode.FSLEntry{
		ECCR:       0x1180000,
		CodeLength: codeLen / 4,
		CodeOffset: headerLen + entryLen,
		Major:      1,
	}
	copy(entry.Name[:], "I-RAM")

	buf := make([]byte, totalSize)
	copy(buf, writeBE(&hdr))
	copy(buf[headerLen:], writeBE(&entry))
	fillPayload(buf[headerLen+entryLen : totalSize-4])
	binary.BigEndian.PutUint32(buf[totalSize-4:], ucode.CRC32FSL(buf[:totalSize-4]))
	return buf
}

// fillPayload writes a deterministic odd-byte pattern that can never
// alias a scan pattern.
func fillPayload(b []byte) {
	for i := range b {
		b[i] = byte(i%251) | 1
	}
}

// embedAt places an image inside a larger zero buffer.
func embedAt(size int, image []byte, off int) []byte {
	outer := make([]byte, size)
	copy(outer[off:], image)
	return outer
}
