package ucode

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanIntel(t *testing.T) {
	image := createTestIntel(t)

	t.Run("at offset zero", func(t *testing.T) {
		mcs, rejects, err := ScanIntel(image)
		require.NoError(t, err)
		require.Len(t, mcs, 1)
		assert.Empty(t, rejects)

		mc := mcs[0]
		assert.Equal(t, 0, mc.Offset)
		assert.Equal(t, uint32(0x306C3), mc.CPUID())
		assert.Equal(t, "2019-06-15", mc.Date.String())
		assert.Equal(t, ReleaseProduction, mc.Release)
		assert.Equal(t, 0x800, mc.Size)
		assert.True(t, mc.ChecksumValid())
		assert.False(t, mc.Truncated())
		assert.Nil(t, mc.Extra)
		assert.Nil(t, mc.Extended)
	})

	t.Run("embedded mid file", func(t *testing.T) {
		outer := make([]byte, 0x1000)
		for i := range outer {
			outer[i] = 0xFF
		}
		embedAt(outer, image, 0x100)

		mcs, _, err := ScanIntel(outer)
		require.NoError(t, err)
		require.Len(t, mcs, 1)
		assert.Equal(t, 0x100, mcs[0].Offset)
		assert.True(t, mcs[0].ChecksumValid())
	})

	t.Run("corrupted payload fails checksum", func(t *testing.T) {
		bad := append([]byte(nil), image...)
		bad[0x200] ^= 0x01

		mcs, _, err := ScanIntel(bad)
		require.NoError(t, err)
		require.Len(t, mcs, 1)
		assert.False(t, mcs[0].ChecksumValid())
	})

	t.Run("truncated image", func(t *testing.T) {
		mcs, _, err := ScanIntel(image[:0x700])
		require.NoError(t, err)
		require.Len(t, mcs, 1)
		assert.True(t, mcs[0].Truncated())
	})

	t.Run("invalid date is rejected", func(t *testing.T) {
		bad := append([]byte(nil), image...)
		bad[0x0A] = 0x30 // February 30th, passes the scan pattern
		bad[0x0B] = 0x02
		mcs, rejects, err := ScanIntel(bad)
		require.NoError(t, err)
		assert.Empty(t, mcs)
		require.Len(t, rejects, 1)
		assert.Equal(t, RejectInvalidDate, rejects[0].Reason)
	})
}

func TestIntelName(t *testing.T) {
	mcs, _, err := ScanIntel(createTestIntel(t))
	require.NoError(t, err)
	require.Len(t, mcs, 1)
	assert.Equal(t,
		fmt.Sprintf("cpu306C3_plat32_ver0000001D_2019-06-15_PRD_%08X", mcs[0].Header.Checksum),
		mcs[0].Name())
}

func TestIntelKnownBad(t *testing.T) {
	mc := &IntelMicrocode{
		Header: IntelHeader{ProcessorSignature: 0x306C3, UpdateRevision: 0x99},
		Date:   Date{"2013", "01", "21"},
	}
	assert.True(t, mc.KnownBad())

	mc.Header.UpdateRevision = 0x9A
	assert.False(t, mc.KnownBad())
}

func TestIntelSizeDefaults(t *testing.T) {
	image := createTestIntel(t)
	binary.LittleEndian.PutUint32(image[0x1C:], 0) // DataSize
	binary.LittleEndian.PutUint32(image[0x20:], 0) // TotalSize

	mc, rej, err := ValidateIntel(image, 0, false)
	require.NoError(t, err)
	require.Nil(t, rej)
	assert.Equal(t, intelDefaultTotalSize, mc.Size)
	assert.Equal(t, intelDefaultDataSize, mc.DataSize)
}

func TestIntelExtended(t *testing.T) {
	image, field := createTestIntelExtended(t)

	mcs, rejects, err := ScanIntel(image)
	require.NoError(t, err)
	require.Len(t, mcs, 1)
	assert.Empty(t, rejects)

	mc := mcs[0]
	require.NotNil(t, mc.Extended)
	require.Len(t, mc.Extended.Fields, 1)
	assert.Equal(t, field, mc.Extended.Fields[0])
	assert.True(t, mc.ChecksumValid())
	assert.True(t, mc.ExtendedChecksumValid())

	t.Run("materialized field revalidates", func(t *testing.T) {
		synth := mc.Materialize(mc.Extended.Fields[0])
		smc, rej, err := ValidateIntel(synth, 0, true)
		require.NoError(t, err)
		require.Nil(t, rej)
		assert.Equal(t, field.ProcessorSignature, smc.CPUID())
		assert.Equal(t, uint8(field.PlatformIDs), smc.Header.PlatformIDs)
		assert.True(t, smc.ChecksumValid())
		assert.True(t, smc.Synthetic)
		assert.Nil(t, smc.Extended, "synthetic candidates do not re-expand")
	})

	t.Run("extended region corruption detected", func(t *testing.T) {
		bad := append([]byte(nil), image...)
		bad[len(bad)-2] ^= 0x01 // inside the extended field block
		mcs, _, err := ScanIntel(bad)
		require.NoError(t, err)
		require.Len(t, mcs, 1)
		assert.False(t, mcs[0].ExtendedChecksumValid())
	})
}
