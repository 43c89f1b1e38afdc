package ucode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanVIA(t *testing.T) {
	image := createTestVIA(t)

	t.Run("at offset zero", func(t *testing.T) {
		mcs, rejects, err := ScanVIA(image)
		require.NoError(t, err)
		require.Len(t, mcs, 1)
		assert.Empty(t, rejects)

		mc := mcs[0]
		assert.Equal(t, uint32(0x6FE1), mc.Header.ProcessorSignature)
		assert.Equal(t, "2011-08-09", mc.Date.String())
		assert.Equal(t, "06FA003BB", mc.SigName)
		assert.Equal(t, 0x400, mc.Size)
		assert.True(t, mc.ChecksumValid())
	})

	t.Run("embedded mid file", func(t *testing.T) {
		outer := make([]byte, 0x1000)
		for i := range outer {
			outer[i] = 0xEE
		}
		embedAt(outer, image, 0x200)

		mcs, _, err := ScanVIA(outer)
		require.NoError(t, err)
		require.Len(t, mcs, 1)
		assert.Equal(t, 0x200, mcs[0].Offset)
	})

	t.Run("corrupted payload fails checksum", func(t *testing.T) {
		bad := append([]byte(nil), image...)
		bad[0x100] ^= 0x01

		mcs, _, err := ScanVIA(bad)
		require.NoError(t, err)
		require.Len(t, mcs, 1)
		assert.False(t, mcs[0].ChecksumValid())
	})

	t.Run("invalid date is rejected", func(t *testing.T) {
		bad := append([]byte(nil), image...)
		bad[0x0A] = 30 // February 30th, passes the scan pattern
		bad[0x0B] = 2

		mcs, rejects, err := ScanVIA(bad)
		require.NoError(t, err)
		assert.Empty(t, mcs)
		require.Len(t, rejects, 1)
		assert.Equal(t, RejectInvalidDate, rejects[0].Reason)
	})
}

func TestVIASigName(t *testing.T) {
	var raw [12]byte
	copy(raw[:], "06FA\x7F003BB")
	assert.Equal(t, "06FA.003BB", viaSigName(raw))
}

func TestVIAName(t *testing.T) {
	mcs, _, err := ScanVIA(createTestVIA(t))
	require.NoError(t, err)
	require.Len(t, mcs, 1)
	mc := mcs[0]
	assert.Contains(t, mc.Name(), "cpu06FE1_ver0000000C_sig[06FA003BB]_2011-08-09_")
}

func TestVIAKnownBad(t *testing.T) {
	mc := &VIAMicrocode{
		Date:    Date{"2011", "08", "09"},
		SigName: "06FE105A",
	}
	mc.Data = []byte{0x01, 0x00, 0x00, 0x00} // sums non-zero
	mc.Header.Checksum = 0x8F396F73
	assert.True(t, mc.KnownBad())
	assert.True(t, mc.ChecksumValid(), "allow listed despite a failing sum")

	mc.Header.Checksum = 0x8F396F74
	assert.False(t, mc.KnownBad())
}
