package ucode

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanAMD(t *testing.T) {
	image := createTestAMD(t)

	t.Run("at offset zero", func(t *testing.T) {
		mcs, rejects, err := ScanAMD(image)
		require.NoError(t, err)
		require.Len(t, mcs, 1)
		assert.Empty(t, rejects)

		mc := mcs[0]
		assert.Equal(t, 0, mc.Offset)
		assert.Equal(t, "00680F10", mc.CPUID)
		assert.Equal(t, "68", mc.Family())
		assert.Equal(t, "2014-05-10", mc.Date.String())
		assert.Equal(t, 0x980, mc.Size)
		assert.True(t, mc.ChecksumValid())
	})

	t.Run("embedded mid file", func(t *testing.T) {
		outer := make([]byte, 0x1000)
		for i := range outer {
			outer[i] = 0xFF
		}
		embedAt(outer, image, 0x80)

		mcs, _, err := ScanAMD(outer)
		require.NoError(t, err)
		require.Len(t, mcs, 1)
		assert.Equal(t, 0x80, mcs[0].Offset)
	})

	t.Run("null data probe rejects", func(t *testing.T) {
		bad := append([]byte(nil), image...)
		copy(bad[0x40:0x44], []byte{0, 0, 0, 0})

		mcs, rejects, err := ScanAMD(bad)
		require.NoError(t, err)
		assert.Empty(t, mcs)
		require.Len(t, rejects, 1)
		assert.Equal(t, RejectNullData, rejects[0].Reason)
	})

	t.Run("unknown family rejects", func(t *testing.T) {
		bad := append([]byte(nil), image...)
		binary.LittleEndian.PutUint16(bad[0x18:], 0x9910) // family 99, no size known
		// Recompute the body checksum so only the size lookup can fail.
		binary.LittleEndian.PutUint32(bad[0x0C:], sumDwords(bad[amdBodyOffset:]))

		mcs, rejects, err := ScanAMD(bad)
		require.NoError(t, err)
		assert.Empty(t, mcs)
		require.Len(t, rejects, 1)
		assert.Equal(t, RejectUnknownSize, rejects[0].Reason)
	})

	t.Run("corrupted body fails checksum", func(t *testing.T) {
		bad := append([]byte(nil), image...)
		bad[0x100] ^= 0x01

		mcs, _, err := ScanAMD(bad)
		require.NoError(t, err)
		require.Len(t, mcs, 1)
		assert.False(t, mcs[0].ChecksumValid())
	})
}

func TestAMDDeclaredDataSize(t *testing.T) {
	image := createTestAMD(t)
	image[0x0A] = 0x20 // declared size wins over the family table

	mc, rej, err := ValidateAMD(image, 0)
	require.NoError(t, err)
	require.Nil(t, rej)
	assert.Equal(t, 0x3C0, mc.Size)
}

func TestAMDCPUIDExpansion(t *testing.T) {
	assert.Equal(t, "00680F10", amdCPUID(0x6810))
	assert.Equal(t, "00000F00", amdCPUID(0))
	assert.Equal(t, "00A00F12", amdCPUID(0xA012))
}

func TestAMDBodyChecksumGate(t *testing.T) {
	cases := []struct {
		family   string
		checksum uint32
		applies  bool
	}{
		{"68", 0x1234, true},
		{"68", 0, false},
		{"70", 0x1234, false},
		{"8A", 0x1234, false},
		{"A0", 0x1234, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("family %s checksum %X", tc.family, tc.checksum), func(t *testing.T) {
			mc := &AMDMicrocode{CPUID: "00" + tc.family + "0F00"}
			mc.Header.DataChecksum = tc.checksum
			assert.Equal(t, tc.applies, mc.BodyChecksumApplies())
		})
	}
}

func TestAMDDateFixups(t *testing.T) {
	t.Run("zen stamped a year early", func(t *testing.T) {
		mc := &AMDMicrocode{
			CPUID: "00800F11",
			Date:  Date{"2016", "01", "05"},
		}
		mc.Header.UpdateRevision = 0x8001105
		amdDateFixups(mc)
		assert.Equal(t, "2017-01-05", mc.Date.String())
	})

	t.Run("swapped month and day", func(t *testing.T) {
		mc := &AMDMicrocode{
			CPUID: "00730F01",
			Date:  Date{"2018", "09", "02"},
		}
		mc.Header.UpdateRevision = 0x7030106
		amdDateFixups(mc)
		assert.Equal(t, "2018-02-09", mc.Date.String())
	})

	t.Run("other microcodes untouched", func(t *testing.T) {
		mc := &AMDMicrocode{
			CPUID: "00800F11",
			Date:  Date{"2016", "01", "05"},
		}
		mc.Header.UpdateRevision = 0x8001106
		amdDateFixups(mc)
		assert.Equal(t, "2016-01-05", mc.Date.String())
	})
}

func TestAMDThirteenthMonthException(t *testing.T) {
	image := createTestAMD(t)
	image[3] = 0x13                                    // month 13
	image[2] = 0x09                                    // day 9
	binary.LittleEndian.PutUint16(image[0:], 0x2011)   // year 2011
	binary.LittleEndian.PutUint32(image[4:], 0x3000027) // the one tolerated release

	mc, rej, err := ValidateAMD(image, 0)
	require.NoError(t, err)
	require.Nil(t, rej)
	assert.Equal(t, "2011-13-09", mc.Date.String())

	// Any other revision with the same date stays rejected.
	binary.LittleEndian.PutUint32(image[4:], 0x3000028)
	_, rej, err = ValidateAMD(image, 0)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, RejectInvalidDate, rej.Reason)
}
