package ucode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternFindAll(t *testing.T) {
	t.Run("multiple occurrences in order", func(t *testing.T) {
		image := createTestIntel(t)
		outer := make([]byte, 0x2000)
		for i := range outer {
			outer[i] = 0xFF
		}
		embedAt(outer, image, 0x100)
		embedAt(outer, image, 0x1000)

		assert.Equal(t, []int{0x100, 0x1000}, patIntel.FindAll(outer))
	})

	t.Run("no match in noise", func(t *testing.T) {
		noise := make([]byte, 0x1000)
		for i := range noise {
			noise[i] = byte(i*13 + 7)
		}
		assert.Empty(t, patIntel.FindAll(noise))
	})

	t.Run("pulled back start before buffer start is dropped", func(t *testing.T) {
		// An AMD match whose header would begin one byte before the
		// buffer: year high byte at offset 0.
		image := createTestAMD(t)
		assert.Empty(t, patAMD.FindAll(image[1:]))
	})

	t.Run("delta pull back", func(t *testing.T) {
		amd := createTestAMD(t)
		require.Equal(t, []int{0}, patAMD.FindAll(amd))

		fsl := createTestFSL(t)
		require.Equal(t, []int{0}, patFSL.FindAll(fsl))
	})

	t.Run("pattern shorter than buffer tail", func(t *testing.T) {
		image := createTestIntel(t)
		// Only the first 0x20 bytes survive; the 0x30-byte pattern must
		// not read out of bounds.
		assert.Empty(t, patIntel.FindAll(image[:0x20]))
	})
}

func TestPatternYearAlternation(t *testing.T) {
	image := createTestIntel(t)

	t.Run("nineteen nineties year accepted", func(t *testing.T) {
		old := append([]byte(nil), image...)
		old[0x08] = 0x95
		old[0x09] = 0x19
		assert.Equal(t, []int{0}, patIntel.FindAll(old))
	})

	t.Run("year out of range dropped", func(t *testing.T) {
		bad := append([]byte(nil), image...)
		bad[0x08] = 0x26 // 2026
		assert.Empty(t, patIntel.FindAll(bad))

		bad[0x08] = 0x92 // 1992
		bad[0x09] = 0x19
		assert.Empty(t, patIntel.FindAll(bad))
	})
}

func TestPatternAMDVendorAlternation(t *testing.T) {
	image := createTestAMD(t)

	t.Run("populated bridge IDs accepted", func(t *testing.T) {
		alt := append([]byte(nil), image...)
		alt[0x10], alt[0x11] = 0x22, 0x10 // north bridge 0x1022
		alt[0x14], alt[0x15] = 0x22, 0x10 // south bridge 0x1022
		assert.Equal(t, []int{0}, patAMD.FindAll(alt))
	})

	t.Run("foreign vendor ID dropped", func(t *testing.T) {
		alt := append([]byte(nil), image...)
		alt[0x10], alt[0x11] = 0x86, 0x80
		assert.Empty(t, patAMD.FindAll(alt))
	})

	t.Run("AA reserved filler accepted", func(t *testing.T) {
		alt := append([]byte(nil), image...)
		alt[0x1D], alt[0x1E], alt[0x1F] = 0xAA, 0xAA, 0xAA
		assert.Equal(t, []int{0}, patAMD.FindAll(alt))
	})
}
