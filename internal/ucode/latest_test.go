package ucode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatestIntel(t *testing.T) {
	in := IntelRef{CPUID: 0x306C3, Platform: 0x32, Version: 0x25, DateKey: "20190215"}

	t.Run("no catalog entries", func(t *testing.T) {
		latest, winner := LatestIntel(in, false, false, nil)
		assert.True(t, latest)
		assert.Nil(t, winner)
	})

	t.Run("newer date supersedes", func(t *testing.T) {
		refs := []IntelRef{{Platform: 0x32, Version: 0x27, DateKey: "20191112"}}
		latest, winner := LatestIntel(in, false, false, refs)
		assert.False(t, latest)
		assert.Equal(t, &refs[0], winner)
	})

	t.Run("same date higher version supersedes", func(t *testing.T) {
		refs := []IntelRef{{Platform: 0x32, Version: 0x26, DateKey: "20190215"}}
		latest, _ := LatestIntel(in, false, false, refs)
		assert.False(t, latest)
	})

	t.Run("same date version tie break suppressed in last mode", func(t *testing.T) {
		refs := []IntelRef{{Platform: 0x32, Version: 0x26, DateKey: "20190215"}}
		latest, _ := LatestIntel(in, false, true, refs)
		assert.True(t, latest)
	})

	t.Run("different release channel never competes", func(t *testing.T) {
		refs := []IntelRef{{Platform: 0x32, Version: 0xFFFF0030, DateKey: "20201201"}}
		latest, _ := LatestIntel(in, false, false, refs)
		assert.True(t, latest)
	})

	t.Run("platform superset required", func(t *testing.T) {
		// Input covers platforms {1,4,5}; an entry covering only {1}
		// cannot supersede it regardless of date.
		refs := []IntelRef{{Platform: 0x02, Version: 0x30, DateKey: "20211201"}}
		latest, _ := LatestIntel(in, false, false, refs)
		assert.True(t, latest)

		// The same date with strictly more platforms does.
		refs = []IntelRef{{Platform: 0x33, Version: 0x25, DateKey: "20190215"}}
		latest, _ = LatestIntel(in, false, false, refs)
		assert.False(t, latest)
	})

	t.Run("modded input never latest", func(t *testing.T) {
		latest, winner := LatestIntel(in, true, false, nil)
		assert.False(t, latest)
		assert.Nil(t, winner)
	})
}

func TestLatestAMD(t *testing.T) {
	in := AMDRef{CPUID: "00860F01", Version: 0x8600106, DateKey: "20200327"}

	t.Run("newer date supersedes", func(t *testing.T) {
		refs := []AMDRef{{Version: 0x8600102, DateKey: "20210101"}}
		latest, winner := LatestAMD(in, false, false, refs)
		assert.False(t, latest)
		assert.Equal(t, &refs[0], winner)
	})

	t.Run("older entries do not", func(t *testing.T) {
		refs := []AMDRef{{Version: 0x8600109, DateKey: "20190101"}}
		latest, _ := LatestAMD(in, false, false, refs)
		assert.True(t, latest, "version alone does not supersede across dates")
	})

	t.Run("same date higher version supersedes unless last mode", func(t *testing.T) {
		refs := []AMDRef{{Version: 0x8600107, DateKey: "20200327"}}
		latest, _ := LatestAMD(in, false, false, refs)
		assert.False(t, latest)

		latest, _ = LatestAMD(in, false, true, refs)
		assert.True(t, latest)
	})

	t.Run("modded input never latest", func(t *testing.T) {
		latest, _ := LatestAMD(in, true, false, nil)
		assert.False(t, latest)
	})
}
