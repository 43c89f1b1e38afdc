package ucode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDateRendering(t *testing.T) {
	t.Run("bcd", func(t *testing.T) {
		d := bcdDate(0x2019, 0x06, 0x15)
		assert.Equal(t, "2019-06-15", d.String())
		assert.Equal(t, "20190615", d.Key())
		assert.True(t, d.Valid())
	})

	t.Run("decimal", func(t *testing.T) {
		d := decDate(2011, 8, 9)
		assert.Equal(t, "2011-08-09", d.String())
		assert.True(t, d.Valid())
	})

	t.Run("malformed bcd digits are invalid", func(t *testing.T) {
		// 0x1A renders as "1A", not a decimal month.
		assert.False(t, bcdDate(0x2019, 0x1A, 0x01).Valid())
	})
}

func TestDateValid(t *testing.T) {
	cases := []struct {
		name  string
		date  Date
		valid bool
	}{
		{"regular", Date{"2020", "06", "15"}, true},
		{"month zero", Date{"2020", "00", "15"}, false},
		{"month thirteen", Date{"2011", "13", "09"}, false},
		{"day zero", Date{"2020", "06", "00"}, false},
		{"day thirty two", Date{"2020", "06", "32"}, false},
		{"leap day in leap year", Date{"2020", "02", "29"}, true},
		{"leap day off leap year", Date{"2019", "02", "29"}, false},
		{"feb twenty eight", Date{"2019", "02", "28"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, tc.date.Valid())
		})
	}
}

func TestPlatformBits(t *testing.T) {
	assert.Equal(t, []int{0}, PlatformBits(0), "zero mask means platform 0")
	assert.Equal(t, []int{0, 1, 4, 5}, PlatformBits(0x33))
	assert.Equal(t, []int{7}, PlatformBits(0x80))
}

func TestPlatformSubset(t *testing.T) {
	assert.True(t, platformSubset([]int{1, 4}, []int{0, 1, 4, 5}))
	assert.True(t, platformSubset(nil, []int{0}))
	assert.False(t, platformSubset([]int{2}, []int{0, 1}))
}

func TestReleaseOf(t *testing.T) {
	assert.Equal(t, ReleaseProduction, ReleaseOf(0x1D))
	assert.Equal(t, ReleasePreRelease, ReleaseOf(0xFFFF0042), "sign bit set")
}
