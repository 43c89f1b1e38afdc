// Package ucode implements the microcode detection, validation and
// classification engine for Intel, AMD, VIA and Freescale update formats.
//
// The entry points are the per-vendor Scan* functions, which run the
// byte-pattern scanner over a buffer and validate every hit. Scanner hits
// are over-inclusive by design; a hit that fails validation is returned as
// a Skip, not an error.
package ucode

import (
	"fmt"
	"strconv"
)

// Vendor identifies a microcode update format.
type Vendor int

const (
	VendorIntel Vendor = iota
	VendorAMD
	VendorVIA
	VendorFreescale
)

func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "Intel"
	case VendorAMD:
		return "AMD"
	case VendorVIA:
		return "VIA"
	case VendorFreescale:
		return "Freescale"
	default:
		return fmt.Sprintf("Vendor(%d)", int(v))
	}
}

// Release channel of an Intel microcode, derived from the sign bit of the
// update revision.
type Release string

const (
	ReleaseProduction Release = "PRD"
	ReleasePreRelease Release = "PRE"
)

// ReleaseOf maps an update revision to its release channel. Negative
// revisions (signed interpretation) are pre-release.
func ReleaseOf(revision uint32) Release {
	if int32(revision) < 0 {
		return ReleasePreRelease
	}
	return ReleaseProduction
}

// Date is a microcode header date normalized to zero-padded digit strings.
// Intel and AMD store dates as packed BCD, VIA as plain integers; both
// render to the same digit form, so comparisons are uniform string
// comparisons of the YYYYMMDD key.
type Date struct {
	Year  string
	Month string
	Day   string
}

func (d Date) String() string {
	return d.Year + "-" + d.Month + "-" + d.Day
}

// Key returns the sortable YYYYMMDD form used for catalog keys.
func (d Date) Key() string {
	return d.Year + d.Month + d.Day
}

// Valid reports whether the date is a real calendar date. February 29 is
// accepted only in years divisible by four; the supported year range never
// hits a century exception. Digit strings that do not parse as decimal
// (possible with malformed BCD) are invalid.
func (d Date) Valid() bool {
	year, err := strconv.Atoi(d.Year)
	if err != nil {
		return false
	}
	month, err := strconv.Atoi(d.Month)
	if err != nil {
		return false
	}
	day, err := strconv.Atoi(d.Day)
	if err != nil {
		return false
	}
	return dateValid(year, month, day)
}

func dateValid(year, month, day int) bool {
	if year < 0 || month < 1 || month > 12 || day < 1 || day > 31 {
		return false
	}
	if month == 2 {
		if year%4 == 0 {
			return day <= 29
		}
		return day <= 28
	}
	return true
}

// bcdDate renders a packed BCD year/month/day triple (Intel, AMD headers).
func bcdDate(year uint16, month, day uint8) Date {
	return Date{
		Year:  fmt.Sprintf("%04X", year),
		Month: fmt.Sprintf("%02X", month),
		Day:   fmt.Sprintf("%02X", day),
	}
}

// decDate renders a plain integer year/month/day triple (VIA header).
func decDate(year uint16, month, day uint8) Date {
	return Date{
		Year:  fmt.Sprintf("%04d", year),
		Month: fmt.Sprintf("%02d", month),
		Day:   fmt.Sprintf("%02d", day),
	}
}

// PlatformBits expands an Intel platform ID bitmask into the list of
// platform numbers it covers. A zero mask (1995-1998 era) means the single
// platform 0.
func PlatformBits(mask uint32) []int {
	if mask == 0 {
		return []int{0}
	}
	var bits []int
	for bit := 0; bit < 8; bit++ {
		if mask>>uint(bit)&1 == 1 {
			bits = append(bits, bit)
		}
	}
	return bits
}

// platformSubset reports whether every platform in a is also in b.
func platformSubset(a, b []int) bool {
	set := make(map[int]struct{}, len(b))
	for _, p := range b {
		set[p] = struct{}{}
	}
	for _, p := range a {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}
