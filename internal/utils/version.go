package utils

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	// Version information - set via ldflags during build
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// GetVersionString returns a formatted version string
func GetVersionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date)
}

// VersionOlder reports whether version a predates b, comparing dotted
// numeric components. Development builds ("dev", "unknown") are never
// considered older, so they do not trip the catalog minimum gate.
func VersionOlder(a, b string) bool {
	if a == "dev" || a == "unknown" || a == "" {
		return false
	}
	av := versionParts(a)
	bv := versionParts(b)
	for i := 0; i < len(av) || i < len(bv); i++ {
		var x, y int
		if i < len(av) {
			x = av[i]
		}
		if i < len(bv) {
			y = bv[i]
		}
		if x != y {
			return x < y
		}
	}
	return false
}

func versionParts(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	fields := strings.Split(v, ".")
	parts := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			n = 0
		}
		parts[i] = n
	}
	return parts
}
