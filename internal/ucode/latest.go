package ucode

// Latest-revision judgement. An input microcode is compared against every
// cataloged revision of the same CPUID; any cataloged entry that supersedes
// it demotes the input from latest. The comparison is a partial order: an
// Intel entry only competes when it serves the same release channel and at
// least the same platforms.

// IntelRef is the catalog-side view of an Intel revision used for
// comparison, and the superseding entry reported when the input loses.
type IntelRef struct {
	CPUID    uint32
	Platform uint32
	Version  uint32
	DateKey  string // YYYYMMDD
}

// Release returns the release channel of the referenced revision.
func (r IntelRef) Release() Release { return ReleaseOf(r.Version) }

// AMDRef is the catalog-side view of an AMD revision.
type AMDRef struct {
	CPUID   string
	Version uint32
	DateKey string
}

// LatestIntel reports whether the input revision is the newest cataloged
// one for its CPUID, and if not, one entry that supersedes it. A cataloged
// entry supersedes when it is the same release channel, covers at least
// the input's platforms, and is dated later; on an equal date it must
// cover strictly more platforms or carry a higher version, a tie-break
// suppressed in lastMode so that re-checking the latest known microcode
// against the catalog does not demote it against itself. Modded inputs
// are never latest.
func LatestIntel(in IntelRef, modded, lastMode bool, refs []IntelRef) (bool, *IntelRef) {
	latest := true
	var winner *IntelRef

	inBits := PlatformBits(in.Platform)
	for i := range refs {
		ref := refs[i]
		if in.Release() != ref.Release() {
			continue
		}
		refBits := PlatformBits(ref.Platform)
		if !platformSubset(inBits, refBits) {
			continue
		}
		newer := in.DateKey < ref.DateKey
		tied := in.DateKey == ref.DateKey &&
			(len(inBits) < len(refBits) || in.Version < ref.Version) && !lastMode
		if newer || tied {
			latest = false
			winner = &refs[i]
		}
	}
	if modded {
		latest = false
	}
	return latest, winner
}

// LatestAMD reports whether the input revision is the newest cataloged one
// for its CPUID. Any later date supersedes; on an equal date a higher
// version supersedes unless lastMode is set. Modded inputs are never
// latest.
func LatestAMD(in AMDRef, modded, lastMode bool, refs []AMDRef) (bool, *AMDRef) {
	latest := true
	var winner *AMDRef

	for i := range refs {
		ref := refs[i]
		newer := in.DateKey < ref.DateKey
		tied := in.DateKey == ref.DateKey && in.Version < ref.Version && !lastMode
		if newer || tied {
			latest = false
			winner = &refs[i]
		}
	}
	if modded {
		latest = false
	}
	return latest, winner
}
