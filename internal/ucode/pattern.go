package ucode

import "bytes"

// The scanner matches fixed-length byte patterns that encode the
// known-constant and narrow-range header fields of each vendor format.
// Patterns are deliberately short: when the most selective bytes of a
// header are not its first bytes, the pattern starts inside the structure
// and the match offset is pulled back by a fixed delta.

// byteClass matches one byte against a set of inclusive ranges. A nil
// class matches any byte.
type byteClass [][2]byte

func (c byteClass) ok(b byte) bool {
	if c == nil {
		return true
	}
	for _, r := range c {
		if b >= r[0] && b <= r[1] {
			return true
		}
	}
	return false
}

// token is one pattern element: a sequence of byte classes, or an
// alternation of several equal-width sequences.
type token struct {
	width int
	alts  [][]byteClass
}

func (t token) ok(b []byte) bool {
	for _, alt := range t.alts {
		match := true
		for i, c := range alt {
			if !c.ok(b[i]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Pattern is a fixed-length vendor scan pattern.
type Pattern struct {
	delta  int // subtracted from match offsets to reach the structure start
	tokens []token
	width  int
}

func newPattern(delta int, tokens ...token) *Pattern {
	p := &Pattern{delta: delta, tokens: tokens}
	for _, t := range tokens {
		p.width += t.width
	}
	return p
}

// FindAll returns the structure-start offset of every pattern occurrence,
// in ascending order. Occurrences whose pulled-back start would be
// negative are dropped.
func (p *Pattern) FindAll(buf []byte) []int {
	var hits []int
	first, exact := p.firstByte()
	for i := 0; i+p.width <= len(buf); i++ {
		if exact {
			j := bytes.IndexByte(buf[i:len(buf)-p.width+1], first)
			if j < 0 {
				break
			}
			i += j
		}
		if p.matchAt(buf, i) {
			if start := i - p.delta; start >= 0 {
				hits = append(hits, start)
			}
		}
	}
	return hits
}

func (p *Pattern) matchAt(buf []byte, i int) bool {
	for _, t := range p.tokens {
		if !t.ok(buf[i : i+t.width]) {
			return false
		}
		i += t.width
	}
	return true
}

// firstByte reports whether every alternative of the first token pins its
// first byte to a single value, enabling an IndexByte fast path.
func (p *Pattern) firstByte() (byte, bool) {
	t := p.tokens[0]
	var b byte
	for i, alt := range t.alts {
		c := alt[0]
		if len(c) != 1 || c[0][0] != c[0][1] {
			return 0, false
		}
		if i == 0 {
			b = c[0][0]
		} else if c[0][0] != b {
			return 0, false
		}
	}
	return b, true
}

// Pattern construction helpers.

func one(b byte) byteClass      { return byteClass{{b, b}} }
func rng(lo, hi byte) byteClass { return byteClass{{lo, hi}} }

func ranges(rs ...[2]byte) byteClass { return byteClass(rs) }

// cls wraps independent per-byte classes into a token.
func cls(cs ...byteClass) token {
	return token{width: len(cs), alts: [][]byteClass{cs}}
}

// lit is a token matching an exact byte string.
func lit(bs ...byte) token {
	cs := make([]byteClass, len(bs))
	for i, b := range bs {
		cs[i] = one(b)
	}
	return cls(cs...)
}

// anyN is a token matching n arbitrary bytes.
func anyN(n int) token {
	return token{width: n, alts: [][]byteClass{make([]byteClass, n)}}
}

// zeros is a token matching n zero bytes.
func zeros(n int) token {
	cs := make([]byteClass, n)
	for i := range cs {
		cs[i] = one(0)
	}
	return cls(cs...)
}

// either is an alternation over equal-width class sequences.
func either(alts ...[]byteClass) token {
	return token{width: len(alts[0]), alts: alts}
}

// Packed-BCD byte classes: digit pairs constrained to a decimal range.
var (
	bcd01to31 = ranges([2]byte{0x01, 0x09}, [2]byte{0x10, 0x19}, [2]byte{0x20, 0x29}, [2]byte{0x30, 0x31})
	bcd01to12 = ranges([2]byte{0x01, 0x09}, [2]byte{0x10, 0x12})
	bcd01to13 = ranges([2]byte{0x01, 0x09}, [2]byte{0x10, 0x13})
	bcd00to25 = ranges([2]byte{0x00, 0x09}, [2]byte{0x10, 0x19}, [2]byte{0x20, 0x25})
	bcd93to99 = rng(0x93, 0x99)
)

// patIntel matches the full 0x30-byte Intel main header: header version 1,
// a BCD date in 1993-2025, loader revision 0 or 1, the high bytes of
// CPUID/DataSize/TotalSize clear and both reserved regions empty.
var patIntel = newPattern(0,
	lit(0x01, 0x00, 0x00, 0x00), // HeaderVersion
	anyN(4),                     // UpdateRevision
	either( // Year, little-endian BCD: 20xx (00-25) or 19xx (93-99)
		[]byteClass{bcd00to25, one(0x20)},
		[]byteClass{bcd93to99, one(0x19)},
	),
	cls(bcd01to31),     // Day
	cls(bcd01to12),     // Month
	anyN(3), lit(0x00), // ProcessorSignature, high byte clear
	anyN(4),                        // Checksum
	cls(rng(0x00, 0x01)), zeros(3), // LoaderRevision 0-1
	anyN(1), zeros(3), // PlatformIDs, Reserved0
	anyN(3), lit(0x00), // DataSize
	anyN(3), lit(0x00), // TotalSize
	zeros(12), // Reserved1
)

// patAMD matches an AMD header from its second byte (the 0x20 of a BCD
// 20xx year), so matches are pulled back by one: month 01-13 (13 is a
// tolerated historical bad date), loader ID 00-06 with the 0x80 marker,
// north/south bridge vendor IDs absent or 0x1022, BIOS API revision 0-1
// and the reserved tail either empty or the AA filler.
var patAMD = newPattern(1,
	lit(0x20),      // Year high BCD byte
	cls(bcd01to31), // Day
	cls(bcd01to13), // Month
	anyN(4),        // UpdateRevision
	cls(rng(0x00, 0x06)), lit(0x80), // LoaderID
	anyN(6), // DataSize, InitializationFlag, DataChecksum
	either( // NorthBridgeVEN_ID: none or AMD
		[]byteClass{one(0x00), one(0x00)},
		[]byteClass{one(0x22), one(0x10)},
	),
	anyN(2), // NorthBridgeDEV_ID
	either( // SouthBridgeVEN_ID: none or AMD
		[]byteClass{one(0x00), one(0x00)},
		[]byteClass{one(0x22), one(0x10)},
	),
	anyN(6),              // SBDEV_ID, ProcessorSignature, NB/SB REV_ID
	cls(rng(0x00, 0x01)), // BiosApiREV_ID
	either( // Reserved: empty or AA filler
		[]byteClass{one(0x00), one(0x00), one(0x00)},
		[]byteClass{one(0xAA), one(0xAA), one(0xAA)},
	),
)

// patVIA matches the VIA header through TotalSize: RRAS signature, integer
// year 2006-2025, loader revision 1, size high bytes clear.
var patVIA = newPattern(0,
	lit('R', 'R', 'A', 'S'), // Signature
	anyN(4),                 // UpdateRevision
	cls(rng(0xD6, 0xE9)), lit(0x07), // Year 0x07D6-0x07E9 little-endian
	cls(rng(0x01, 0x1F)), // Day
	cls(rng(0x01, 0x0C)), // Month
	anyN(3), lit(0x00), // ProcessorSignature
	anyN(4),                     // Checksum
	lit(0x01, 0x00, 0x00, 0x00), // LoaderRevision
	anyN(7), lit(0x00), // CNRRevision, Reserved, DataSize
	anyN(3), lit(0x00), // TotalSize
)

// patFSL matches a Freescale container from its QEF signature (offset 4 of
// the structure, past TotalSize): header version 1, I-RAM flag 0 or 1 and
// both reserved dword regions empty.
var patFSL = newPattern(4,
	lit('Q', 'E', 'F'), // Signature
	lit(0x01),          // HeaderVersion
	anyN(62),           // Name
	cls(rng(0x00, 0x01)), // IRAM
	anyN(5),  // CountMC, Model, Major, Minor
	zeros(4), // Reserved0
	anyN(40), // ExtendedModes, VTraps
	zeros(4), // Reserved1
)
