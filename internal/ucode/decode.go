package ucode

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// readStruct decodes a fixed, byte-packed header layout at the given offset.
// Layouts are plain structs of fixed-width fields, so binary.Size is exact.
func readStruct(buf []byte, off int, order binary.ByteOrder, v interface{}) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("layout %T is not fixed-size", v)
	}
	if off < 0 || off+size > len(buf) {
		return fmt.Errorf("%w: need 0x%X bytes at 0x%X, have 0x%X", ErrTruncated, size, off, len(buf))
	}
	return binary.Read(bytes.NewReader(buf[off:off+size]), order, v)
}

// writeStruct encodes a fixed layout to bytes, the inverse of readStruct.
func writeStruct(order binary.ByteOrder, v interface{}) []byte {
	var b bytes.Buffer
	// Fixed-width field structs cannot fail to encode.
	_ = binary.Write(&b, order, v)
	return b.Bytes()
}

// cString trims a fixed-width byte field to its string content, dropping
// the NUL terminator and anything after it.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
