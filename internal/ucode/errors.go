package ucode

import (
	"errors"
	"fmt"
)

// ErrTruncated is returned when a header read would run past the end of the
// input buffer. It aborts processing of the whole file, not just the
// candidate, since every later offset is equally unreadable.
var ErrTruncated = errors.New("structure exceeds input buffer")

// RejectReason classifies why a scanner hit failed validation.
type RejectReason string

const (
	RejectInvalidDate      RejectReason = "invalid date"
	RejectNullData         RejectReason = "null data at probe offset"
	RejectUnknownSize      RejectReason = "unknown size for family"
	RejectVendorIDMismatch RejectReason = "bridge vendor ID mismatch"
)

// Rejection is the validator verdict for a candidate that is not a
// microcode. It carries enough detail for a human-readable diagnostic.
type Rejection struct {
	Reason RejectReason
	Offset int
	Detail string
}

func (r *Rejection) String() string {
	if r.Detail != "" {
		return fmt.Sprintf("0x%X: %s (%s)", r.Offset, r.Reason, r.Detail)
	}
	return fmt.Sprintf("0x%X: %s", r.Offset, r.Reason)
}
