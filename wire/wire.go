// Package wire provides the length-prefixed binary encoding used for
// RPC args/replies and capacity announcements crossing the overlay.
// Published descriptors do not use it; they travel in
// contract.MarshalDescriptor's JSON form. It is a thin wrapper around
// gitlab.com/NebulousLabs/encoding, the same codec the teacher's RPC
// layer uses on the wire.
package wire

import (
	"io"

	"gitlab.com/NebulousLabs/encoding"
	"gitlab.com/NebulousLabs/errors"
)

// MaxLen bounds a single decoded message, matching the teacher's
// practice of refusing to allocate for an attacker-controlled length
// prefix.
const MaxLen = 64 * 1024 * 1024

// Marshal encodes v into its wire representation.
func Marshal(v interface{}) ([]byte, error) {
	return encoding.Marshal(v), nil
}

// Unmarshal decodes b into v, which must be a pointer.
func Unmarshal(b []byte, v interface{}) error {
	if len(b) > MaxLen {
		return errors.New("wire: message exceeds maximum length")
	}
	return encoding.Unmarshal(b, v)
}

// WriteObject writes v to w length-prefixed, mirroring the framing the
// renter-host negotiation protocol uses over a raw connection.
func WriteObject(w io.Writer, v interface{}) error {
	return encoding.WriteObject(w, v)
}

// ReadObject reads a length-prefixed object from r into v (a pointer),
// refusing to decode more than maxLen bytes.
func ReadObject(r io.Reader, v interface{}, maxLen uint64) error {
	return encoding.ReadObject(r, v, maxLen)
}
