package isobus

// PaddingByte fills unused payload bytes in an 8-byte CAN frame.
const PaddingByte byte = 0xFF

// Frame is an immutable 8-byte-payload CAN frame bundle: an extended
// identifier plus data. Length is the length of the semantic payload before
// padding; the wire Data is always 8 bytes long.
type Frame struct {
	ID     Identifier
	Data   [8]byte
	Length uint8
}

// NewFrame builds a Frame from a (possibly short) payload, padding any
// remaining bytes up to 8 with PaddingByte.
func NewFrame(id Identifier, payload []byte) Frame {
	var f Frame
	f.ID = id
	for i := range f.Data {
		f.Data[i] = PaddingByte
	}
	n := len(payload)
	if n > 8 {
		n = 8
	}
	copy(f.Data[:n], payload[:n])
	f.Length = uint8(n)
	return f
}

// Payload returns the semantic (unpadded) payload bytes.
func (f Frame) Payload() []byte {
	return f.Data[:f.Length]
}

// CANID returns the wire-format 29-bit identifier for this frame.
func (f Frame) CANID() uint32 {
	return f.ID.Uint32()
}

// PGN is a shorthand for f.ID.PGN().
func (f Frame) PGN() PGN {
	return f.ID.PGN()
}
