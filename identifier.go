package isobus

// Package-level address constants.
const (
	// NullAddress means "no address / cannot claim".
	NullAddress uint8 = 0xFE
	// BroadcastAddress is the global destination address.
	BroadcastAddress uint8 = 0xFF
)

// PGN is an 18-bit Parameter Group Number.
type PGN uint32

const (
	PGNAddressClaim PGN = 0xEE00
	PGNRequest      PGN = 0xEA00
	PGNAcknowledge  PGN = 0xE800
	PGNTPControl    PGN = 0xEC00
	PGNTPData       PGN = 0xEB00
	PGNETPControl   PGN = 0xC800
	PGNETPData      PGN = 0xC700
)

// Identifier is a decoded 29-bit extended CAN identifier.
type Identifier struct {
	Priority    uint8 // 3 bits, 0 (highest) .. 7 (lowest)
	DataPage    uint8 // 2 bits: extended-data-page + data-page
	PDUFormat   uint8 // 8 bits
	PDUSpecific uint8 // 8 bits: destination address (PDU1) or group extension (PDU2)
	Source      uint8 // 8 bits
}

// IsPDU2 reports whether the identifier's PDU format puts it in the PDU2
// (broadcast-only) group, i.e. PDUFormat >= 240.
func (id Identifier) IsPDU2() bool {
	return id.PDUFormat >= 240
}

// PGN derives the Parameter Group Number carried by this identifier. For
// PDU1 (destination-specific, PDUFormat < 240) the destination byte is not
// part of the PGN. For PDU2 (broadcast, PDUFormat >= 240) the PDUSpecific
// byte is the PGN's group-extension and is folded in.
func (id Identifier) PGN() PGN {
	base := (uint32(id.DataPage) << 16) | (uint32(id.PDUFormat) << 8)
	if id.IsPDU2() {
		return PGN(base | uint32(id.PDUSpecific))
	}
	return PGN(base)
}

// Destination returns the destination address for a PDU1 identifier, or
// BroadcastAddress for PDU2 identifiers (which are always broadcast).
func (id Identifier) Destination() uint8 {
	if id.IsPDU2() {
		return BroadcastAddress
	}
	return id.PDUSpecific
}

// IsBroadcast reports whether the identifier targets every node: either it
// is PDU2 (always broadcast) or its PDU1 destination is BroadcastAddress.
func (id Identifier) IsBroadcast() bool {
	return id.IsPDU2() || id.PDUSpecific == BroadcastAddress
}

// Uint32 packs the identifier into its 29-bit wire value (bit 28 = MSB of
// priority), ready to be placed in the extended-ID field of a CAN frame.
func (id Identifier) Uint32() uint32 {
	v := uint32(id.Source)
	v |= uint32(id.PDUSpecific) << 8
	v |= uint32(id.PDUFormat) << 16
	v |= uint32(id.DataPage&0x3) << 24
	v |= uint32(id.Priority&0x7) << 26
	return v
}

// DecodeIdentifier parses a 29-bit extended CAN identifier into its fields.
func DecodeIdentifier(canID uint32) Identifier {
	return Identifier{
		Priority:    uint8((canID >> 26) & 0x7),
		DataPage:    uint8((canID >> 24) & 0x3),
		PDUFormat:   uint8((canID >> 16) & 0xFF),
		PDUSpecific: uint8((canID >> 8) & 0xFF),
		Source:      uint8(canID),
	}
}

// EncodeIdentifier builds an Identifier from a (priority, pgn, source,
// destination) tuple, the inverse of the (priority, pgn, source,
// destination) view exposed by Identifier.PGN/Destination/Source. Encode
// enforces the PDU1/PDU2 split: for PF < 240 the destination byte carries
// the specific destination and the PGN's low byte is not folded into the
// identifier; for PF >= 240 the destination is forced to BroadcastAddress
// and the PGN's low byte becomes PDUSpecific.
func EncodeIdentifier(priority uint8, pgn PGN, source uint8, destination uint8) Identifier {
	dataPage := uint8((pgn >> 16) & 0x3)
	pduFormat := uint8((pgn >> 8) & 0xFF)

	id := Identifier{
		Priority:  priority & 0x7,
		DataPage:  dataPage,
		PDUFormat: pduFormat,
		Source:    source,
	}
	if pduFormat >= 240 {
		id.PDUSpecific = uint8(pgn & 0xFF)
	} else {
		id.PDUSpecific = destination
	}
	return id
}

// Encode is a convenience wrapper returning the wire-ready 29-bit value
// directly, combining EncodeIdentifier and Identifier.Uint32.
func Encode(priority uint8, pgn PGN, source uint8, destination uint8) uint32 {
	return EncodeIdentifier(priority, pgn, source, destination).Uint32()
}

// Decode is the inverse of Encode: it returns the (priority, pgn, source,
// destination) tuple carried by a wire-format 29-bit identifier.
func Decode(canID uint32) (priority uint8, pgn PGN, source uint8, destination uint8) {
	id := DecodeIdentifier(canID)
	return id.Priority, id.PGN(), id.Source, id.Destination()
}
