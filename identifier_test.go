package isobus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeIdentifier(t *testing.T) {
	var testCases = []struct {
		name        string
		priority    uint8
		pgn         PGN
		source      uint8
		destination uint8
		expectBcast bool
	}{
		{
			name:        "PDU1 destination-specific request",
			priority:    6,
			pgn:         PGNRequest,
			source:      0x28,
			destination: 0x30,
			expectBcast: false,
		},
		{
			name:        "PDU1 destination-specific, broadcast destination",
			priority:    6,
			pgn:         PGNAddressClaim,
			source:      0x28,
			destination: BroadcastAddress,
			expectBcast: true,
		},
		{
			name:        "PDU2 broadcast PGN ignores supplied destination",
			priority:    3,
			pgn:         0xFECA,
			source:      0x17,
			destination: 0x30, // ignored: PF=0xFE >= 240
			expectBcast: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			canID := Encode(tc.priority, tc.pgn, tc.source, tc.destination)
			priority, pgn, source, destination := Decode(canID)

			assert.Equal(t, tc.priority, priority)
			assert.Equal(t, tc.pgn, pgn)
			assert.Equal(t, tc.source, source)
			if tc.expectBcast {
				assert.Equal(t, BroadcastAddress, destination)
			} else {
				assert.Equal(t, tc.destination, destination)
			}

			id := DecodeIdentifier(canID)
			assert.Equal(t, tc.expectBcast, id.IsBroadcast())
		})
	}
}

// TestIdentifierRoundTrip is property R1: encode then decode yields the
// original tuple for every PDU1 destination-specific combination.
func TestIdentifierRoundTrip(t *testing.T) {
	for _, pgn := range []PGN{0x0000, 0xEA00, 0xEC00, 0xEB00, 0x1234} {
		for _, src := range []uint8{0x00, 0x28, 0xFD} {
			for _, dst := range []uint8{0x00, 0x30, 0xFF} {
				canID := Encode(6, pgn, src, dst)
				priority, gotPGN, gotSrc, gotDst := Decode(canID)
				assert.Equal(t, uint8(6), priority)
				assert.Equal(t, pgn, gotPGN)
				assert.Equal(t, src, gotSrc)
				assert.Equal(t, dst, gotDst)
			}
		}
	}
}

func TestPDUFormatBoundary(t *testing.T) {
	// PF == 239 is PDU1 (destination specific); PF == 240 is PDU2 (broadcast).
	pdu1 := DecodeIdentifier(Encode(0, PGN(239<<8), 0x10, 0x20))
	assert.False(t, pdu1.IsPDU2())
	assert.Equal(t, uint8(0x20), pdu1.Destination())

	pdu2 := DecodeIdentifier(Encode(0, PGN(240<<8), 0x10, 0x20))
	assert.True(t, pdu2.IsPDU2())
	assert.Equal(t, BroadcastAddress, pdu2.Destination())
}
