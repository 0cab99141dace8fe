package isobus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameRoundTrip(t *testing.T) {
	// Property R2: Name.Bytes() then NameFromBytes() is the identity.
	fields := NameFields{
		IdentityNumber:   0x1ABCDE & ((1 << 21) - 1),
		ManufacturerCode: 0x123 & ((1 << 11) - 1),
		ECUInstance:      0x5 & 0x7,
		FunctionInstance: 0x15 & 0x1F,
		FunctionCode:     0xAB,
		DeviceClass:      0x55 & 0x7F,
		DeviceClassInst:  0x9 & 0xF,
		IndustryGroup:    0x2,
		SelfConfigurable: true,
	}
	n := NewName(fields)

	b := n.Bytes()
	got := NameFromBytes(b[:])
	assert.Equal(t, n, got)
	assert.Equal(t, fields, got.Fields())
}

func TestNameLessOrdering(t *testing.T) {
	lower := NewName(NameFields{IdentityNumber: 50})
	higher := NewName(NameFields{IdentityNumber: 100})

	assert.True(t, lower.Less(higher))
	assert.False(t, higher.Less(lower))
	assert.False(t, lower.Less(lower))
}

func TestNameSelfConfigurableBit(t *testing.T) {
	on := NewName(NameFields{SelfConfigurable: true})
	off := NewName(NameFields{SelfConfigurable: false})

	assert.True(t, on.IsSelfConfigurable())
	assert.False(t, off.IsSelfConfigurable())
	// self-configurable bit must not perturb any other field
	onFields := on.Fields()
	onFields.SelfConfigurable = false
	assert.Equal(t, off.Fields(), onFields)
}

func TestNameFieldOverflowTruncates(t *testing.T) {
	// IdentityNumber is 21 bits; a value with bit 21 set must be masked off
	// rather than bleeding into ManufacturerCode.
	n := NewName(NameFields{IdentityNumber: 1 << 21, ManufacturerCode: 7})
	assert.Equal(t, uint32(0), n.Fields().IdentityNumber)
	assert.Equal(t, uint16(7), n.Fields().ManufacturerCode)
}
