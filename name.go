package isobus

import "encoding/binary"

// Name is the 64-bit ISO 11783 / SAE J1939 NAME identity. It never changes
// for the lifetime of a control function and is compared as an unsigned
// 64-bit integer during address-claim contention: the lower NAME wins.
//
// Bitfields, from the least significant bit:
//
//	identity number       21 bits
//	manufacturer code      11 bits
//	ECU instance            3 bits
//	function instance       5 bits
//	function code           8 bits
//	reserved                 1 bit
//	device class             7 bits
//	device class instance    4 bits
//	industry group            3 bits
//	self configurable          1 bit
type Name uint64

const (
	nameIdentityNumberBits     = 21
	nameManufacturerCodeBits   = 11
	nameECUInstanceBits        = 3
	nameFunctionInstanceBits   = 5
	nameFunctionCodeBits       = 8
	nameReservedBits           = 1
	nameDeviceClassBits        = 7
	nameDeviceClassInstance    = 4
	nameIndustryGroupBits      = 3
	nameSelfConfigurableBits   = 1
	nameIdentityNumberShift    = 0
	nameManufacturerCodeShift  = nameIdentityNumberShift + nameIdentityNumberBits
	nameECUInstanceShift       = nameManufacturerCodeShift + nameManufacturerCodeBits
	nameFunctionInstanceShift  = nameECUInstanceShift + nameECUInstanceBits
	nameFunctionCodeShift      = nameFunctionInstanceShift + nameFunctionInstanceBits
	nameReservedShift          = nameFunctionCodeShift + nameFunctionCodeBits
	nameDeviceClassShift       = nameReservedShift + nameReservedBits
	nameDeviceClassInstShift   = nameDeviceClassShift + nameDeviceClassBits
	nameIndustryGroupShift     = nameDeviceClassInstShift + nameDeviceClassInstance
	nameSelfConfigurableShift  = nameIndustryGroupShift + nameIndustryGroupBits
)

func bitMask(bits uint) uint64 {
	return (uint64(1) << bits) - 1
}

func field(v Name, shift uint, bits uint) uint64 {
	return (uint64(v) >> shift) & bitMask(bits)
}

func withField(v Name, shift uint, bits uint, value uint64) Name {
	mask := bitMask(bits) << shift
	return Name((uint64(v) &^ mask) | ((value << shift) & mask))
}

// NameFields is the decomposed, human-editable form of a Name.
type NameFields struct {
	IdentityNumber     uint32
	ManufacturerCode   uint16
	ECUInstance        uint8
	FunctionInstance   uint8
	FunctionCode       uint8
	DeviceClass        uint8
	DeviceClassInst    uint8
	IndustryGroup      uint8
	SelfConfigurable   bool
}

// NewName packs NameFields into a Name, truncating any field that overflows
// its bit width.
func NewName(f NameFields) Name {
	var n Name
	n = withField(n, nameIdentityNumberShift, nameIdentityNumberBits, uint64(f.IdentityNumber))
	n = withField(n, nameManufacturerCodeShift, nameManufacturerCodeBits, uint64(f.ManufacturerCode))
	n = withField(n, nameECUInstanceShift, nameECUInstanceBits, uint64(f.ECUInstance))
	n = withField(n, nameFunctionInstanceShift, nameFunctionInstanceBits, uint64(f.FunctionInstance))
	n = withField(n, nameFunctionCodeShift, nameFunctionCodeBits, uint64(f.FunctionCode))
	n = withField(n, nameDeviceClassShift, nameDeviceClassBits, uint64(f.DeviceClass))
	n = withField(n, nameDeviceClassInstShift, nameDeviceClassInstance, uint64(f.DeviceClassInst))
	n = withField(n, nameIndustryGroupShift, nameIndustryGroupBits, uint64(f.IndustryGroup))
	if f.SelfConfigurable {
		n = withField(n, nameSelfConfigurableShift, nameSelfConfigurableBits, 1)
	}
	return n
}

// Fields decomposes the Name back into its named bitfields.
func (n Name) Fields() NameFields {
	return NameFields{
		IdentityNumber:   uint32(field(n, nameIdentityNumberShift, nameIdentityNumberBits)),
		ManufacturerCode: uint16(field(n, nameManufacturerCodeShift, nameManufacturerCodeBits)),
		ECUInstance:      uint8(field(n, nameECUInstanceShift, nameECUInstanceBits)),
		FunctionInstance: uint8(field(n, nameFunctionInstanceShift, nameFunctionInstanceBits)),
		FunctionCode:     uint8(field(n, nameFunctionCodeShift, nameFunctionCodeBits)),
		DeviceClass:      uint8(field(n, nameDeviceClassShift, nameDeviceClassBits)),
		DeviceClassInst:  uint8(field(n, nameDeviceClassInstShift, nameDeviceClassInstance)),
		IndustryGroup:    uint8(field(n, nameIndustryGroupShift, nameIndustryGroupBits)),
		SelfConfigurable: field(n, nameSelfConfigurableShift, nameSelfConfigurableBits) != 0,
	}
}

// IsSelfConfigurable reports whether the self-configurable-address bit is set.
func (n Name) IsSelfConfigurable() bool {
	return field(n, nameSelfConfigurableShift, nameSelfConfigurableBits) != 0
}

// Less reports whether n wins address-claim contention against other, i.e.
// whether n's numeric value is strictly lower.
func (n Name) Less(other Name) bool {
	return uint64(n) < uint64(other)
}

// Bytes serializes the Name to its 8-byte little-endian wire representation,
// as carried in PGN 0xEE00 (address claimed) data bytes.
func (n Name) Bytes() [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	return b
}

// NameFromBytes is the inverse of Name.Bytes.
func NameFromBytes(b []byte) Name {
	return Name(binary.LittleEndian.Uint64(b))
}
