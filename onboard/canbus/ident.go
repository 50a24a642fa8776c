package canbus

import (
	"fmt"

	"github.com/CodedInternet/robocan/onboard/catalog"
	"github.com/CodedInternet/robocan/onboard/registry"
)

// Identifier layout, least significant bit first:
//
//	bits  0-7   source module address
//	bits  8-15  destination module address
//	bits 16-23  packet type
//	bits 24-28  reserved, always zero
//
// CAN_EFF_FLAG is set on every frame this package puts on the wire.
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_EFF_MASK = 0x1fffffff
	CAN_MAX_DLEN = 8

	sourceShift      = 0
	destinationShift = 8
	typeShift        = 16

	SourceMask      = 0x000000ff
	DestinationMask = 0x0000ff00
	TypeMask        = 0x00ff0000
	ReservedMask    = 0x1f000000
)

// ExtendedIdentifier is the 29-bit arbitration field plus the EFF flag, in the
// same layout as Linux can_id.
type ExtendedIdentifier uint32

// MakeIdentifier places the addressing fields into an identifier.
func MakeIdentifier(src, dst registry.ModuleAddress, t catalog.PacketType) ExtendedIdentifier {
	return ExtendedIdentifier(CAN_EFF_FLAG |
		uint32(src)<<sourceShift |
		uint32(dst)<<destinationShift |
		uint32(t)<<typeShift)
}

func (id ExtendedIdentifier) Source() registry.ModuleAddress {
	return registry.ModuleAddress((uint32(id) & SourceMask) >> sourceShift)
}

func (id ExtendedIdentifier) Destination() registry.ModuleAddress {
	return registry.ModuleAddress((uint32(id) & DestinationMask) >> destinationShift)
}

func (id ExtendedIdentifier) Type() catalog.PacketType {
	return catalog.PacketType((uint32(id) & TypeMask) >> typeShift)
}

// Extended reports whether the EFF flag is set.
func (id ExtendedIdentifier) Extended() bool {
	return uint32(id)&CAN_EFF_FLAG != 0
}

// Raw is the 29-bit identifier without flags.
func (id ExtendedIdentifier) Raw() uint32 {
	return uint32(id) & CAN_EFF_MASK
}

// Valid reports whether id follows the addressing scheme: extended, a data
// frame and reserved bits clear.
func (id ExtendedIdentifier) Valid() bool {
	return id.Extended() &&
		uint32(id)&(CAN_RTR_FLAG|CAN_ERR_FLAG) == 0 &&
		uint32(id)&ReservedMask == 0
}

func (id ExtendedIdentifier) String() string {
	return fmt.Sprintf("%08X", id.Raw())
}
