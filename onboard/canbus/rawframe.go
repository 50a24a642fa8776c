package canbus

import (
	"encoding/binary"
	"fmt"

	buserr "github.com/CodedInternet/robocan/onboard/errors"
)

// CAN_MTU is sizeof(struct can_frame): can_id, dlc, 3 pad bytes, 8 data bytes.
const CAN_MTU = 16

// toByteArray lays a frame out as a Linux struct can_frame.
func toByteArray(id ExtendedIdentifier, data []byte) (raw []byte, err error) {
	if len(data) > CAN_MAX_DLEN {
		return nil, buserr.ErrPayloadTooLong
	}

	raw = make([]byte, CAN_MTU)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(id))
	raw[4] = byte(len(data))
	copy(raw[8:], data)

	return
}

// msgFromByteArray is the inverse of toByteArray. The returned data does not
// alias raw.
func msgFromByteArray(raw []byte) (id ExtendedIdentifier, data []byte, err error) {
	if len(raw) < CAN_MTU {
		return 0, nil, fmt.Errorf("short can_frame: %d bytes", len(raw))
	}

	id = ExtendedIdentifier(binary.LittleEndian.Uint32(raw[0:4]))
	dlc := int(raw[4])
	if dlc > CAN_MAX_DLEN {
		return 0, nil, fmt.Errorf("invalid dlc %d", dlc)
	}

	data = make([]byte, dlc)
	copy(data, raw[8:8+dlc])
	return
}
