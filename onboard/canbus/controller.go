package canbus

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoMessage is returned by Receive when nothing is pending. It is not a
// failure.
var ErrNoMessage = errors.New("no message available")

type Bitrate uint32

const (
	CAN_125KBPS  Bitrate = 125000
	CAN_250KBPS  Bitrate = 250000
	CAN_500KBPS  Bitrate = 500000
	CAN_1000KBPS Bitrate = 1000000
)

// Network-wide bus parameters.
const (
	DefaultBitrate      = CAN_125KBPS
	DefaultTxTimeout    = 10 * time.Millisecond
	DefaultReplyTimeout = 1000 * time.Millisecond
)

func ParseBitrate(bps uint32) (Bitrate, error) {
	switch b := Bitrate(bps); b {
	case CAN_125KBPS, CAN_250KBPS, CAN_500KBPS, CAN_1000KBPS:
		return b, nil
	}
	return 0, fmt.Errorf("unsupported bitrate %d", bps)
}

func (b Bitrate) String() string {
	return fmt.Sprintf("%dkbps", uint32(b)/1000)
}

// Controller is the CAN controller the transport drives. These six
// operations are all the transport needs from the hardware.
//
// SetFilters is only valid before SetNormalMode; controllers must reject it
// afterwards. Transmit may wait for the controller but only up to a bounded
// timeout. Receive never blocks and returns ErrNoMessage when no frame is
// pending.
type Controller interface {
	Reset() error
	SetBitrate(rate Bitrate) error
	SetFilters(filters []FilterSpec) error
	SetNormalMode() error
	Transmit(id ExtendedIdentifier, data []byte) error
	Receive() (id ExtendedIdentifier, data []byte, err error)
}
