//go:build !linux

package canbus

import (
	"errors"

	"github.com/rs/zerolog"
)

var errNoSocketCAN = errors.New("socketcan is only available on linux")

// SocketCAN is unavailable off Linux; every operation fails so Begin reports
// an initialization error. Use a SimController instead.
type SocketCAN struct {
	ifname string
	log    zerolog.Logger
}

func NewSocketCAN(ifname string, logger zerolog.Logger) *SocketCAN {
	return &SocketCAN{ifname: ifname, log: logger}
}

func (c *SocketCAN) Reset() error {
	c.log.Warn().Str("iface", c.ifname).Msg("socketcan unavailable on this platform")
	return errNoSocketCAN
}

func (c *SocketCAN) SetBitrate(Bitrate) error { return errNoSocketCAN }

func (c *SocketCAN) SetFilters([]FilterSpec) error { return errNoSocketCAN }

func (c *SocketCAN) SetNormalMode() error { return errNoSocketCAN }

func (c *SocketCAN) Transmit(ExtendedIdentifier, []byte) error { return errNoSocketCAN }

func (c *SocketCAN) Receive() (ExtendedIdentifier, []byte, error) {
	return 0, nil, errNoSocketCAN
}

func (c *SocketCAN) Close() error { return nil }
