package monitor

import (
	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/brutella/can"
)

// Handle lets a Monitor subscribe to a brutella/can bus.
func (m *Monitor) Handle(frame can.Frame) {
	n := int(frame.Length)
	if n > len(frame.Data) {
		n = len(frame.Data)
	}
	m.Ingest(identifierOf(frame), append([]byte(nil), frame.Data[:n]...))
}

// identifierOf keeps the kernel's EFF flag; identifiers wider than 11 bits
// can only be extended.
func identifierOf(frame can.Frame) canbus.ExtendedIdentifier {
	id := frame.ID
	if id&canbus.CAN_EFF_FLAG == 0 && id&canbus.CAN_EFF_MASK > 0x7FF {
		id |= canbus.CAN_EFF_FLAG
	}
	return canbus.ExtendedIdentifier(id)
}

// Capture listens promiscuously on a SocketCAN interface. Unlike a node's
// transport it installs no acceptance filters.
type Capture struct {
	bus *can.Bus
}

func NewCapture(ifname string, m *Monitor) (*Capture, error) {
	bus, err := can.NewBusForInterfaceWithName(ifname)
	if err != nil {
		return nil, err
	}
	bus.Subscribe(m)
	return &Capture{bus: bus}, nil
}

// Run reads frames until Close is called.
func (c *Capture) Run() error {
	return c.bus.ConnectAndPublish()
}

func (c *Capture) Close() error {
	return c.bus.Disconnect()
}
