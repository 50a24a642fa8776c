package canbus

import (
	"errors"
	"sync"

	buserr "github.com/CodedInternet/robocan/onboard/errors"
)

var (
	ErrConfigMode = errors.New("controller is not in configuration mode")
	ErrNotNormal  = errors.New("controller is not in normal mode")
	ErrTxBusy     = errors.New("transmit buffers full")
)

// DefaultSimQueue is the receive queue depth of a simulated controller.
const DefaultSimQueue = 16

type simMode int

const (
	simPowerOn simMode = iota
	simConfig
	simNormal
)

// SimBus is an in-memory CAN bus shared by simulated controllers. Frames sent
// by one controller are delivered to every other controller in normal mode at
// the same bitrate whose filters accept them.
type SimBus struct {
	mu    sync.Mutex
	nodes []*SimController
	taps  []func(id ExtendedIdentifier, data []byte)
}

func NewSimBus() *SimBus {
	return new(SimBus)
}

// Attach connects a new controller to the bus.
func (b *SimBus) Attach() *SimController {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := &SimController{bus: b, QueueSize: DefaultSimQueue}
	b.nodes = append(b.nodes, c)
	return c
}

// Tap registers a listener that sees every frame on the bus, unfiltered.
func (b *SimBus) Tap(fn func(id ExtendedIdentifier, data []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, fn)
}

// Inject puts a raw frame on the bus as if sent by a foreign node.
func (b *SimBus) Inject(id ExtendedIdentifier, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver(nil, 0, id, data)
}

// deliver must be called with b.mu held. A zero bitrate reaches every node.
func (b *SimBus) deliver(from *SimController, rate Bitrate, id ExtendedIdentifier, data []byte) {
	for _, fn := range b.taps {
		fn(id, append([]byte(nil), data...))
	}
	for _, n := range b.nodes {
		if n == from || n.mode != simNormal {
			continue
		}
		if rate != 0 && n.bitrate != rate {
			continue
		}
		if n.filters != nil && !Accepts(n.filters, id) {
			continue
		}
		if len(n.rx) >= n.QueueSize {
			n.Overflows++
			continue
		}
		n.rx = append(n.rx, simFrame{id: id, data: append([]byte(nil), data...)})
	}
}

type simFrame struct {
	id   ExtendedIdentifier
	data []byte
}

// SimController behaves like an MCP2515 attached to a SimBus: reset enters
// configuration mode, filters can only be written in configuration mode and
// frames flow only in normal mode. The *Err fields inject failures.
type SimController struct {
	bus       *SimBus
	mode      simMode
	bitrate   Bitrate
	masks     [MaskSlots]uint32
	filters   []FilterSpec
	rx        []simFrame
	QueueSize int
	Overflows int

	ResetErr, BitrateErr, FilterErr, NormalErr, TxErr, RxErr error
}

func (c *SimController) Reset() error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	if c.ResetErr != nil {
		return c.ResetErr
	}
	c.mode = simConfig
	c.bitrate = 0
	c.masks = [MaskSlots]uint32{}
	c.filters = nil
	c.rx = nil
	return nil
}

func (c *SimController) SetBitrate(rate Bitrate) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	if c.BitrateErr != nil {
		return c.BitrateErr
	}
	if c.mode != simConfig {
		return ErrConfigMode
	}
	c.bitrate = rate
	return nil
}

func (c *SimController) SetFilters(filters []FilterSpec) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	if c.FilterErr != nil {
		return c.FilterErr
	}
	switch c.mode {
	case simNormal:
		return buserr.ErrNormalMode
	case simPowerOn:
		return ErrConfigMode
	}

	masks, err := Masks(filters)
	if err != nil {
		return err
	}
	c.masks = masks
	c.filters = append([]FilterSpec(nil), filters...)
	return nil
}

func (c *SimController) SetNormalMode() error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	if c.NormalErr != nil {
		return c.NormalErr
	}
	if c.mode != simConfig {
		return ErrConfigMode
	}
	c.mode = simNormal
	return nil
}

func (c *SimController) Transmit(id ExtendedIdentifier, data []byte) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	if c.TxErr != nil {
		return c.TxErr
	}
	if c.mode != simNormal {
		return ErrNotNormal
	}
	c.bus.deliver(c, c.bitrate, id, data)
	return nil
}

func (c *SimController) Receive() (id ExtendedIdentifier, data []byte, err error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	if c.RxErr != nil {
		return 0, nil, c.RxErr
	}
	if len(c.rx) == 0 {
		return 0, nil, ErrNoMessage
	}
	f := c.rx[0]
	c.rx = c.rx[1:]
	return f.id, f.data, nil
}

// Pending returns the number of queued frames.
func (c *SimController) Pending() int {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	return len(c.rx)
}

// Masks returns the masks programmed by the last SetFilters.
func (c *SimController) Masks() [MaskSlots]uint32 {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	return c.masks
}
