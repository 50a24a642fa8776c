package canbus

import (
	"errors"
	"fmt"

	"github.com/CodedInternet/robocan/onboard/catalog"
	buserr "github.com/CodedInternet/robocan/onboard/errors"
	"github.com/CodedInternet/robocan/onboard/registry"
	"github.com/rs/zerolog"
)

type State int

const (
	Uninitialized State = iota
	Configuring
	Operating
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Configuring:
		return "configuring"
	case Operating:
		return "operating"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config binds a transport to one node identity.
type Config struct {
	Profile registry.Profile
	Peer    registry.ModuleAddress // destination used by Send
	Bitrate Bitrate
	Catalog *catalog.Catalog
	Logger  *zerolog.Logger // nil disables logging
}

type Stats struct {
	Sent, Received, Malformed, TxErrors, RxErrors uint64
}

// Transport is the send/receive surface application loops use. It is driven
// from a single control loop and is not safe for concurrent use.
type Transport struct {
	cfg     Config
	ctrl    Controller
	codec   *Codec
	state   State
	filters []FilterSpec
	stats   Stats
	metrics transportMetrics
	log     zerolog.Logger
}

// NewTransport binds identity and speed. The controller is not touched until
// Begin.
func NewTransport(ctrl Controller, cfg Config) *Transport {
	if cfg.Bitrate == 0 {
		cfg.Bitrate = DefaultBitrate
	}
	if cfg.Peer == 0 {
		cfg.Peer = registry.Controller
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Transport{
		cfg:     cfg,
		ctrl:    ctrl,
		codec:   NewCodec(cfg.Catalog),
		state:   Uninitialized,
		metrics: newTransportMetrics(cfg.Profile.Address.String()),
		log:     logger.With().Str("component", "canbus").Stringer("module", cfg.Profile.Address).Logger(),
	}
}

// Begin resets the controller, sets the bitrate, installs the acceptance
// filters for this node and enters normal mode. On any failure the transport
// stays Uninitialized and the InitializationError names the failed step.
func (t *Transport) Begin() (err error) {
	if t.state != Uninitialized {
		return &buserr.InitializationError{Step: "begin", Err: fmt.Errorf("transport already %s", t.state)}
	}

	t.state = Configuring
	defer func() {
		if err != nil {
			t.state = Uninitialized
			t.filters = nil
			t.log.Error().Err(err).Msg("controller initialization failed")
		}
	}()

	if err = t.ctrl.Reset(); err != nil {
		return &buserr.InitializationError{Step: "reset", Err: err}
	}
	if err = t.ctrl.SetBitrate(t.cfg.Bitrate); err != nil {
		return &buserr.InitializationError{Step: "bitrate", Err: err}
	}

	filters := ComputeFilters(t.cfg.Profile.Address)
	if err = t.ctrl.SetFilters(filters); err != nil {
		return &buserr.InitializationError{Step: "filters", Err: err}
	}
	if err = t.ctrl.SetNormalMode(); err != nil {
		return &buserr.InitializationError{Step: "normal mode", Err: err}
	}

	t.filters = filters
	t.state = Operating
	t.log.Info().Stringer("bitrate", t.cfg.Bitrate).Stringer("peer", t.cfg.Peer).Msg("transport operating")
	return nil
}

func (t *Transport) State() State {
	return t.state
}

func (t *Transport) Profile() registry.Profile {
	return t.cfg.Profile
}

func (t *Transport) Peer() registry.ModuleAddress {
	return t.cfg.Peer
}

func (t *Transport) Catalog() *catalog.Catalog {
	return t.codec.Catalog
}

// Filters returns the filters installed by Begin.
func (t *Transport) Filters() []FilterSpec {
	out := make([]FilterSpec, len(t.filters))
	copy(out, t.filters)
	return out
}

func (t *Transport) Stats() Stats {
	return t.stats
}

// Send transmits a packet to the configured peer.
func (t *Transport) Send(typ catalog.PacketType, payload []byte) error {
	return t.SendTo(t.cfg.Peer, typ, payload)
}

// SendTo transmits a packet to dst. It returns nil only when the controller
// accepted the frame; failures are returned as is and never retried here.
func (t *Transport) SendTo(dst registry.ModuleAddress, typ catalog.PacketType, payload []byte) error {
	if t.state != Operating {
		return &buserr.InitializationError{Step: "send", Err: buserr.ErrNotOperating}
	}
	if !t.cfg.Profile.Supports(typ) {
		return &buserr.EncodingError{Type: uint8(typ), Len: len(payload), Err: buserr.ErrUnsupported}
	}

	id, data, err := t.codec.Encode(Frame{
		Source:      t.cfg.Profile.Address,
		Destination: dst,
		Type:        typ,
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	if err := t.ctrl.Transmit(id, data); err != nil {
		t.stats.TxErrors++
		t.metrics.txErrors.Inc()
		return &buserr.TransportError{Op: "transmit", Err: err}
	}
	t.stats.Sent++
	t.metrics.sent.Inc()
	t.log.Trace().Stringer("id", id).Stringer("type", typ).Hex("data", data).Msg("tx")
	return nil
}

// Receive polls the controller without blocking. It returns ErrNoMessage when
// nothing is pending, a TransportError when the controller fails and a
// MalformedFrameError when a frame was read but did not match the catalog;
// that frame is dropped.
func (t *Transport) Receive() (f Frame, err error) {
	if t.state != Operating {
		return f, &buserr.InitializationError{Step: "receive", Err: buserr.ErrNotOperating}
	}

	id, data, err := t.ctrl.Receive()
	switch {
	case errors.Is(err, ErrNoMessage):
		return f, ErrNoMessage
	case err != nil:
		t.stats.RxErrors++
		t.metrics.rxErrors.Inc()
		return f, &buserr.TransportError{Op: "receive", Err: err}
	}

	f, err = t.codec.Decode(id, data)
	if err != nil {
		t.stats.Malformed++
		t.metrics.malformed.Inc()
		t.log.Warn().Err(err).Msg("dropping malformed frame")
		return Frame{}, err
	}
	t.stats.Received++
	t.metrics.received.Inc()
	t.log.Trace().Stringer("id", id).Stringer("type", f.Type).Hex("data", data).Msg("rx")
	return f, nil
}
