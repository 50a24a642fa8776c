package canbus

import (
	"errors"
	"fmt"

	"github.com/CodedInternet/robocan/onboard/catalog"
	buserr "github.com/CodedInternet/robocan/onboard/errors"
	"github.com/CodedInternet/robocan/onboard/registry"
)

// Frame is one addressed packet. Payload is owned by the caller; the codec
// never retains it.
type Frame struct {
	Source      registry.ModuleAddress
	Destination registry.ModuleAddress
	Type        catalog.PacketType
	Payload     []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s->%s %s [% X]", f.Source, f.Destination, f.Type, f.Payload)
}

// Codec maps frames to identifiers and back, checking payloads against a
// packet catalog.
type Codec struct {
	Catalog *catalog.Catalog
}

// NewCodec returns a codec over cat, or the default catalog when cat is nil.
func NewCodec(cat *catalog.Catalog) *Codec {
	if cat == nil {
		cat = catalog.Default()
	}
	return &Codec{Catalog: cat}
}

// Encode builds the identifier for f and returns it with the payload
// unchanged. Oversized payloads, unknown types and payloads that do not match
// the catalog are reported as an EncodingError and no identifier is produced.
func (c *Codec) Encode(f Frame) (id ExtendedIdentifier, data []byte, err error) {
	if len(f.Payload) > CAN_MAX_DLEN {
		return 0, nil, &buserr.EncodingError{Type: uint8(f.Type), Len: len(f.Payload), Err: buserr.ErrPayloadTooLong}
	}

	reason, known := c.Catalog.CheckLength(f.Type, len(f.Payload))
	if !known {
		return 0, nil, &buserr.EncodingError{Type: uint8(f.Type), Len: len(f.Payload), Err: buserr.ErrUnknownType}
	}
	if reason != "" {
		return 0, nil, &buserr.EncodingError{Type: uint8(f.Type), Len: len(f.Payload), Err: errors.New(reason)}
	}

	return MakeIdentifier(f.Source, f.Destination, f.Type), f.Payload, nil
}

// Decode extracts the addressing fields from id and validates data against
// the catalog. Anything that does not match is a MalformedFrameError; short
// payloads are never padded.
func (c *Codec) Decode(id ExtendedIdentifier, data []byte) (f Frame, err error) {
	malformed := func(reason string) error {
		return &buserr.MalformedFrameError{ID: uint32(id), Type: uint8(id.Type()), Len: len(data), Reason: reason}
	}

	switch {
	case !id.Extended():
		return f, malformed("standard identifier")
	case !id.Valid():
		return f, malformed("reserved identifier bits set")
	case len(data) > CAN_MAX_DLEN:
		return f, malformed("data field exceeds 8 bytes")
	}

	reason, known := c.Catalog.CheckLength(id.Type(), len(data))
	if !known {
		return f, malformed("type not in catalog")
	}
	if reason != "" {
		return f, malformed(reason)
	}

	f = Frame{
		Source:      id.Source(),
		Destination: id.Destination(),
		Type:        id.Type(),
		Payload:     data,
	}
	return f, nil
}
