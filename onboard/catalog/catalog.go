// Package catalog holds the network-wide table of packet types. Every node
// links the same table, so a code always means the same thing on the bus.
package catalog

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver"
)

// MaxPayload is the largest classic CAN data field.
const MaxPayload = 8

// Version of the default catalog. Adding a packet type bumps the minor
// version; changing the meaning or length of an existing code bumps the major.
const Version = "1.1.0"

type PacketType uint8

const (
	CatalogVersion      PacketType = 0x01
	DataPitch           PacketType = 0x04 // deprecated, kept for old head modules
	BatteryVoltage      PacketType = 0x11
	BatteryPercent      PacketType = 0x12
	BatteryTemperature  PacketType = 0x13
	MotorSetpoint       PacketType = 0x21
	MotorFeedback       PacketType = 0x22
	JointYawFeedback    PacketType = 0x32
	EEPitchSetpoint     PacketType = 0x41
	EEPitchFeedback     PacketType = 0x42
	EEHeadPitchSetpoint PacketType = 0x43
	EEHeadPitchFeedback PacketType = 0x44
	EEHeadRollSetpoint  PacketType = 0x45
	EEHeadRollFeedback  PacketType = 0x46
)

type Kind uint8

const (
	KindTelemetry Kind = iota
	KindSetpoint
	KindFeedback
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindSetpoint:
		return "setpoint"
	case KindFeedback:
		return "feedback"
	case KindControl:
		return "control"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Entry describes one packet type. For variable-length entries Length is the
// maximum payload size, otherwise it is the exact size.
type Entry struct {
	Type       PacketType `json:"type"`
	Name       string     `json:"name"`
	Length     int        `json:"length"`
	Variable   bool       `json:"variable"`
	Kind       Kind       `json:"kind"`
	Feedback   PacketType `json:"feedback,omitempty"` // feedback answering a setpoint
	Deprecated bool       `json:"deprecated,omitempty"`
}

var (
	ErrDuplicateType = errors.New("duplicate packet type")
	ErrBadLength     = errors.New("payload length outside 0-8")
)

var defaultEntries = []Entry{
	{Type: CatalogVersion, Name: "CATALOG_VERSION", Length: 3, Kind: KindControl},
	{Type: DataPitch, Name: "DATA_PITCH", Length: MaxPayload, Variable: true, Kind: KindTelemetry, Deprecated: true},
	{Type: BatteryVoltage, Name: "BATTERY_VOLTAGE", Length: 2, Kind: KindTelemetry},
	{Type: BatteryPercent, Name: "BATTERY_PERCENT", Length: 1, Kind: KindTelemetry},
	{Type: BatteryTemperature, Name: "BATTERY_TEMPERATURE", Length: 2, Kind: KindTelemetry},
	{Type: MotorSetpoint, Name: "MOTOR_SETPOINT", Length: 2, Kind: KindSetpoint, Feedback: MotorFeedback},
	{Type: MotorFeedback, Name: "MOTOR_FEEDBACK", Length: 2, Kind: KindFeedback},
	{Type: JointYawFeedback, Name: "JOINT_YAW_FEEDBACK", Length: 2, Kind: KindFeedback},
	{Type: EEPitchSetpoint, Name: "DATA_EE_PITCH_SETPOINT", Length: 2, Kind: KindSetpoint, Feedback: EEPitchFeedback},
	{Type: EEPitchFeedback, Name: "DATA_EE_PITCH_FEEDBACK", Length: 2, Kind: KindFeedback},
	{Type: EEHeadPitchSetpoint, Name: "DATA_EE_HEAD_PITCH_SETPOINT", Length: 2, Kind: KindSetpoint, Feedback: EEHeadPitchFeedback},
	{Type: EEHeadPitchFeedback, Name: "DATA_EE_HEAD_PITCH_FEEDBACK", Length: 2, Kind: KindFeedback},
	{Type: EEHeadRollSetpoint, Name: "DATA_EE_HEAD_ROLL_SETPOINT", Length: 2, Kind: KindSetpoint, Feedback: EEHeadRollFeedback},
	{Type: EEHeadRollFeedback, Name: "DATA_EE_HEAD_ROLL_FEEDBACK", Length: 2, Kind: KindFeedback},
}

var names = func() map[PacketType]string {
	m := make(map[PacketType]string, len(defaultEntries))
	for _, e := range defaultEntries {
		m[e.Type] = e.Name
	}
	return m
}()

func (t PacketType) String() string {
	if name, ok := names[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", uint8(t))
}

type Catalog struct {
	version *semver.Version
	entries map[PacketType]Entry
}

// New builds a catalog, rejecting duplicate codes and impossible lengths.
func New(version string, entries ...Entry) (*Catalog, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("catalog version %q: %v", version, err)
	}

	c := &Catalog{
		version: v,
		entries: make(map[PacketType]Entry, len(entries)),
	}
	for _, e := range entries {
		if _, ok := c.entries[e.Type]; ok {
			return nil, fmt.Errorf("%w: 0x%02x (%s)", ErrDuplicateType, uint8(e.Type), e.Name)
		}
		if e.Length < 0 || e.Length > MaxPayload {
			return nil, fmt.Errorf("%w: %s declares %d", ErrBadLength, e.Name, e.Length)
		}
		c.entries[e.Type] = e
	}
	return c, nil
}

var defaultCatalog = func() *Catalog {
	c, err := New(Version, defaultEntries...)
	if err != nil {
		panic(err)
	}
	return c
}()

// Default returns the catalog shared by every node on the network.
func Default() *Catalog {
	return defaultCatalog
}

func (c *Catalog) Version() *semver.Version {
	return c.version
}

func (c *Catalog) Lookup(t PacketType) (e Entry, ok bool) {
	e, ok = c.entries[t]
	return
}

// Entries returns every entry ordered by code.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// CheckLength reports whether n bytes is a valid payload for t. The returned
// reason is empty when the length is acceptable.
func (c *Catalog) CheckLength(t PacketType, n int) (reason string, known bool) {
	e, ok := c.entries[t]
	if !ok {
		return "type not in catalog", false
	}
	switch {
	case e.Variable && n > e.Length:
		return fmt.Sprintf("%s allows at most %d bytes", e.Name, e.Length), true
	case !e.Variable && n != e.Length:
		return fmt.Sprintf("%s declares %d bytes", e.Name, e.Length), true
	}
	return "", true
}

// VersionPayload is the CATALOG_VERSION payload announcing this catalog.
func (c *Catalog) VersionPayload() []byte {
	return []byte{byte(c.version.Major()), byte(c.version.Minor()), byte(c.version.Patch())}
}

// ParseVersionPayload reads a CATALOG_VERSION payload.
func ParseVersionPayload(payload []byte) (*semver.Version, error) {
	if len(payload) != 3 {
		return nil, fmt.Errorf("version payload has %d bytes, want 3", len(payload))
	}
	return semver.NewVersion(fmt.Sprintf("%d.%d.%d", payload[0], payload[1], payload[2]))
}

// Compatible reports whether a peer running catalog v agrees with us on every
// code both sides know, i.e. shares our major version.
func (c *Catalog) Compatible(v *semver.Version) bool {
	constraint, err := semver.NewConstraint(fmt.Sprintf("^%d.0.0", c.version.Major()))
	if err != nil {
		return false
	}
	return constraint.Check(v)
}
