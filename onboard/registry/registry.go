// Package registry describes the identity of a node on the bus: its module
// address and the features its build carries.
package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/CodedInternet/robocan/onboard/catalog"
)

// ModuleAddress identifies one physical node on the bus.
type ModuleAddress uint8

// Controller is the address of the main controller that receives telemetry
// from every module.
const Controller ModuleAddress = 0x01

func (a ModuleAddress) String() string {
	return fmt.Sprintf("0x%02X", uint8(a))
}

// ParseAddress accepts decimal or 0x prefixed hex.
func ParseAddress(s string) (ModuleAddress, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("module address %q: %v", s, err)
	}
	return ModuleAddress(v), nil
}

func (a *ModuleAddress) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := ParseAddress(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// UnmarshalText lets env and flag parsing take addresses in hex.
func (a *ModuleAddress) UnmarshalText(text []byte) error {
	v, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

type Feature string

const (
	FeatureEndEffector Feature = "ee"  // pitch, head pitch and head roll servos
	FeatureYaw         Feature = "yaw" // absolute encoder on the yaw joint
)

var featureTypes = map[Feature][]catalog.PacketType{
	FeatureEndEffector: {
		catalog.EEPitchSetpoint, catalog.EEPitchFeedback,
		catalog.EEHeadPitchSetpoint, catalog.EEHeadPitchFeedback,
		catalog.EEHeadRollSetpoint, catalog.EEHeadRollFeedback,
	},
	FeatureYaw: {catalog.JointYawFeedback},
}

// baseTypes are carried by every module regardless of features.
var baseTypes = []catalog.PacketType{
	catalog.CatalogVersion,
	catalog.DataPitch,
	catalog.BatteryVoltage,
	catalog.BatteryPercent,
	catalog.BatteryTemperature,
	catalog.MotorSetpoint,
	catalog.MotorFeedback,
}

// Profile is the immutable identity of one node build.
type Profile struct {
	Name     string
	Address  ModuleAddress
	Features []Feature
}

func (p Profile) Has(f Feature) bool {
	for _, have := range p.Features {
		if have == f {
			return true
		}
	}
	return false
}

// Supports reports whether this build sends or handles packet type t.
func (p Profile) Supports(t catalog.PacketType) bool {
	for _, b := range baseTypes {
		if b == t {
			return true
		}
	}
	for _, f := range p.Features {
		for _, ft := range featureTypes[f] {
			if ft == t {
				return true
			}
		}
	}
	return false
}

func (p Profile) String() string {
	if p.Name != "" {
		return fmt.Sprintf("%s(%s)", p.Name, p.Address)
	}
	return p.Address.String()
}

var known = map[string]Profile{
	"MK1_MOD1": {Name: "MK1_MOD1", Address: 0x11, Features: []Feature{FeatureEndEffector}}, // head
	"MK1_MOD2": {Name: "MK1_MOD2", Address: 0x12, Features: []Feature{FeatureYaw}},         // middle
	"MK2_MOD1": {Name: "MK2_MOD1", Address: 0x21},                                          // head
	"MK2_MOD2": {Name: "MK2_MOD2", Address: 0x22, Features: []Feature{FeatureYaw}},         // middle

	// the main controller drives every joint type
	"CONTROLLER": {Name: "CONTROLLER", Address: Controller, Features: []Feature{FeatureEndEffector, FeatureYaw}},
}

// Lookup returns a known module build by name, e.g. "MK1_MOD1".
func Lookup(name string) (Profile, error) {
	p, ok := known[strings.ToUpper(name)]
	if !ok {
		return Profile{}, fmt.Errorf("unknown module %q", name)
	}
	return p, nil
}

// Known lists every known module build ordered by address.
func Known() []Profile {
	out := make([]Profile, 0, len(known))
	for _, p := range known {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// ParseFeatures validates a list of feature names.
func ParseFeatures(names []string) ([]Feature, error) {
	features := make([]Feature, 0, len(names))
	for _, n := range names {
		f := Feature(strings.ToLower(strings.TrimSpace(n)))
		if _, ok := featureTypes[f]; !ok {
			return nil, fmt.Errorf("unknown feature %q", n)
		}
		features = append(features, f)
	}
	return features, nil
}
