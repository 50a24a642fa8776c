package canbus

import (
	"fmt"

	"github.com/CodedInternet/robocan/onboard/registry"
)

// The controller has two receive buffers. Buffer 0 owns one mask and two
// filters, buffer 1 owns one mask and four filters.
const (
	MaskSlots   = 2
	FilterSlots = 6
)

// FilterSpec is one acceptance filter: a frame passes when
// id&Mask == Match&Mask. Mask and Match use the can_id layout, so requiring
// CAN_EFF_FLAG in the mask drops standard frames.
type FilterSpec struct {
	Slot   int    // filter slot, 0-5
	Buffer int    // receive buffer, and so the mask slot, this filter belongs to
	Mask   uint32 // shared by every filter on the same buffer
	Match  uint32
}

func (f FilterSpec) Accepts(id ExtendedIdentifier) bool {
	return uint32(id)&f.Mask == f.Match&f.Mask
}

func (f FilterSpec) String() string {
	return fmt.Sprintf("RXF%d/RXB%d mask=%08X match=%08X", f.Slot, f.Buffer, f.Mask, f.Match)
}

// BufferForSlot maps a filter slot to its receive buffer.
func BufferForSlot(slot int) int {
	if slot < 2 {
		return 0
	}
	return 1
}

// ComputeFilters derives the acceptance filters for a node so that only
// extended frames whose destination field equals self are delivered. Every
// slot is programmed; slots not needed for the node's own address repeat it,
// which leaves room for extra matches later without touching the masks.
func ComputeFilters(self registry.ModuleAddress) []FilterSpec {
	mask := uint32(CAN_EFF_FLAG | DestinationMask)
	match := uint32(CAN_EFF_FLAG) | uint32(self)<<destinationShift

	filters := make([]FilterSpec, FilterSlots)
	for slot := range filters {
		filters[slot] = FilterSpec{
			Slot:   slot,
			Buffer: BufferForSlot(slot),
			Mask:   mask,
			Match:  match,
		}
	}
	return filters
}

// Accepts evaluates a filter set the way the hardware does: a frame is
// delivered when any filter matches.
func Accepts(filters []FilterSpec, id ExtendedIdentifier) bool {
	for _, f := range filters {
		if f.Accepts(id) {
			return true
		}
	}
	return false
}

// Masks returns the mask programmed into each buffer, or an error when two
// filters on one buffer disagree.
func Masks(filters []FilterSpec) (masks [MaskSlots]uint32, err error) {
	var set [MaskSlots]bool
	for _, f := range filters {
		if f.Slot < 0 || f.Slot >= FilterSlots || f.Buffer != BufferForSlot(f.Slot) {
			return masks, fmt.Errorf("filter %s: slot and buffer do not match", f)
		}
		if set[f.Buffer] && masks[f.Buffer] != f.Mask {
			return masks, fmt.Errorf("filter %s: buffer %d mask already %08X", f, f.Buffer, masks[f.Buffer])
		}
		masks[f.Buffer] = f.Mask
		set[f.Buffer] = true
	}
	return masks, nil
}
