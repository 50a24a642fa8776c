package canbus

import (
	"encoding/binary"
	"fmt"
)

// rtnetlink layout, as found in linux/rtnetlink.h and linux/can/netlink.h.
const (
	nlmsgHdrLen   = 16
	ifInfomsgLen  = 16
	rtAttrHdrLen  = 4
	nlmsgError    = 2
	rtmNewLink    = 16
	iflaLinkInfo  = 18
	iflaInfoData  = 2
	iflaCANTiming = 1
	nlaTypeMask   = 0x3FFF
)

func rtAlign(n int) int {
	return (n + 3) &^ 3
}

// findAttr returns the payload of the first attribute of type typ in b.
func findAttr(b []byte, typ uint16) ([]byte, bool) {
	for len(b) >= rtAttrHdrLen {
		l := int(binary.NativeEndian.Uint16(b))
		t := binary.NativeEndian.Uint16(b[2:]) & nlaTypeMask
		if l < rtAttrHdrLen || l > len(b) {
			return nil, false
		}
		if t == typ {
			return b[rtAttrHdrLen:l], true
		}
		if rtAlign(l) >= len(b) {
			return nil, false
		}
		b = b[rtAlign(l):]
	}
	return nil, false
}

// linkBitrate digs the configured bitrate out of a link's IFLA attributes.
// Virtual interfaces carry no bit timing and report false.
func linkBitrate(attrs []byte) (uint32, bool) {
	info, ok := findAttr(attrs, iflaLinkInfo)
	if !ok {
		return 0, false
	}
	data, ok := findAttr(info, iflaInfoData)
	if !ok {
		return 0, false
	}
	timing, ok := findAttr(data, iflaCANTiming)
	if !ok || len(timing) < 4 {
		return 0, false
	}
	return binary.NativeEndian.Uint32(timing), true
}

// parseLinkReply reads the reply to an RTM_GETLINK request for one interface.
func parseLinkReply(b []byte) (rate uint32, ok bool, err error) {
	for len(b) >= nlmsgHdrLen {
		l := int(binary.NativeEndian.Uint32(b))
		t := binary.NativeEndian.Uint16(b[4:])
		if l < nlmsgHdrLen || l > len(b) {
			return 0, false, fmt.Errorf("truncated netlink message")
		}
		msg := b[nlmsgHdrLen:l]

		switch t {
		case nlmsgError:
			if len(msg) >= 4 {
				if errno := int32(binary.NativeEndian.Uint32(msg)); errno != 0 {
					return 0, false, fmt.Errorf("netlink error %d", -errno)
				}
			}
		case rtmNewLink:
			if len(msg) < ifInfomsgLen {
				return 0, false, fmt.Errorf("short link message")
			}
			rate, ok = linkBitrate(msg[ifInfomsgLen:])
			return rate, ok, nil
		}

		if rtAlign(l) >= len(b) {
			break
		}
		b = b[rtAlign(l):]
	}
	return 0, false, nil
}
