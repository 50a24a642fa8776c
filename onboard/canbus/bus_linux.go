//go:build linux

package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	buserr "github.com/CodedInternet/robocan/onboard/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// SocketCAN drives a Linux CAN interface through a raw socket. Acceptance
// filters are installed with CAN_RAW_FILTER so the kernel drops frames for
// other modules before they reach the process.
type SocketCAN struct {
	ifname    string
	fd        int
	open      bool
	normal    bool
	bitrate   Bitrate
	TxTimeout time.Duration
	log       zerolog.Logger
}

// NewSocketCAN binds the controller to an interface name, e.g. "can0". No
// socket is opened until Reset.
func NewSocketCAN(ifname string, logger zerolog.Logger) *SocketCAN {
	return &SocketCAN{
		ifname:    ifname,
		fd:        -1,
		TxTimeout: DefaultTxTimeout,
		log:       logger.With().Str("component", "socketcan").Str("iface", ifname).Logger(),
	}
}

// Reset drops any previous socket and opens a fresh, unbound one. An unbound
// socket receives nothing, which is this controller's configuration mode.
func (c *SocketCAN) Reset() (err error) {
	if err = c.Close(); err != nil {
		return
	}

	c.fd, err = unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		c.fd = -1
		return fmt.Errorf("open can socket: %w", err)
	}
	c.open = true
	c.normal = false

	if err = unix.SetNonblock(c.fd, true); err != nil {
		c.Close()
		return fmt.Errorf("set nonblocking: %w", err)
	}
	return nil
}

// SetBitrate checks that the interface is up. The bitrate itself is a link
// property configured with `ip link set <iface> type can bitrate <rate>`; a
// link running at another rate is logged, since this process cannot change it.
func (c *SocketCAN) SetBitrate(rate Bitrate) error {
	if !c.open || c.normal {
		return ErrConfigMode
	}

	iface, err := net.InterfaceByName(c.ifname)
	if err != nil {
		return err
	}
	if iface.Flags&net.FlagUp == 0 {
		return fmt.Errorf("interface %s is down", c.ifname)
	}

	c.bitrate = rate
	actual, ok, err := queryLinkBitrate(iface.Index)
	switch {
	case err != nil:
		c.log.Warn().Err(err).Msg("unable to read link bitrate")
	case !ok:
		c.log.Debug().Stringer("bitrate", rate).Msg("link reports no bitrate, assuming it matches")
	case actual != uint32(rate):
		c.log.Warn().Stringer("want", rate).Uint32("link", actual).Msg("link bitrate does not match network")
	default:
		c.log.Debug().Stringer("bitrate", rate).Msg("link bitrate matches network")
	}
	return nil
}

// queryLinkBitrate asks rtnetlink for the interface's CAN bit timing.
func queryLinkBitrate(ifindex int) (uint32, bool, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return 0, false, fmt.Errorf("open netlink socket: %w", err)
	}
	defer unix.Close(fd)

	tv := unix.NsecToTimeval(time.Second.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return 0, false, err
	}

	req := make([]byte, unix.SizeofNlMsghdr+unix.SizeofIfInfomsg)
	binary.NativeEndian.PutUint32(req[0:], uint32(len(req)))
	binary.NativeEndian.PutUint16(req[4:], unix.RTM_GETLINK)
	binary.NativeEndian.PutUint16(req[6:], unix.NLM_F_REQUEST)
	binary.NativeEndian.PutUint32(req[8:], 1)
	req[unix.SizeofNlMsghdr] = unix.AF_UNSPEC
	binary.NativeEndian.PutUint32(req[unix.SizeofNlMsghdr+4:], uint32(ifindex))

	kernel := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Sendto(fd, req, 0, kernel); err != nil {
		return 0, false, fmt.Errorf("request link: %w", err)
	}

	buf := make([]byte, 1<<16)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return 0, false, fmt.Errorf("read link: %w", err)
	}
	return parseLinkReply(buf[:n])
}

func (c *SocketCAN) SetFilters(filters []FilterSpec) error {
	if c.normal {
		return buserr.ErrNormalMode
	}
	if !c.open {
		return ErrConfigMode
	}

	kf := make([]unix.CanFilter, 0, len(filters))
	seen := make(map[unix.CanFilter]bool)
	for _, f := range filters {
		cf := unix.CanFilter{Id: f.Match & f.Mask, Mask: f.Mask}
		if seen[cf] {
			continue
		}
		seen[cf] = true
		kf = append(kf, cf)
	}

	return unix.SetsockoptCanRawFilter(c.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf)
}

func (c *SocketCAN) SetNormalMode() error {
	if !c.open {
		return ErrConfigMode
	}

	iface, err := net.InterfaceByName(c.ifname)
	if err != nil {
		return err
	}
	if err := unix.Bind(c.fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		return fmt.Errorf("bind %s: %w", c.ifname, err)
	}

	c.normal = true
	return nil
}

// Transmit writes one frame. When the socket buffer is full it waits for
// writability at most TxTimeout before giving up.
func (c *SocketCAN) Transmit(id ExtendedIdentifier, data []byte) error {
	if !c.normal {
		return ErrNotNormal
	}

	raw, err := toByteArray(id, data)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.TxTimeout)
	for {
		_, err = unix.Write(c.fd, raw)
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.ENOBUFS) {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTxBusy
		}
		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
		if _, err = unix.Poll(fds, int(remaining/time.Millisecond)+1); err != nil && !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (c *SocketCAN) Receive() (id ExtendedIdentifier, data []byte, err error) {
	if !c.normal {
		return 0, nil, ErrNotNormal
	}

	raw := make([]byte, CAN_MTU)
	n, err := unix.Read(c.fd, raw)
	switch {
	case errors.Is(err, unix.EAGAIN):
		return 0, nil, ErrNoMessage
	case err != nil:
		return 0, nil, err
	}
	return msgFromByteArray(raw[:n])
}

// Close releases the socket. The controller can be reopened with Reset.
func (c *SocketCAN) Close() error {
	if !c.open {
		return nil
	}
	c.open = false
	c.normal = false
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}
