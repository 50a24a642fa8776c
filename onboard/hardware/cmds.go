package hardware

import (
	"context"
	"errors"
	"fmt"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/catalog"
	buserr "github.com/CodedInternet/robocan/onboard/errors"
	"github.com/CodedInternet/robocan/onboard/registry"
)

const (
	CMD_MAX_RETRIES = 5
)

var (
	ERR_MAX_RETRIES    = errors.New("CMD_MAX_RETRIES reached while waiting for feedback")
	ERR_NO_FEEDBACK    = errors.New("packet type has no paired feedback")
	ERR_REQUEST_ACTIVE = errors.New("another request is waiting for feedback")
)

// waiter collects the first frame matching an outstanding request.
type waiter struct {
	from  registry.ModuleAddress
	typ   catalog.PacketType
	reply *canbus.Frame
}

func (w *waiter) offer(f canbus.Frame) {
	if w.reply == nil && f.Source == w.from && f.Type == w.typ {
		w.reply = &f
	}
}

// Request sends a setpoint to dst and waits for the paired feedback from the
// same module. Each attempt waits up to the reply timeout; the setpoint is
// resent up to Retries times before ERR_MAX_RETRIES is returned. Frames that
// arrive meanwhile are dispatched to their handlers as usual.
//
// Encoding and initialization errors are returned immediately. Transport
// failures use up an attempt.
func (n *Node) Request(ctx context.Context, dst registry.ModuleAddress, typ catalog.PacketType, payload []byte) (canbus.Frame, error) {
	entry, ok := n.link.Catalog().Lookup(typ)
	if !ok || entry.Feedback == 0 {
		return canbus.Frame{}, fmt.Errorf("%w: %s", ERR_NO_FEEDBACK, typ)
	}
	if n.waiting != nil {
		return canbus.Frame{}, ERR_REQUEST_ACTIVE
	}

	w := &waiter{from: dst, typ: entry.Feedback}
	n.waiting = w
	defer func() { n.waiting = nil }()

	var lastErr error
	for attempt := 0; attempt < n.cfg.Retries; attempt++ {
		err := n.link.SendTo(dst, typ, payload)
		switch {
		case buserr.IsTransport(err):
			lastErr = err
			n.log.Warn().Err(err).Int("attempt", attempt+1).Stringer("type", typ).Msg("setpoint not sent")
			if err := n.sleep(ctx); err != nil {
				return canbus.Frame{}, err
			}
			continue
		case err != nil:
			return canbus.Frame{}, err
		}

		deadline := n.now().Add(n.cfg.ReplyTimeout)
		for n.now().Before(deadline) {
			if _, err := n.Poll(); err != nil {
				lastErr = err
			}
			if w.reply != nil {
				return *w.reply, nil
			}
			if err := n.sleep(ctx); err != nil {
				return canbus.Frame{}, err
			}
		}
		n.log.Debug().Int("attempt", attempt+1).Stringer("type", typ).Stringer("to", dst).Msg("no feedback, retrying")
	}

	if lastErr != nil {
		return canbus.Frame{}, fmt.Errorf("%w: %s to %s: %v", ERR_MAX_RETRIES, typ, dst, lastErr)
	}
	return canbus.Frame{}, fmt.Errorf("%w: %s to %s", ERR_MAX_RETRIES, typ, dst)
}
