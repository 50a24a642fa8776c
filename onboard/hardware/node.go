package hardware

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/catalog"
	buserr "github.com/CodedInternet/robocan/onboard/errors"
	"github.com/CodedInternet/robocan/onboard/registry"
	"github.com/Masterminds/semver"
	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultMaxBurst     = 32
)

var ErrIncompatible = errors.New("incompatible catalog version")

// Link is the transport surface a node drives. *canbus.Transport satisfies it.
type Link interface {
	Profile() registry.Profile
	Peer() registry.ModuleAddress
	Catalog() *catalog.Catalog
	SendTo(dst registry.ModuleAddress, typ catalog.PacketType, payload []byte) error
	Receive() (canbus.Frame, error)
}

type Handler func(f canbus.Frame)

type NodeConfig struct {
	ReplyTimeout time.Duration
	Retries      int
	PollInterval time.Duration
	MaxBurst     int // frames read per Poll, malformed ones included
	Logger       *zerolog.Logger
}

// PeerStatus is what a node knows about another module on the bus.
type PeerStatus struct {
	Address    registry.ModuleAddress `json:"address"`
	LastSeen   time.Time              `json:"last_seen"`
	Frames     uint64                 `json:"frames"`
	Version    *semver.Version        `json:"version,omitempty"`
	Compatible bool                   `json:"compatible"`

	announced time.Time
}

type task struct {
	name  string
	every time.Duration
	next  time.Time
	fn    func() error
}

// Node dispatches received frames to handlers and runs periodic tasks from a
// single control loop. It is not safe for concurrent use.
type Node struct {
	link     Link
	cfg      NodeConfig
	handlers map[catalog.PacketType]Handler
	observe  []Handler
	peers    map[registry.ModuleAddress]*PeerStatus
	tasks    []*task
	waiting  *waiter
	dropped  uint64
	now      func() time.Time
	log      zerolog.Logger
}

func NewNode(link Link, cfg NodeConfig) *Node {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = canbus.DefaultReplyTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = CMD_MAX_RETRIES
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxBurst <= 0 {
		cfg.MaxBurst = DefaultMaxBurst
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Node{
		link:     link,
		cfg:      cfg,
		handlers: make(map[catalog.PacketType]Handler),
		peers:    make(map[registry.ModuleAddress]*PeerStatus),
		now:      time.Now,
		log:      logger.With().Str("component", "node").Stringer("module", link.Profile().Address).Logger(),
	}
}

func (n *Node) Profile() registry.Profile {
	return n.link.Profile()
}

// Handle registers h for packet type t, replacing any earlier handler.
func (n *Node) Handle(t catalog.PacketType, h Handler) {
	n.handlers[t] = h
}

// Observe registers h for every received frame, ahead of the type handler.
func (n *Node) Observe(h Handler) {
	n.observe = append(n.observe, h)
}

// Every schedules fn to run from Run once per interval. The first run happens
// on the first tick.
func (n *Node) Every(name string, interval time.Duration, fn func() error) {
	n.tasks = append(n.tasks, &task{name: name, every: interval, fn: fn})
}

// Send transmits to the link's default peer.
func (n *Node) Send(typ catalog.PacketType, payload []byte) error {
	return n.link.SendTo(n.link.Peer(), typ, payload)
}

func (n *Node) SendTo(dst registry.ModuleAddress, typ catalog.PacketType, payload []byte) error {
	return n.link.SendTo(dst, typ, payload)
}

// Poll drains pending frames without blocking. Every frame read counts
// toward MaxBurst, malformed ones included; those are counted and skipped. A
// transport failure stops the drain and is returned so the caller can try
// again on its next tick.
func (n *Node) Poll() (handled int, err error) {
	for read := 0; read < n.cfg.MaxBurst; read++ {
		f, err := n.link.Receive()
		switch {
		case errors.Is(err, canbus.ErrNoMessage):
			return handled, nil
		case buserr.IsMalformed(err):
			n.dropped++
			continue
		case err != nil:
			return handled, err
		}

		handled++
		n.dispatch(f)
	}
	return handled, nil
}

func (n *Node) dispatch(f canbus.Frame) {
	peer := n.peer(f.Source)
	peer.LastSeen = n.now()
	peer.Frames++

	if f.Type == catalog.CatalogVersion {
		n.handleVersion(peer, f)
	}
	if n.waiting != nil {
		n.waiting.offer(f)
	}
	for _, h := range n.observe {
		h(f)
	}

	if h, ok := n.handlers[f.Type]; ok {
		h(f)
	} else if f.Type != catalog.CatalogVersion {
		n.log.Debug().Stringer("from", f.Source).Stringer("type", f.Type).Msg("no handler")
	}
}

func (n *Node) peer(addr registry.ModuleAddress) *PeerStatus {
	p, ok := n.peers[addr]
	if !ok {
		p = &PeerStatus{Address: addr}
		n.peers[addr] = p
	}
	return p
}

// handleVersion records a peer's catalog version. Announcements that are not
// a reply to one of ours are answered so modules that start late learn our
// version too.
func (n *Node) handleVersion(peer *PeerStatus, f canbus.Frame) {
	v, err := catalog.ParseVersionPayload(f.Payload)
	if err != nil {
		n.log.Warn().Err(err).Stringer("from", f.Source).Msg("bad catalog version")
		return
	}

	peer.Version = v
	peer.Compatible = n.link.Catalog().Compatible(v)
	if !peer.Compatible {
		n.log.Warn().
			Stringer("from", f.Source).
			Str("peer_version", v.String()).
			Str("version", n.link.Catalog().Version().String()).
			Msg("peer speaks an incompatible catalog")
	}

	if n.now().Sub(peer.announced) > n.cfg.ReplyTimeout {
		if err := n.AnnounceTo(f.Source); err != nil {
			n.log.Warn().Err(err).Stringer("to", f.Source).Msg("version reply failed")
		}
	}
}

// AnnounceTo sends this node's catalog version to dst.
func (n *Node) AnnounceTo(dst registry.ModuleAddress) error {
	n.peer(dst).announced = n.now()
	return n.link.SendTo(dst, catalog.CatalogVersion, n.link.Catalog().VersionPayload())
}

// Handshake announces our catalog version to dst and waits for its answer,
// retrying like any other request. An answer with a different major version
// is an error wrapping ErrIncompatible.
func (n *Node) Handshake(ctx context.Context, dst registry.ModuleAddress) (*semver.Version, error) {
	peer := n.peer(dst)
	peer.Version = nil

	for attempt := 0; attempt < n.cfg.Retries; attempt++ {
		if err := n.AnnounceTo(dst); err != nil && !buserr.IsTransport(err) {
			return nil, err
		}

		deadline := n.now().Add(n.cfg.ReplyTimeout)
		for n.now().Before(deadline) {
			if _, err := n.Poll(); err != nil {
				n.log.Warn().Err(err).Msg("receive failed")
			}
			if peer.Version != nil {
				if !peer.Compatible {
					return peer.Version, fmt.Errorf("%w: %s runs %s, require %s",
						ErrIncompatible, dst, peer.Version, n.link.Catalog().Version())
				}
				return peer.Version, nil
			}
			if err := n.sleep(ctx); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: no catalog version from %s", ERR_MAX_RETRIES, dst)
}

// Alive reports whether addr was heard from within the reply timeout.
func (n *Node) Alive(addr registry.ModuleAddress) bool {
	p, ok := n.peers[addr]
	return ok && n.now().Sub(p.LastSeen) <= n.cfg.ReplyTimeout
}

// Peers returns a snapshot of every module heard from, ordered by address.
func (n *Node) Peers() []PeerStatus {
	out := make([]PeerStatus, 0, len(n.peers))
	for _, p := range n.peers {
		if p.Frames > 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Dropped counts malformed frames discarded by Poll.
func (n *Node) Dropped() uint64 {
	return n.dropped
}

// Run polls the link and runs scheduled tasks until ctx is done. Receive and
// task failures are logged and retried on the next tick.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := n.Poll(); err != nil {
			n.log.Warn().Err(err).Msg("receive failed")
		}
		n.runTasks()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) runTasks() {
	now := n.now()
	for _, t := range n.tasks {
		if now.Before(t.next) {
			continue
		}
		t.next = now.Add(t.every)
		if err := t.fn(); err != nil {
			n.log.Warn().Err(err).Str("task", t.name).Msg("task failed")
		}
	}
}

func (n *Node) sleep(ctx context.Context) error {
	timer := time.NewTimer(n.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
