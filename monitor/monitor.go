// Package monitor captures every frame on a robocan bus, decodes it against
// the packet catalog, stores it and streams it to websocket clients.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/catalog"
	"github.com/CodedInternet/robocan/onboard/registry"
	"github.com/rs/zerolog"
)

// TapQueue is how many simulated frames may wait for the store.
const TapQueue = 256

// ModuleSeen summarises traffic from one source address.
type ModuleSeen struct {
	Address   uint8     `json:"address"`
	Name      string    `json:"name,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	Frames    uint64    `json:"frames"`
	Malformed uint64    `json:"malformed"`
}

// Monitor is safe for concurrent use; capture callbacks and HTTP handlers run
// on their own goroutines.
type Monitor struct {
	codec *canbus.Codec
	store *Store
	hub   *Hub
	auth  *Auth
	now   func() time.Time
	log   zerolog.Logger

	mu      sync.Mutex
	modules map[uint8]*ModuleSeen
}

func New(cat *catalog.Catalog, store *Store, hub *Hub, logger zerolog.Logger) *Monitor {
	return &Monitor{
		codec:   canbus.NewCodec(cat),
		store:   store,
		hub:     hub,
		now:     time.Now,
		log:     logger.With().Str("component", "monitor").Logger(),
		modules: make(map[uint8]*ModuleSeen),
	}
}

func (m *Monitor) Catalog() *catalog.Catalog {
	return m.codec.Catalog
}

func (m *Monitor) Store() *Store {
	return m.store
}

// Ingest records one raw frame from the bus.
func (m *Monitor) Ingest(id canbus.ExtendedIdentifier, data []byte) *Record {
	r := NewRecord(m.codec, m.now(), id, data)

	m.mu.Lock()
	seen, ok := m.modules[r.Source]
	if !ok {
		seen = &ModuleSeen{Address: r.Source, Name: moduleName(r.Source)}
		m.modules[r.Source] = seen
	}
	seen.LastSeen = r.Time
	seen.Frames++
	if r.Malformed != "" {
		seen.Malformed++
	}
	m.mu.Unlock()

	RecordFrame(r)
	if r.Malformed != "" {
		m.log.Warn().Str("id", id.String()).Str("reason", r.Malformed).Msg("malformed frame")
	}
	if err := m.store.Save(r); err != nil {
		m.log.Error().Err(err).Msg("unable to store frame")
	}
	m.hub.Broadcast(r)
	return r
}

// Modules lists every source heard from, ordered by address.
func (m *Monitor) Modules() []ModuleSeen {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ModuleSeen, 0, len(m.modules))
	for _, s := range m.modules {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

type tapped struct {
	id   canbus.ExtendedIdentifier
	data []byte
}

// TapSim records all traffic on a simulated bus until ctx is done. Taps run
// under the bus lock, so frames are queued and ingested on a goroutine of
// their own; a full queue drops frames.
func (m *Monitor) TapSim(ctx context.Context, bus *canbus.SimBus) {
	frames := make(chan tapped, TapQueue)
	bus.Tap(func(id canbus.ExtendedIdentifier, data []byte) {
		if ctx.Err() != nil {
			return
		}
		select {
		case frames <- tapped{id, data}:
		default:
			m.log.Warn().Str("id", id.String()).Msg("capture queue full, dropping frame")
		}
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-frames:
				m.Ingest(f.id, f.data)
			}
		}
	}()
}

func moduleName(addr uint8) string {
	for _, p := range registry.Known() {
		if uint8(p.Address) == addr {
			return p.Name
		}
	}
	return ""
}
