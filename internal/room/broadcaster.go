// Package room implements the best-effort fan-out described in
// spec.md section 4.8: deliver an event to every session in a channel
// or doc room, excluding the sender if asked, without letting one slow
// receiver block the others.
package room

import (
	"sync"

	"github.com/kolabdoc/core/internal/session"
)

// Sink is the per-connection outbound queue the wire layer registers
// for each session. Enqueue must not block; a full or closed sink
// simply drops the message (spec.md: "delivery is best-effort per
// socket").
type Sink interface {
	Enqueue(event string, data any) bool
}

// Kind discriminates which reverse index a broadcast targets.
type Kind int

const (
	KindChannel Kind = iota
	KindDoc
)

// Broadcaster fans events out to every session in a room.
type Broadcaster struct {
	reg *session.Registry

	mu    sync.RWMutex
	sinks map[uint64]Sink
}

// New builds a Broadcaster over the given session registry.
func New(reg *session.Registry) *Broadcaster {
	return &Broadcaster{reg: reg, sinks: make(map[uint64]Sink)}
}

// Attach registers a connection's outbound sink, to be used for
// broadcasts once the session joins a room.
func (b *Broadcaster) Attach(id uint64, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks[id] = sink
}

// Detach removes a connection's sink, e.g. on disconnect.
func (b *Broadcaster) Detach(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sinks, id)
}

// Broadcast delivers event/data to every session in the named room,
// optionally skipping one session (the originator, when it already
// applied the change locally). Order across receivers is not
// guaranteed; order within one receiver's queue is its enqueue order.
func (b *Broadcaster) Broadcast(kind Kind, roomKey, event string, data any, exclude *uint64) {
	var ids []uint64
	switch kind {
	case KindChannel:
		ids = b.reg.ChannelSessions(roomKey)
	case KindDoc:
		ids = b.reg.DocSessions(roomKey)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, id := range ids {
		if exclude != nil && id == *exclude {
			continue
		}
		if sink, ok := b.sinks[id]; ok {
			sink.Enqueue(event, data)
		}
	}
}

// BroadcastChannel is Broadcast(KindChannel, ...).
func (b *Broadcaster) BroadcastChannel(channelID, event string, data any, exclude *uint64) {
	b.Broadcast(KindChannel, channelID, event, data, exclude)
}

// BroadcastDoc is Broadcast(KindDoc, ...).
func (b *Broadcaster) BroadcastDoc(docID, event string, data any, exclude *uint64) {
	b.Broadcast(KindDoc, docID, event, data, exclude)
}

// Send delivers event/data to exactly one session, if still connected.
func (b *Broadcaster) Send(id uint64, event string, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sink, ok := b.sinks[id]; ok {
		sink.Enqueue(event, data)
	}
}
