// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

// Package progress carries per-file ingestion milestones from the
// orchestrator to whoever is watching, such as an SSE stream.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/leseb/brainingest/pkg/observability/logging"
)

// Event is one ingestion milestone for one file.
type Event struct {
	OwnerID        string    `json:"owner_id"`
	BrainID        string    `json:"brain_id"`
	FileID         string    `json:"file_id"`
	Filename       string    `json:"filename"`
	Stage          string    `json:"stage"`
	ChunksEmbedded int       `json:"chunks_embedded"`
	TotalChunks    int       `json:"total_chunks"`
	Error          string    `json:"error,omitempty"`
	Time           time.Time `json:"time"`
}

// Publisher receives events. Publish must not block the caller.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish calls f.
func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

type multi []Publisher

func (m multi) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// Multi fans an event out to every non-nil publisher in order.
func Multi(ps ...Publisher) Publisher {
	var out multi
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// LogPublisher writes events at debug level.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish logs e.
func (l LogPublisher) Publish(e Event) {
	logging.OrDefault(l.Logger).Debug("ingest progress",
		"owner_id", e.OwnerID,
		"file_id", e.FileID,
		"filename", e.Filename,
		"stage", e.Stage,
		"chunks_embedded", e.ChunksEmbedded,
		"total_chunks", e.TotalChunks)
}

// Broker fans events out to per-owner subscribers. A subscriber that does
// not keep up loses events rather than stalling ingestion.
type Broker struct {
	buffer int

	mu      sync.Mutex
	subs    map[string]map[uint64]chan Event
	nextID  uint64
	dropped uint64
	closed  bool
}

// NewBroker returns a Broker whose subscriber channels hold buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{buffer: buffer, subs: make(map[string]map[uint64]chan Event)}
}

// Publish delivers e to every subscriber of e.OwnerID without blocking.
func (b *Broker) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[e.OwnerID] {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribe registers for ownerID's events. The returned cancel function
// closes the channel and must be called once the caller stops reading.
func (b *Broker) Subscribe(ownerID string) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	if b.subs[ownerID] == nil {
		b.subs[ownerID] = make(map[uint64]chan Event)
	}
	b.subs[ownerID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if owner, ok := b.subs[ownerID]; ok {
				if c, ok := owner[id]; ok {
					delete(owner, id)
					close(c)
				}
				if len(owner) == 0 {
					delete(b.subs, ownerID)
				}
			}
		})
	}
}

// Dropped returns how many events were discarded for slow subscribers.
func (b *Broker) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for owner, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, owner)
	}
	b.closed = true
}
