// Package broadcast implements the Broadcast Fabric (spec §4.I): an
// at-least-once, per-topic-ordered fan-out of already-committed events
// to live subscribers, with resume-from-sequence support backed by the
// gateway.EventLog it is given. The hub keeps no history of its own;
// replay reads only what that log holds, and the in-process
// gateway.MemoryLog wired by composition does not survive a restart.
package broadcast

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/metrics"
)

// backlogSize bounds each subscriber's outstanding queue. A slow
// subscriber that falls behind this many entries is evicted rather
// than allowed to stall the publisher, mirroring the teacher's
// bounded-channel fan-out in internal/providers/kraken/websocket.go.
const backlogSize = 256

type subscriber struct {
	id     uint64
	topics map[string]bool
	ch     chan gateway.LogEntry
	done   chan struct{}
}

// Hub fans out LogEntry events to subscribed channels in per-topic
// sequence order. Publish is meant to be called immediately after a
// successful gateway.EventLog.Append with the same entry, so the fabric
// never originates data the log doesn't already hold.
type Hub struct {
	eventLog gateway.EventLog
	metrics  *metrics.Registry

	mu       sync.Mutex
	subs     map[uint64]*subscriber
	nextSubs uint64
}

// NewHub wires the broadcast fabric to its durable event log and,
// optionally, a metrics registry (nil is safe — metrics just go
// unrecorded).
func NewHub(eventLog gateway.EventLog, reg *metrics.Registry) *Hub {
	return &Hub{eventLog: eventLog, metrics: reg, subs: make(map[uint64]*subscriber)}
}

// Publish fans entry out to every subscriber of its topic. Publish
// never blocks on a slow subscriber: a full backlog evicts that
// subscriber instead, per spec §4.I "bounded backlog with eviction".
func (h *Hub) Publish(entry gateway.LogEntry) {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.topics[entry.Topic] {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- entry:
		default:
			log.Warn().Uint64("subscriber_id", sub.id).Str("topic", entry.Topic).Msg("broadcast backlog full, evicting subscriber")
			if h.metrics != nil {
				h.metrics.BroadcastDropped.WithLabelValues(entry.Topic).Inc()
			}
			h.evict(sub.id)
		}
	}
}

// Subscription is a live handle a caller drains via C and tears down
// via Close. Events arrives in per-topic ascending sequence order but
// interleaved across topics.
type Subscription struct {
	hub  *Hub
	id   uint64
	C    <-chan gateway.LogEntry
	done chan struct{}
}

func (s *Subscription) Close() {
	s.hub.evict(s.id)
}

// Done is closed once the subscriber has been evicted (by the caller's
// own Close, or by the hub on backlog overflow). Callers should select
// on both C and Done to detect the latter.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe registers a live listener for topics. If sinceSeq is
// non-empty, each topic first replays every durably committed entry
// with Sequence > sinceSeq[topic] before switching to live delivery,
// implementing the resume semantics of spec §4.I and §6's websocket
// endpoint's since_sequence parameter.
func (h *Hub) Subscribe(ctx context.Context, topics []string, sinceSeq map[string]uint64) (*Subscription, error) {
	topicSet := make(map[string]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}

	ch := make(chan gateway.LogEntry, backlogSize)

	h.mu.Lock()
	h.nextSubs++
	id := h.nextSubs
	sub := &subscriber{id: id, topics: topicSet, ch: ch, done: make(chan struct{})}
	h.subs[id] = sub
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.BroadcastSubscribers.Set(float64(h.SubscriberCount()))
	}

	for _, topic := range topics {
		after := sinceSeq[topic]
		backlog, err := h.eventLog.Since(ctx, topic, after)
		if err != nil {
			h.evict(id)
			return nil, err
		}
		for _, entry := range backlog {
			select {
			case ch <- entry:
			default:
				log.Warn().Uint64("subscriber_id", id).Str("topic", topic).Msg("replay backlog exceeds subscriber buffer, truncating")
			}
		}
	}

	return &Subscription{hub: h, id: id, C: ch, done: sub.done}, nil
}

func (h *Hub) evict(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.done)
	}
	if h.metrics != nil {
		h.metrics.BroadcastSubscribers.Set(float64(len(h.subs)))
	}
}

// SubscriberCount reports the current live listener count, used by the
// /health endpoint.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
